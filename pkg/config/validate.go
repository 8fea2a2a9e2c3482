package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/usenetsync/usenetsync/pkg/nntp"
)

// Validate checks the configuration against the struct validation tags plus
// the cross-field rules the tags cannot express. Call after ApplyDefaults.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, describeFieldError(fe))
			}
			return fmt.Errorf("%s", strings.Join(msgs, "; "))
		}
		return err
	}

	if _, err := nntp.ParseRotationStrategy(cfg.Pool.Strategy); err != nil {
		return fmt.Errorf("pool.strategy: %w", err)
	}

	if err := cfg.Database.Validate(); err != nil {
		return err
	}

	if cfg.Segmentation.RedundancyLevel < 1 {
		return fmt.Errorf("segmentation.redundancy_level must be at least 1")
	}
	if cfg.Segmentation.SegmentSize < 1 {
		return fmt.Errorf("segmentation.segment_size must be at least 1 byte")
	}
	if cfg.Segmentation.PackThreshold.Int64() > cfg.Segmentation.SegmentSize.Int64() {
		return fmt.Errorf("segmentation.pack_threshold (%s) exceeds segment_size (%s)",
			cfg.Segmentation.PackThreshold, cfg.Segmentation.SegmentSize)
	}

	return nil
}

// describeFieldError renders one validation failure with its config path.
func describeFieldError(fe validator.FieldError) string {
	// Namespace starts with the struct name; the rest maps onto the YAML
	// layout closely enough for an error message.
	path := fe.Namespace()
	if i := strings.IndexByte(path, '.'); i >= 0 {
		path = path[i+1:]
	}
	path = strings.ToLower(path)

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", path)
	case "min":
		return fmt.Sprintf("%s must be at least %s", path, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", path, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", path, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", path, fe.Tag())
	}
}
