package share

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// EncodeLegacy renders the legacy triplet encoding kept for early
// deployments: base64url of `share_id:message_id:group`.
func (t *Token) EncodeLegacy() string {
	triplet := fmt.Sprintf("%s:%s:%s", t.ShareID, t.Index.MessageID, t.Index.Group)
	return base64url.EncodeToString([]byte(triplet))
}

// parseLegacy decodes a legacy triplet payload. Early deployments only
// published open shares, so the tier defaults accordingly.
func parseLegacy(raw []byte) (*Token, error) {
	parts := strings.Split(string(raw), ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: not a legacy triplet", ErrInvalidToken)
	}
	if _, err := decodeShareIDCore(parts[0]); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(parts[1], "<") || !strings.HasSuffix(parts[1], ">") {
		return nil, fmt.Errorf("%w: malformed message id", ErrInvalidToken)
	}
	if parts[2] == "" {
		return nil, fmt.Errorf("%w: missing group", ErrInvalidToken)
	}
	return &Token{
		Version: TokenVersion,
		ShareID: parts[0],
		Tier:    TierOpen,
		Index:   IndexRef{MessageID: parts[1], Group: parts[2], Count: 1},
	}, nil
}

// Parse decodes any token form: the usenetsync:// URI or one of the three
// bare payload encodings. It is total: every input yields a verified token
// or an error wrapping ErrInvalidToken.
func Parse(s string) (*Token, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	if strings.HasPrefix(s, URIScheme) {
		return parseURI(s)
	}
	return parsePayload(s)
}

// parseURI handles usenetsync://<payload>/<tier>[/<base64-key>]. The
// payload may be a full encoded token or a bare share id.
func parseURI(s string) (*Token, error) {
	parts := strings.Split(strings.TrimPrefix(s, URIScheme), "/")
	if len(parts) < 2 || len(parts) > 3 {
		return nil, fmt.Errorf("%w: malformed uri", ErrInvalidToken)
	}

	tier := parts[1]
	if !validTier(tier) {
		return nil, fmt.Errorf("%w: unknown tier %q", ErrInvalidToken, tier)
	}

	var token *Token
	if _, err := decodeShareIDCore(parts[0]); err == nil {
		// Bare share id: the index location comes from the share record.
		token = &Token{Version: TokenVersion, ShareID: parts[0], Tier: tier}
	} else {
		token, err = parsePayload(parts[0])
		if err != nil {
			return nil, err
		}
		if token.Tier != tier {
			return nil, fmt.Errorf("%w: tier mismatch between payload and uri", ErrInvalidToken)
		}
	}
	token.Tier = tier

	if len(parts) == 3 {
		if tier != TierOpen {
			return nil, fmt.Errorf("%w: key on non-open tier", ErrInvalidToken)
		}
		key, err := decodeAnyBase64(parts[2])
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("%w: malformed embedded key", ErrInvalidToken)
		}
		token.Key = key
	}
	return token, nil
}

// parsePayload auto-detects the bare encoding by the decoded payload's
// first bytes and length.
func parsePayload(s string) (*Token, error) {
	raw, err := decodeAnyBase64(s)
	if err != nil {
		return nil, fmt.Errorf("%w: not base64", ErrInvalidToken)
	}
	switch {
	case len(raw) > 0 && raw[0] == '{':
		return parseJSON(raw)
	case (len(raw) == binSingleLen || len(raw) == binMultiLen) && raw[0] == TokenVersion:
		// A legacy triplet starts with a base32 character, never the
		// version byte, so length alone cannot misroute it here.
		return parseBinary(raw)
	default:
		return parseLegacy(raw)
	}
}

// decodeAnyBase64 accepts base64url with or without padding, as produced by
// this codebase and by earlier deployments respectively.
func decodeAnyBase64(s string) ([]byte, error) {
	if raw, err := base64url.DecodeString(s); err == nil {
		return raw, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
