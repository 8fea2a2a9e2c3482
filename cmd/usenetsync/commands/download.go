package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/usenetsync/usenetsync/internal/bytesize"
	"github.com/usenetsync/usenetsync/internal/cli/output"
	"github.com/usenetsync/usenetsync/internal/cli/prompt"
	"github.com/usenetsync/usenetsync/internal/logger"
	"github.com/usenetsync/usenetsync/pkg/access"
	"github.com/usenetsync/usenetsync/pkg/cache"
	"github.com/usenetsync/usenetsync/pkg/metrics"
	"github.com/usenetsync/usenetsync/pkg/retriever"
	"github.com/usenetsync/usenetsync/pkg/share"
	"github.com/usenetsync/usenetsync/pkg/store/models"
)

var (
	downloadPassphrase string
	downloadUser       string
	downloadSession    string
)

var downloadCmd = &cobra.Command{
	Use:   "download <token> <destination>",
	Short: "Retrieve a share into a local directory",
	Long: `Parses an access token, fetches the share's core index from the servers,
and recovers every file into the destination directory. Files that fail
are reported; a later run with --session resumes past the files already
verified.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, dest := args[0], args[1]

		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		tok, err := share.Parse(token)
		if err != nil {
			return fmt.Errorf("invalid access token: %w", err)
		}

		cred := access.Credentials{
			UserID:     downloadUser,
			Passphrase: downloadPassphrase,
		}
		if tok.Tier == models.TierPassphrase && cred.Passphrase == "" {
			cred.Passphrase, err = prompt.Passphrase("Share passphrase")
			if err != nil {
				return err
			}
		}

		pool, err := a.newPool()
		if err != nil {
			return err
		}
		defer pool.Close()

		articleCache, err := cache.New(cache.Config{
			Path: a.cfg.Cache.Path,
			TTL:  a.cfg.Cache.TTL,
		}, metrics.NewCacheMetrics())
		if err != nil {
			logger.Warn("article cache unavailable, downloading without it", "error", err)
			articleCache = nil
		} else {
			defer articleCache.Close()
		}

		r := retriever.New(a.store, pool, a.newController(), articleCache,
			retriever.Config{Workers: a.cfg.Workers.Download},
			metrics.NewRetrieverMetrics())
		r.OnProgress(func(p retriever.Progress) {
			fmt.Fprintf(os.Stderr, "\r%s %s/%s",
				p.Path,
				bytesize.ByteSize(p.Bytes).String(),
				bytesize.ByteSize(p.Total).String())
		})

		summary, err := r.Download(ctx, token, dest, retriever.Options{
			SessionID:   downloadSession,
			Credentials: cred,
		})
		fmt.Fprintln(os.Stderr)
		if summary == nil {
			return err
		}

		output.KeyValue(os.Stdout, [][2]string{
			{"Files", fmt.Sprintf("%d", summary.Files)},
			{"Verified", fmt.Sprintf("%d", summary.Verified)},
			{"Resumed", fmt.Sprintf("%d", summary.Resumed)},
			{"Bytes", bytesize.ByteSize(summary.Bytes).String()},
			{"Failures", fmt.Sprintf("%d", len(summary.Failures))},
		})
		for _, f := range summary.Failures {
			PrintErr("  %s: %v", f.Path, f.Err)
		}
		if err != nil {
			if summary.Partial() {
				fmt.Printf("\nPartial download. Retry the rest with:\n  usenetsync download <token> %s --session %s\n",
					dest, summary.SessionID)
			}
			return err
		}
		return nil
	},
}

func init() {
	downloadCmd.Flags().StringVar(&downloadPassphrase, "passphrase", "", "passphrase for tier=passphrase shares (prompted when omitted)")
	downloadCmd.Flags().StringVar(&downloadUser, "user", "", "user identifier for tier=member shares")
	downloadCmd.Flags().StringVar(&downloadSession, "session", "", "resume a previous download session")
}
