package commands

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/usenetsync/usenetsync/internal/bytesize"
	"github.com/usenetsync/usenetsync/internal/cli/output"
	"github.com/usenetsync/usenetsync/pkg/metrics"
	"github.com/usenetsync/usenetsync/pkg/segmenter"
	"github.com/usenetsync/usenetsync/pkg/uploader"
)

var (
	uploadPriority int
	uploadResume   string
)

var uploadCmd = &cobra.Command{
	Use:   "upload <folder>",
	Short: "Segment a folder and post it to the configured servers",
	Long: `Plans segments for every indexed file that has none yet, enqueues the
copies in the persistent upload queue, and runs the posting workers until
the queue drains. Interrupting the command is safe: a later run resumes
from the queue.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if uploadPriority < 1 || uploadPriority > 10 {
			return fmt.Errorf("priority must be between 1 and 10")
		}

		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		folder, err := a.resolveFolder(ctx, args[0])
		if err != nil {
			return err
		}
		if folder.Version == 0 {
			return fmt.Errorf("folder %q has never been indexed; run \"usenetsync index\" first", folder.Name)
		}

		sg := segmenter.New(a.store, segmenter.Config{
			SegmentSize:   a.cfg.Segmentation.SegmentSize.Int64(),
			PackThreshold: a.cfg.Segmentation.PackThreshold.Int64(),
			Redundancy:    folder.RedundancyLevel,
			Compression:   a.cfg.Segmentation.Compression,
		})
		plan, err := sg.SegmentFolder(ctx, folder.ID)
		if err != nil {
			return err
		}
		fmt.Printf("Planned %d segments (%d articles) across %d files, %d packed into %d containers.\n",
			plan.Segments, plan.Articles, plan.Files+plan.PackedFiles, plan.PackedFiles, plan.Containers)

		pool, err := a.newPool()
		if err != nil {
			return err
		}
		defer pool.Close()

		up := uploader.New(a.store, pool, uploader.Config{
			Workers:               a.cfg.Workers.Upload,
			MaxRetries:            a.cfg.Retry.MaxRetries,
			MaxDeploymentsPerHour: a.cfg.Publishing.MaxDeploymentsPerHour,
		}, metrics.NewUploaderMetrics())

		if err := up.Recover(ctx); err != nil {
			return err
		}

		sessionID := uploadResume
		if sessionID == "" {
			sessionID, err = up.EnqueueFolder(ctx, folder.ID, uploadPriority)
			if err != nil {
				var rle *uploader.RateLimitError
				if errors.As(err, &rle) {
					return fmt.Errorf("%w; resume later with --resume", rle)
				}
				return err
			}
		}

		up.OnProgress(func(p uploader.Progress) {
			fmt.Fprintf(os.Stderr, "\rposted %d  failed %d  %s",
				p.Posted, p.Failed, bytesize.ByteSize(p.Bytes).String())
		})

		runErr := up.Run(ctx, sessionID)
		fmt.Fprintln(os.Stderr)
		if runErr != nil {
			if ctx.Err() != nil {
				fmt.Printf("Upload interrupted. Resume with:\n  usenetsync upload %s --resume %s\n", args[0], sessionID)
				return nil
			}
			return runErr
		}

		counts, err := up.SessionProgress(ctx, sessionID)
		if err != nil {
			return err
		}
		states := make([]string, 0, len(counts))
		for state := range counts {
			states = append(states, state)
		}
		sort.Strings(states)
		table := output.NewTableData("STATE", "JOBS")
		for _, state := range states {
			table.AddRow(state, fmt.Sprintf("%d", counts[state]))
		}
		table.Render(os.Stdout)
		fmt.Printf("\nSession %s finished.\n", sessionID)
		return nil
	},
}

func init() {
	uploadCmd.Flags().IntVar(&uploadPriority, "priority", 5, "queue priority, 1 (highest) to 10 (lowest)")
	uploadCmd.Flags().StringVar(&uploadResume, "resume", "", "resume a previous upload session instead of enqueueing")
}
