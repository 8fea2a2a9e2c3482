package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/usenetsync/usenetsync/internal/bytesize"
	"github.com/usenetsync/usenetsync/internal/cli/output"
	"github.com/usenetsync/usenetsync/pkg/indexer"
	"github.com/usenetsync/usenetsync/pkg/metrics"
)

var indexCmd = &cobra.Command{
	Use:   "index <folder>",
	Short: "Scan a folder and record what changed",
	Long: `Walks the folder tree, hashes every file, and diffs the result against
the last recorded snapshot. A pass that finds changes bumps the folder
version; a quiet pass writes nothing.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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

		ix := indexer.New(a.store, indexer.Config{
			Workers: a.cfg.Workers.Indexing,
		}, metrics.NewIndexerMetrics())
		ix.OnProgress(func(p indexer.Progress) {
			fmt.Fprintf(os.Stderr, "\r%s %d/%d", p.Phase, p.Current, p.Total)
		})

		res, err := ix.Index(ctx, folder.ID)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return err
		}

		if !res.Changed() {
			fmt.Printf("No changes; folder stays at version %d.\n", res.Version)
			return nil
		}

		output.KeyValue(os.Stdout, [][2]string{
			{"Folder", folder.Name},
			{"Version", fmt.Sprintf("%d", res.Version)},
			{"Added", fmt.Sprintf("%d", res.Added)},
			{"Modified", fmt.Sprintf("%d", res.Modified)},
			{"Deleted", fmt.Sprintf("%d", res.Deleted)},
			{"Unchanged", fmt.Sprintf("%d", res.Unchanged)},
			{"Files", fmt.Sprintf("%d", res.FileCount)},
			{"Total size", bytesize.ByteSize(res.TotalBytes).String()},
		})
		return nil
	},
}
