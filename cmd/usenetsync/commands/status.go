package commands

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/usenetsync/usenetsync/internal/bytesize"
	"github.com/usenetsync/usenetsync/internal/cli/output"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show folders, queue depth, and posted-article totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		folders, err := a.store.ListFolders(ctx)
		if err != nil {
			return err
		}
		if len(folders) == 0 {
			fmt.Println("No folders tracked.")
		} else {
			table := output.NewTableData("FOLDER", "VERSION", "FILES", "SIZE")
			for _, f := range folders {
				table.AddRow(
					f.Name,
					fmt.Sprintf("%d", f.Version),
					fmt.Sprintf("%d", f.FileCount),
					bytesize.ByteSize(f.TotalSize).String(),
				)
			}
			table.Render(os.Stdout)
		}

		counts, err := a.store.JobStateCounts(ctx, "")
		if err != nil {
			return err
		}
		total := int64(0)
		states := make([]string, 0, len(counts))
		for state, n := range counts {
			states = append(states, state)
			total += n
		}
		sort.Strings(states)

		fmt.Println()
		if total == 0 {
			fmt.Println("Upload queue is empty.")
		} else {
			table := output.NewTableData("QUEUE STATE", "JOBS")
			for _, state := range states {
				table.AddRow(state, fmt.Sprintf("%d", counts[state]))
			}
			table.Render(os.Stdout)
		}

		articles, err := a.store.CountArticles(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("\nPosted articles recorded: %d\n", articles)

		fmt.Println()
		servers := output.NewTableData("SERVER", "SSL", "CONNECTIONS", "PRIORITY")
		for _, srv := range a.cfg.Servers {
			ssl := "no"
			if srv.SSL {
				ssl = "yes"
			}
			servers.AddRow(
				srv.Name(),
				ssl,
				fmt.Sprintf("%d", srv.MaxConnections),
				fmt.Sprintf("%d", srv.Priority),
			)
		}
		servers.Render(os.Stdout)
		return nil
	},
}
