package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/usenetsync/usenetsync/internal/cli/output"
	"github.com/usenetsync/usenetsync/internal/cli/prompt"
	"github.com/usenetsync/usenetsync/pkg/store/models"
)

var shareCmd = &cobra.Command{
	Use:   "share",
	Short: "Manage published shares",
}

var shareRevokeForce bool

var shareListCmd = &cobra.Command{
	Use:   "list [folder]",
	Short: "List published shares",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		var folders []*models.Folder
		if len(args) == 1 {
			folder, err := a.resolveFolder(ctx, args[0])
			if err != nil {
				return err
			}
			folders = append(folders, folder)
		} else {
			folders, err = a.store.ListFolders(ctx)
			if err != nil {
				return err
			}
		}

		table := output.NewTableData("SHARE", "FOLDER", "TIER", "VERSION", "CREATED", "EXPIRES", "STATUS")
		rows := 0
		for _, folder := range folders {
			shares, err := a.store.ListShares(ctx, folder.ID)
			if err != nil {
				return err
			}
			for _, sh := range shares {
				status := "active"
				if sh.Revoked {
					status = "revoked"
				}
				expires := "never"
				if sh.ExpiresAt != nil {
					expires = sh.ExpiresAt.Format("2006-01-02")
				}
				table.AddRow(
					sh.ID,
					folder.Name,
					sh.Tier,
					fmt.Sprintf("%d", sh.FolderVersion),
					sh.CreatedAt.Format("2006-01-02"),
					expires,
					status,
				)
				rows++
			}
		}
		if rows == 0 {
			fmt.Println("No shares published.")
			return nil
		}
		table.Render(os.Stdout)
		return nil
	},
}

var shareRevokeCmd = &cobra.Command{
	Use:   "revoke <share>",
	Short: "Revoke a share",
	Long: `Marks the share revoked so every future access attempt is denied,
regardless of tier. Articles already posted stay on the servers, but the
share stops resolving and new tokens cannot be honored.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.Close()

		ok, err := prompt.ConfirmWithForce(
			fmt.Sprintf("Revoke share %s for everyone", args[0]),
			shareRevokeForce,
		)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Aborted.")
			return nil
		}

		if err := a.newController().RevokeShare(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Share %s revoked.\n", args[0])
		return nil
	},
}

func init() {
	shareRevokeCmd.Flags().BoolVar(&shareRevokeForce, "force", false, "skip the confirmation prompt")
	shareCmd.AddCommand(shareListCmd)
	shareCmd.AddCommand(shareRevokeCmd)
}
