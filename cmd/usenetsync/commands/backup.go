package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/usenetsync/usenetsync/internal/cli/prompt"
	"github.com/usenetsync/usenetsync/pkg/config"
	"github.com/usenetsync/usenetsync/pkg/store"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up application data",
}

var backupDBCmd = &cobra.Command{
	Use:   "db <destination>",
	Short: "Back up the database to a file",
	Long: `Writes a consistent snapshot of the database to the destination path.
Safe to run while other commands are using the database.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.Backup(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Database backed up to %s\n", args[0])
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore application data",
}

var restoreForce bool

var restoreDBCmd = &cobra.Command{
	Use:   "db <source>",
	Short: "Restore the database from a backup file",
	Long: `Replaces the configured database with the backup. The current contents
are lost. No other usenetsync command may be running.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Restore must not open the live database, so it loads only the
		// configuration and works on the files directly.
		cfg, err := config.MustLoad(cfgFile)
		if err != nil {
			return err
		}

		ok, err := prompt.ConfirmWithForce(
			"Replace the current database with the backup",
			restoreForce,
		)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Aborted.")
			return nil
		}

		if err := store.Restore(cmd.Context(), &cfg.Database, args[0]); err != nil {
			return err
		}
		fmt.Println("Database restored.")
		return nil
	},
}

func init() {
	restoreDBCmd.Flags().BoolVar(&restoreForce, "force", false, "skip the confirmation prompt")
	backupCmd.AddCommand(backupDBCmd)
	restoreCmd.AddCommand(restoreDBCmd)
}
