package commands

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/usenetsync/usenetsync/internal/bytesize"
	"github.com/usenetsync/usenetsync/internal/cli/output"
	"github.com/usenetsync/usenetsync/internal/cli/prompt"
	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/store/models"
)

var folderCmd = &cobra.Command{
	Use:   "folder",
	Short: "Manage tracked folders",
}

var (
	folderAddName       string
	folderAddGroup      string
	folderAddRedundancy int
	folderRemoveForce   bool
)

var folderAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Start tracking a local folder",
	Long: `Registers a directory for indexing and upload. A signing key pair and
a content-encryption key are generated once and bound to the folder for
its whole life.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.Close()

		path, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", path)
		}

		signer, err := crypto.NewSigner()
		if err != nil {
			return err
		}
		contentKey, err := crypto.NewKey()
		if err != nil {
			return err
		}

		name := folderAddName
		if name == "" {
			name = filepath.Base(path)
		}
		group := folderAddGroup
		if group == "" {
			group = a.cfg.TargetGroup
		}
		redundancy := folderAddRedundancy
		if redundancy == 0 {
			redundancy = a.cfg.Segmentation.RedundancyLevel
		}

		folder := &models.Folder{
			Path:            path,
			Name:            name,
			SigningKeySeed:  signer.EncodedSeed(),
			PublicKey:       base64.StdEncoding.EncodeToString(signer.PublicKey()),
			ContentKey:      base64.StdEncoding.EncodeToString(contentKey),
			Encrypted:       true,
			RedundancyLevel: redundancy,
			TargetGroup:     group,
		}
		id, err := a.store.CreateFolder(cmd.Context(), folder)
		if err != nil {
			return err
		}

		output.KeyValue(os.Stdout, [][2]string{
			{"Folder ID", id},
			{"Path", path},
			{"Name", name},
			{"Group", group},
			{"Redundancy", fmt.Sprintf("%d", redundancy)},
		})
		fmt.Println("\nRun \"usenetsync index\" to take the first snapshot.")
		return nil
	},
}

var folderListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked folders",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.Close()

		folders, err := a.store.ListFolders(cmd.Context())
		if err != nil {
			return err
		}
		if len(folders) == 0 {
			fmt.Println("No folders tracked. Add one with \"usenetsync folder add <path>\".")
			return nil
		}

		table := output.NewTableData("ID", "NAME", "PATH", "VERSION", "FILES", "SIZE", "GROUP")
		for _, f := range folders {
			table.AddRow(
				f.ID,
				f.Name,
				f.Path,
				fmt.Sprintf("%d", f.Version),
				fmt.Sprintf("%d", f.FileCount),
				bytesize.ByteSize(f.TotalSize).String(),
				f.TargetGroup,
			)
		}
		table.Render(os.Stdout)
		return nil
	},
}

var folderRemoveCmd = &cobra.Command{
	Use:   "remove <folder>",
	Short: "Stop tracking a folder",
	Long: `Removes a folder and all its index, segment, and share records from the
local database. Articles already posted stay on the servers until they
expire; published shares stop resolving locally.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.Close()

		folder, err := a.resolveFolder(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		ok, err := prompt.ConfirmWithForce(
			fmt.Sprintf("Remove folder %q and all its local records", folder.Name),
			folderRemoveForce,
		)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Aborted.")
			return nil
		}

		if err := a.store.DeleteFolder(cmd.Context(), folder.ID); err != nil {
			return err
		}
		fmt.Printf("Folder %s removed.\n", folder.ID)
		return nil
	},
}

func init() {
	folderAddCmd.Flags().StringVar(&folderAddName, "name", "", "display name (default: directory basename)")
	folderAddCmd.Flags().StringVar(&folderAddGroup, "group", "", "target newsgroup (default: configured target_group)")
	folderAddCmd.Flags().IntVar(&folderAddRedundancy, "redundancy", 0, "copies per segment (default: configured redundancy_level)")
	folderRemoveCmd.Flags().BoolVar(&folderRemoveForce, "force", false, "skip the confirmation prompt")

	folderCmd.AddCommand(folderAddCmd)
	folderCmd.AddCommand(folderListCmd)
	folderCmd.AddCommand(folderRemoveCmd)
}
