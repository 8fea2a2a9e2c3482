package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/usenetsync/usenetsync/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a sample configuration file",
	Long: `Writes a commented sample configuration to the default location
($XDG_CONFIG_HOME/usenetsync/config.yaml), or to the path given with
--config. Edit the server credentials before running other commands.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			if err := config.InitConfigToPath(cfgFile, initForce); err != nil {
				return err
			}
			fmt.Printf("Configuration written to %s\n", cfgFile)
			return nil
		}

		path, err := config.InitConfig(initForce)
		if err != nil {
			return err
		}
		fmt.Printf("Configuration written to %s\n", path)
		fmt.Println("Edit the servers section with your provider credentials before uploading.")
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing configuration file")
}
