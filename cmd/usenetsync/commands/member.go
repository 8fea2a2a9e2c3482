package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var memberCmd = &cobra.Command{
	Use:   "member",
	Short: "Manage members of member-tier shares",
}

var memberAddPublicKey string

var memberAddCmd = &cobra.Command{
	Use:   "add <share> <user>",
	Short: "Grant a user access to a member share",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.newController().AddMember(cmd.Context(), args[0], args[1], memberAddPublicKey); err != nil {
			return err
		}
		fmt.Printf("User %s granted access to share %s.\n", args[1], args[0])
		return nil
	},
}

var memberRemoveCmd = &cobra.Command{
	Use:   "remove <share> <user>",
	Short: "Revoke a user's access to a member share",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.newController().RemoveMember(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("User %s removed from share %s.\n", args[1], args[0])
		return nil
	},
}

func init() {
	memberAddCmd.Flags().StringVar(&memberAddPublicKey, "public-key", "", "base64 user public key bound into the commitment")
	memberCmd.AddCommand(memberAddCmd)
	memberCmd.AddCommand(memberRemoveCmd)
}
