package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/usenetsync/usenetsync/internal/cli/output"
	"github.com/usenetsync/usenetsync/internal/cli/prompt"
	"github.com/usenetsync/usenetsync/pkg/access"
	"github.com/usenetsync/usenetsync/pkg/store/models"
)

var (
	publishTier       string
	publishPassphrase string
	publishMembers    []string
	publishExpiryDays int
	publishOwner      string
)

var publishCmd = &cobra.Command{
	Use:   "publish <folder>",
	Short: "Publish an uploaded folder as a share",
	Long: `Creates a share of the folder's current version, posts the sealed core
index to the target newsgroup, and prints the access token. Requires
every segment of the version to have at least one uploaded copy.

Tiers:
  open        anyone holding the token can retrieve (key rides in the token)
  member      only enrolled user identifiers can retrieve
  passphrase  retrieval requires a passphrase`,
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

		opts := access.ShareOptions{
			Tier:       publishTier,
			OwnerID:    publishOwner,
			ExpiryDays: publishExpiryDays,
		}
		switch publishTier {
		case models.TierPassphrase:
			opts.Passphrase = publishPassphrase
			if opts.Passphrase == "" {
				opts.Passphrase, err = prompt.PassphraseWithConfirmation("Share passphrase", 8)
				if err != nil {
					return err
				}
			}
		case models.TierMember:
			if len(publishMembers) == 0 {
				return fmt.Errorf("member shares need at least one --member")
			}
			for _, m := range publishMembers {
				opts.Members = append(opts.Members, access.Member{UserID: m})
			}
		case models.TierOpen:
		default:
			return fmt.Errorf("unknown tier %q (open, member, or passphrase)", publishTier)
		}

		pool, err := a.newPool()
		if err != nil {
			return err
		}
		defer pool.Close()

		pub := access.NewPublisher(a.store, pool, a.newController(),
			int(a.cfg.Segmentation.SegmentSize.Int64()))

		sh, token, err := pub.Publish(ctx, folder.ID, opts)
		if err != nil {
			return err
		}

		pairs := [][2]string{
			{"Share ID", sh.ID},
			{"Tier", sh.Tier},
			{"Folder version", fmt.Sprintf("%d", sh.FolderVersion)},
		}
		if sh.ExpiresAt != nil {
			pairs = append(pairs, [2]string{"Expires", sh.ExpiresAt.Format("2006-01-02")})
		} else {
			pairs = append(pairs, [2]string{"Expires", "never"})
		}
		output.KeyValue(os.Stdout, pairs)
		fmt.Printf("\nAccess token:\n%s\n", token)
		if sh.Tier == models.TierOpen {
			fmt.Println("\nThe token embeds the decryption key; anyone holding it can retrieve the share.")
		}
		return nil
	},
}

func init() {
	publishCmd.Flags().StringVar(&publishTier, "tier", models.TierOpen, "access tier: open, member, or passphrase")
	publishCmd.Flags().StringVar(&publishPassphrase, "passphrase", "", "passphrase for tier=passphrase (prompted when omitted)")
	publishCmd.Flags().StringArrayVar(&publishMembers, "member", nil, "user identifier to enroll (repeatable, tier=member)")
	publishCmd.Flags().IntVar(&publishExpiryDays, "expiry-days", 0, "share lifetime in days; 0 uses the configured default, negative never expires")
	publishCmd.Flags().StringVar(&publishOwner, "owner", "owner", "owner user identifier recorded on the share")
}
