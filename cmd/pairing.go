package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Approve or revoke channel pairing requests",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List pending pairing codes",
			RunE: func(*cobra.Command, []string) error {
				rt, err := buildRuntime()
				if err != nil {
					return err
				}
				defer rt.close()
				pending, err := rt.pairing.Pending()
				if err != nil {
					return err
				}
				if len(pending) == 0 {
					fmt.Println("no pending requests")
					return nil
				}
				for _, p := range pending {
					fmt.Printf("%-10s %s:%s  requested %s\n",
						p.Code, p.Channel, p.Sender, time.UnixMilli(p.CreatedAt).Format("15:04:05"))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "approve <code>",
			Short: "Approve a pairing code",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				rt, err := buildRuntime()
				if err != nil {
					return err
				}
				defer rt.close()
				req, err := rt.pairing.Approve(args[0])
				if err != nil {
					return err
				}
				fmt.Printf("approved %s:%s\n", req.Channel, req.Sender)
				return nil
			},
		},
		&cobra.Command{
			Use:   "revoke <channel> <sender>",
			Short: "Revoke a verified sender",
			Args:  cobra.ExactArgs(2),
			RunE: func(_ *cobra.Command, args []string) error {
				rt, err := buildRuntime()
				if err != nil {
					return err
				}
				defer rt.close()
				return rt.pairing.Revoke(args[0], args[1])
			},
		},
	)
	return cmd
}
