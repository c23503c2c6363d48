package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/user/blue-transfer/inbox"
	"github.com/user/blue-transfer/util"
)

func newInboxCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Inspect archived messages",
	}
	cmd.AddCommand(newInboxListCmd(v))
	return cmd
}

func newInboxListCmd(v *viper.Viper) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived messages, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(v)
			if err != nil {
				return err
			}
			if cfg.DeviceID == "" && cfg.InboxDir == "" {
				return errors.New("inbox list needs --device-id or inbox_dir")
			}

			store, err := inbox.Open(inboxDir(cfg, deviceID(cfg)))
			if err != nil {
				return err
			}
			defer store.Close()

			messages, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RECEIVED\tFROM\tBYTES\tMESSAGE")
			for _, m := range messages {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n",
					m.ReceivedAt.Format(time.RFC3339), util.ShortID(m.Peer), len(m.Payload), preview(m.Payload))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "show at most this many of the newest messages (0 = all)")
	return cmd
}

func preview(payload []byte) string {
	const width = 40
	s := []rune(string(payload))
	if len(s) > width {
		return string(s[:width]) + "…"
	}
	return string(s)
}
