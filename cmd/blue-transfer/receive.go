package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/user/blue-transfer/connection"
	"github.com/user/blue-transfer/inbox"
	"github.com/user/blue-transfer/logger"
	"github.com/user/blue-transfer/receiver"
	"github.com/user/blue-transfer/util"
	"github.com/user/blue-transfer/wire"
)

func newReceiveCmd(v *viper.Viper) *cobra.Command {
	var (
		reply   string
		count   int
		archive bool
	)

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Connect to a sender and print every message",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := startSession(v)
			if err != nil {
				return err
			}
			defer s.close()

			var store *inbox.Store
			if archive {
				store, err = inbox.Open(inboxDir(s.cfg, s.id))
				if err != nil {
					return err
				}
				defer store.Close()
			}

			ctx := cmd.Context()
			received := newCounter(count)
			failed := make(chan error, 1)

			c := wire.NewCentral(s.wire)
			var rcv *receiver.Receiver
			rcv = receiver.New(c, receiver.Config{
				LocalID:        s.id,
				ServiceID:      s.cfg.ServiceID,
				ChannelID:      s.cfg.ChannelID,
				RSSIFloor:      s.cfg.RSSIFloor,
				MaxAttempts:    s.cfg.MaxAttempts,
				ConnectPolicy:  s.cfg.Connect(),
				SubmitPolicy:   s.cfg.Submit(),
				MaxMessageSize: s.cfg.MaxMessageSize,
				Metrics:        s.metrics,
			}, receiver.Handler{
				OnMessage: func(peer string, payload []byte) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", util.ShortID(peer), payload)
					if store != nil {
						archiveMessage(ctx, store, peer, payload)
					}
					received.add(1)
				},
				OnStateChange: func(from, to connection.State) {
					logger.Debug(prefix, "%s → %s", from, to)
				},
				OnReady: func(peer string) {
					if reply != "" {
						rcv.Send([]byte(reply))
					}
				},
				OnError: func(err error) {
					select {
					case failed <- err:
					default:
					}
				},
			})

			rcv.Start()
			defer rcv.Stop()

			select {
			case <-ctx.Done():
				return nil
			case <-received.done:
				return nil
			case err := <-failed:
				return err
			}
		},
	}

	cmd.Flags().StringVar(&reply, "reply", "", "write this message back to the sender once subscribed")
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many messages (0 = run until interrupted)")
	cmd.Flags().BoolVar(&archive, "archive", false, "store received messages in the inbox")

	return cmd
}

func archiveMessage(ctx context.Context, store *inbox.Store, peer string, payload []byte) {
	m, err := store.Put(ctx, inbox.Message{Peer: peer, Payload: payload})
	if err != nil {
		logger.Error(prefix, "Failed to archive message: %v", err)
		return
	}
	logger.Debug(prefix, "🗄️  Archived %s", m.ID)
}
