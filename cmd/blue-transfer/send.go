package main

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/user/blue-transfer/logger"
	"github.com/user/blue-transfer/sender"
	"github.com/user/blue-transfer/util"
	"github.com/user/blue-transfer/wire"
)

func newSendCmd(v *viper.Viper) *cobra.Command {
	var (
		message string
		file    string
		repeat  time.Duration
		wait    int
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Advertise and deliver a message to every subscriber",
		Long: `send advertises the transfer service and delivers the message to every
receiver that subscribes. Receivers that subscribe later get the latest
message. Messages written back by receivers are printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(message, file)
			if err != nil {
				return err
			}

			s, err := startSession(v)
			if err != nil {
				return err
			}
			defer s.close()

			deliveries := newCounter(wait)
			p := wire.NewPeripheral(s.wire)
			snd := sender.New(p, sender.Config{
				LocalID:        s.id,
				ServiceID:      s.cfg.ServiceID,
				ChannelID:      s.cfg.ChannelID,
				Policy:         s.cfg.Submit(),
				MaxMessageSize: s.cfg.MaxMessageSize,
				Metrics:        s.metrics,
			}, sender.Handler{
				OnMessage: func(endpoint string, payload []byte) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", util.ShortID(endpoint), payload)
				},
				OnSubscriber: func(endpoint string, subscribed bool) {
					if subscribed {
						logger.Info(prefix, "➕ %s subscribed", util.ShortID(endpoint))
					} else {
						logger.Info(prefix, "➖ %s left", util.ShortID(endpoint))
					}
				},
				OnSent: func(_ []byte, targets []string) {
					deliveries.add(len(targets))
				},
				OnError: func(err error) {
					logger.Error(prefix, "%v", err)
				},
			})

			snd.Start()
			defer snd.Stop()
			snd.Send(payload)

			var tick <-chan time.Time
			if repeat > 0 {
				ticker := time.NewTicker(repeat)
				defer ticker.Stop()
				tick = ticker.C
			}

			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case <-deliveries.done:
					logger.Info(prefix, "Delivered to %d receivers", deliveries.value())
					return nil
				case <-tick:
					snd.Send(payload)
				}
			}
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "message text")
	cmd.Flags().StringVarP(&file, "file", "f", "", "send the contents of this file")
	cmd.Flags().DurationVar(&repeat, "repeat", 0, "resubmit the message at this interval")
	cmd.Flags().IntVar(&wait, "wait", 0, "exit after this many deliveries (0 = run until interrupted)")
	cmd.MarkFlagsMutuallyExclusive("message", "file")

	return cmd
}

func readPayload(message, file string) ([]byte, error) {
	switch {
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read message file: %w", err)
		}
		return data, nil
	case message != "":
		return []byte(message), nil
	default:
		return nil, errors.New("one of --message or --file is required")
	}
}

// counter closes done once the total reaches target. A target of 0 never
// closes it.
type counter struct {
	mu     sync.Mutex
	n      int
	target int
	done   chan struct{}
}

func newCounter(target int) *counter {
	return &counter{target: target, done: make(chan struct{})}
}

func (c *counter) add(delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reached := c.target > 0 && c.n >= c.target
	c.n += delta
	if !reached && c.target > 0 && c.n >= c.target {
		close(c.done)
	}
}

func (c *counter) value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
