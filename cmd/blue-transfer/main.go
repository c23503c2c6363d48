// Command blue-transfer moves messages between two devices over the
// simulated BLE wire. One side runs `send` (peripheral), the other
// `receive` (central).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return newRootCmd(viper.New()).ExecuteContext(ctx)
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "blue-transfer",
		Short: "Chunked message transfer over a simulated BLE link",
		Long: `blue-transfer sends messages larger than the link MTU by splitting them
into fragments followed by an "EOM" marker.

Run "blue-transfer send" on one device and "blue-transfer receive" on another.
Both sides rendezvous through the data directory (BLUE_TRANSFER_DIR).`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "path to a TOML config file")
	flags.String("data-dir", "", "directory holding sockets and advertising records")
	flags.String("device-id", "", "device UUID (generated when empty)")
	flags.String("name", "", "advertised device name")
	flags.String("log-level", "", "trace, debug, info, warn or error")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	flags.Bool("wire-debug", false, "log every frame under the device directory")

	_ = v.BindPFlag("config", flags.Lookup("config"))
	_ = v.BindPFlag("data_dir", flags.Lookup("data-dir"))
	_ = v.BindPFlag("device_id", flags.Lookup("device-id"))
	_ = v.BindPFlag("name", flags.Lookup("name"))
	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = v.BindPFlag("metrics_addr", flags.Lookup("metrics-addr"))
	_ = v.BindPFlag("wire_debug", flags.Lookup("wire-debug"))

	v.SetEnvPrefix("BLUE_TRANSFER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	rootCmd.AddCommand(newSendCmd(v))
	rootCmd.AddCommand(newReceiveCmd(v))
	rootCmd.AddCommand(newInboxCmd(v))

	return rootCmd
}
