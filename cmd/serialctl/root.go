package main

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kstaniek/go-serialmgr/internal/client"
	"github.com/kstaniek/go-serialmgr/internal/logging"
)

const (
	defaultAddr    = "127.0.0.1:20000"
	defaultTimeout = 10 * time.Second
)

// newRootCmd builds the command tree around its own viper instance, so
// repeated construction (tests) never shares flag state.
func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string
	root := &cobra.Command{
		Use:   "serialctl",
		Short: "Control the serial port shared by a serial-server",
		Long: `serialctl talks to a running serial-server over its control protocol.

Every serialctl invocation shares the server's single connection slot with
all other clients: connect claims it, disconnect releases it, and write/read
move bytes through whatever port currently holds it.

The server address and call timeout come from, in order of precedence,
--addr/--timeout, SERIALCTL_ADDR/SERIALCTL_TIMEOUT and ~/.serialctl.yaml.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(v, cfgFile)
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.serialctl.yaml)")
	root.PersistentFlags().String("addr", defaultAddr, "serial-server control address")
	root.PersistentFlags().Duration("timeout", defaultTimeout, "per-call timeout")
	_ = v.BindPFlag("addr", root.PersistentFlags().Lookup("addr"))
	_ = v.BindPFlag("timeout", root.PersistentFlags().Lookup("timeout"))

	root.AddCommand(
		newListCmd(v),
		newPortsCmd(v),
		newStatusCmd(v),
		newConnectCmd(v),
		newDisconnectCmd(v),
		newWriteCmd(v),
		newReadCmd(v),
		newWatchCmd(v),
	)
	return root
}

func initConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
		v.SetConfigType("yaml")
		v.SetConfigName(".serialctl")
	}
	v.SetEnvPrefix("SERIALCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &nf) {
			return err
		}
	}
	return nil
}

// dial opens a session with the configured server.
func dial(ctx context.Context, v *viper.Viper) (*client.Client, error) {
	return client.Dial(ctx, v.GetString("addr"),
		client.WithTimeout(v.GetDuration("timeout")),
		client.WithLogger(logging.Discard()),
	)
}

// withClient runs fn against a fresh session and closes it afterwards.
func withClient(cmd *cobra.Command, v *viper.Viper, fn func(context.Context, *client.Client) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := dial(ctx, v)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}
