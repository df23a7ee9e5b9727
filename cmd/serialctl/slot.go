package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kstaniek/go-serialmgr/internal/client"
	"github.com/kstaniek/go-serialmgr/internal/port"
)

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show which port holds the connection slot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, v, func(ctx context.Context, c *client.Client) error {
				d, ok, err := c.Status(ctx)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "disconnected")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "connected %s\n", d)
				return nil
			})
		},
	}
}

func newConnectCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect <port>",
		Short: "Open a port into the connection slot",
		Long: `Open a port and place it in the server's single connection slot.

<port> is either a device name, optionally with ":baud", or a full JSON
descriptor. Flags override the framing of the short form.

Example usage:
  serialctl connect /dev/ttyUSB0 --baud 115200
  serialctl connect /dev/ttyS1 --parity even --stop-bits 2
  serialctl connect '{"name":"COM3","speed":9600,"data_bits":8,"parity":"none","stop_bits":1,"flow_control":"none"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := descriptorFromArgs(cmd, args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, v, func(ctx context.Context, c *client.Client) error {
				if err := c.Connect(ctx, d); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "connected %s\n", d)
				return nil
			})
		},
	}
	cmd.Flags().IntP("baud", "b", 0, "Baud rate (default: 9600 or the :baud suffix)")
	cmd.Flags().Int("data-bits", 8, "Data bits: 5-8")
	cmd.Flags().String("parity", "none", "Parity: none, odd, even")
	cmd.Flags().Int("stop-bits", 1, "Stop bits: 1 or 2")
	cmd.Flags().StringP("flow-control", "f", "none", "Flow control: none, software, hardware")
	return cmd
}

// descriptorFromArgs parses the port argument and applies explicitly set
// framing flags on top of it.
func descriptorFromArgs(cmd *cobra.Command, arg string) (port.Descriptor, error) {
	d, err := port.ParseAddress(arg)
	if err != nil {
		return port.Descriptor{}, err
	}
	f := cmd.Flags()
	if f.Changed("baud") {
		d.Speed, _ = f.GetInt("baud")
	}
	if f.Changed("data-bits") {
		n, _ := f.GetInt("data-bits")
		d.DataBits = port.DataBits(n)
	}
	if f.Changed("parity") {
		s, _ := f.GetString("parity")
		if d.Parity, err = port.ParseParity(s); err != nil {
			return port.Descriptor{}, err
		}
	}
	if f.Changed("stop-bits") {
		n, _ := f.GetInt("stop-bits")
		d.StopBits = port.StopBits(n)
	}
	if f.Changed("flow-control") {
		s, _ := f.GetString("flow-control")
		if d.FlowControl, err = port.ParseFlowControl(s); err != nil {
			return port.Descriptor{}, err
		}
	}
	return d, d.Validate()
}

func newDisconnectCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Close the port in the connection slot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, v, func(ctx context.Context, c *client.Client) error {
				if err := c.Disconnect(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "disconnected")
				return nil
			})
		},
	}
}
