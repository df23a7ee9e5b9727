package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kstaniek/go-serialmgr/internal/client"
)

func newWriteCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "write [data]",
		Short: "Write bytes to the connected port",
		Long: `Write bytes to the port in the connection slot.

Data comes from the argument, or from stdin when no argument is given.

Example usage:
  serialctl write "AT+GMR" --newline
  serialctl write 48656c6c6f --hex
  echo "test" | serialctl write --retries 3`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hexMode, _ := cmd.Flags().GetBool("hex")
			newline, _ := cmd.Flags().GetBool("newline")
			retries, _ := cmd.Flags().GetInt("retries")

			var raw string
			if len(args) == 1 {
				raw = args[0]
			} else {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				raw = strings.TrimRight(string(b), "\r\n")
			}
			data, err := payload(raw, hexMode, newline)
			if err != nil {
				return err
			}
			return withClient(cmd, v, func(ctx context.Context, c *client.Client) error {
				n, err := writeAll(ctx, c, data, retries)
				if err != nil {
					return fmt.Errorf("wrote %d of %d bytes: %w", n, len(data), err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolP("hex", "x", false, "Interpret data as hexadecimal (e.g., '48656c6c6f' for 'Hello')")
	cmd.Flags().BoolP("newline", "n", false, "Append \\r\\n to the data")
	cmd.Flags().IntP("retries", "r", 0, "Retry a failed write this many times")
	return cmd
}

type slotWriter interface {
	Write(ctx context.Context, data []byte, maxRetries int) (int, error)
}

// errStalled is returned when the device accepts nothing without failing.
var errStalled = errors.New("device accepted no bytes")

// writeAll resubmits the unsent tail until data is fully written. The server
// reports short writes without resending the remainder.
func writeAll(ctx context.Context, w slotWriter, data []byte, retries int) (int, error) {
	sent := 0
	for sent < len(data) {
		n, err := w.Write(ctx, data[sent:], retries)
		sent += n
		if err != nil {
			return sent, err
		}
		if n == 0 {
			return sent, errStalled
		}
	}
	return sent, nil
}

func payload(raw string, hexMode, newline bool) ([]byte, error) {
	var data []byte
	if hexMode {
		b, err := hex.DecodeString(strings.ReplaceAll(raw, " ", ""))
		if err != nil {
			return nil, fmt.Errorf("invalid hex data: %w", err)
		}
		data = b
	} else {
		data = []byte(raw)
	}
	if newline {
		data = append(data, '\r', '\n')
	}
	return data, nil
}

func newReadCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read bytes from the connected port",
		Long: `Wait up to --wait for bytes from the port in the connection slot and
print what arrived. Exits with an error if nothing arrived in time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			size, _ := cmd.Flags().GetInt("size")
			wait, _ := cmd.Flags().GetDuration("wait")
			hexMode, _ := cmd.Flags().GetBool("hex")
			return withClient(cmd, v, func(ctx context.Context, c *client.Client) error {
				data, err := c.Read(ctx, size, wait)
				if err != nil {
					return err
				}
				if hexMode {
					fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(data))
					return nil
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			})
		},
	}
	cmd.Flags().IntP("size", "s", 4096, "Maximum bytes to read")
	cmd.Flags().DurationP("wait", "w", time.Second, "How long to wait for data")
	cmd.Flags().BoolP("hex", "x", false, "Print data as hexadecimal")
	return cmd
}

func newWatchCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print connection slot events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, v, func(ctx context.Context, c *client.Client) error {
				for {
					select {
					case ev, ok := <-c.Events():
						if !ok {
							return nil
						}
						fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", ev.At.Format(time.RFC3339), ev.Kind, ev.Port)
					case <-ctx.Done():
						return nil
					}
				}
			})
		},
	}
}
