package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kstaniek/go-serialmgr/internal/client"
	"github.com/kstaniek/go-serialmgr/internal/serial"
)

func newListCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the ports the server can open",
		Long: `List every port the server's driver enumerates, with the default
descriptor (9600 8N1, no flow control) it would be opened with.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, v, func(ctx context.Context, c *client.Client) error {
				ports, err := c.List(ctx)
				if err != nil {
					return err
				}
				if len(ports) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No serial ports found")
					return nil
				}
				for _, d := range ports {
					fmt.Fprintln(cmd.OutOrStdout(), d.String())
				}
				return nil
			})
		},
	}
}

func newPortsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "Show enumeration details for each port",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			table, _ := cmd.Flags().GetBool("table")
			return withClient(cmd, v, func(ctx context.Context, c *client.Client) error {
				infos, err := c.Ports(ctx)
				if err != nil {
					return err
				}
				if len(infos) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No serial ports found")
					return nil
				}
				if table {
					renderTable(cmd, infos)
					return nil
				}
				for _, p := range infos {
					fmt.Fprintln(cmd.OutOrStdout(), p.Name)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolP("table", "t", false, "Render a styled table with USB details")
	return cmd
}

// renderTable renders port details in a styled static table.
func renderTable(cmd *cobra.Command, infos []serial.PortInfo) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Found %d serial port(s):\n\n", len(infos))

	nameWidth, descWidth, idWidth := 20, 30, 10

	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("99")).
		Border(lipgloss.NormalBorder(), false, false, true, false).
		BorderForeground(lipgloss.Color("240"))
	cellStyle := lipgloss.NewStyle().PaddingRight(2)

	header := fmt.Sprintf("%-*s %-*s %-*s %s", nameWidth, "Port", descWidth, "Description", idWidth, "VID:PID", "Serial")
	fmt.Fprintln(out, headerStyle.Render(header))
	for _, p := range infos {
		id := "-"
		if p.USB {
			id = p.VID + ":" + p.PID
		}
		row := fmt.Sprintf("%-*s %-*s %-*s %s", nameWidth, p.Name, descWidth, p.Description, idWidth, id, p.SerialNumber)
		fmt.Fprintln(out, cellStyle.Render(row))
	}
}
