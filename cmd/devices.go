package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/device"
)

type DevicesOptions struct {
	OutputFormat string
}

func NewDevicesCommand() *cobra.Command {
	opts := &DevicesOptions{}

	cmd := &cobra.Command{
		Use:     "devices [flags]",
		Aliases: []string{"ls"},
		Short:   "List Android devices known to adb",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteDevices(cmd.Context(), opts)
		},
		Example: `  # List devices as a table:
  mirror devices

  # List devices as JSON:
  mirror devices --format json`,
	}

	cmd.Flags().StringVarP(&opts.OutputFormat, "format", "", "text", "Specify output format. Options are \"text\" (default) or \"json\".")
	cmd.RegisterFlagCompletionFunc("format", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"text", "json"}, cobra.ShellCompDirectiveNoFileComp
	})
	return cmd
}

func ExecuteDevices(ctx context.Context, opts *DevicesOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	devices, err := device.ListDevices(ctx, adbPath())
	if err != nil {
		return fmt.Errorf("failed to list devices: %v", err)
	}

	if opts.OutputFormat == "json" {
		data, err := json.MarshalIndent(devices, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal devices to JSON: %v", err)
		}
		fmt.Println(string(data))
		return nil
	}
	printDevices(devices)
	return nil
}

func printDevices(devices []device.DeviceInfo) {
	if len(devices) == 0 {
		fmt.Println("No Android devices found.")
		return
	}

	serialWidth := len("SERIAL")
	modelWidth := len("MODEL")
	for _, d := range devices {
		serialWidth = max(serialWidth, len(d.Serial))
		modelWidth = max(modelWidth, len(d.Model))
	}
	serialWidth += 2
	modelWidth += 2

	fmt.Printf("%-*s %-*s %-6s %s\n", serialWidth, "SERIAL", modelWidth, "MODEL", "TYPE", "STATE")
	for _, d := range devices {
		state := color.New(color.Faint).Sprint(d.State)
		if d.Online() {
			state = color.New(color.FgGreen).Sprint(d.State)
		}
		// pad before coloring so escape codes do not skew the columns
		fmt.Printf("%s %-*s %-6s %s\n",
			color.New(color.FgCyan).Sprintf("%-*s", serialWidth, d.Serial),
			modelWidth, d.Model,
			d.ConnectionType,
			state)
	}
}
