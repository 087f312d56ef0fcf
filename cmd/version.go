package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/mirror/internal/version"
)

type VersionOptions struct {
	OutputFormat string
}

func NewVersionCommand() *cobra.Command {
	opts := &VersionOptions{}

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteVersion(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.OutputFormat, "format", "", "text", "Output format: text or json")
	cmd.RegisterFlagCompletionFunc("format", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"text", "json"}, cobra.ShellCompDirectiveNoFileComp
	})
	return cmd
}

func ExecuteVersion(opts *VersionOptions) error {
	info := version.ClientInfo()
	if opts.OutputFormat == "json" {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal version info: %v", err)
		}
		fmt.Println(string(data))
		return nil
	}

	label := color.New(color.Bold)
	fmt.Printf("%s %s\n", label.Sprint("Version:   "), info["Version"])
	fmt.Printf("%s %s\n", label.Sprint("Git commit:"), info["GitCommit"])
	fmt.Printf("%s %s\n", label.Sprint("Built:     "), info["FormattedTime"])
	fmt.Printf("%s %s\n", label.Sprint("Go version:"), info["GoVersion"])
	fmt.Printf("%s %s/%s\n", label.Sprint("OS/Arch:   "), info["OS"], info["Arch"])
	return nil
}
