package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/mirror/config"
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/installer"
)

// NewServerCmd creates the server command with subcommands
func NewServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage the device server jar",
		Long:  `Download and inspect the server jar that is pushed to devices on connect.`,
	}

	cmd.AddCommand(newServerInstallCmd())
	cmd.AddCommand(newServerInfoCmd())
	return cmd
}

func newServerInstallCmd() *cobra.Command {
	var (
		serverVersion string
		force         bool
	)

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Download the server jar from the scrcpy releases",
		RunE: func(cmd *cobra.Command, args []string) error {
			d := installer.NewDownloader(config.DataDir())
			var (
				path string
				err  error
			)
			if force {
				path, err = d.DownloadServer(cmd.Context(), serverVersion)
			} else {
				path, err = d.EnsureServer(cmd.Context(), serverVersion)
			}
			if err != nil {
				return err
			}
			fmt.Printf("Server %s installed at %s\n", color.GreenString(serverVersion), color.CyanString(path))
			return nil
		},
	}

	cmd.Flags().StringVar(&serverVersion, "version", config.ServerVersion(), "Server release to install")
	cmd.Flags().BoolVar(&force, "force", false, "Download even when the version is already installed")
	return cmd
}

func newServerInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the server jar used on connect",
		RunE: func(cmd *cobra.Command, args []string) error {
			jar := config.ServerJar()
			if jar == "" {
				fmt.Println(color.YellowString("No server jar installed. Run 'mirror server install'."))
				return nil
			}
			fmt.Printf("Jar:     %s\n", color.CyanString(jar))
			fmt.Printf("Version: %s\n", config.ServerVersion())

			info, err := installer.NewDownloader(config.DataDir()).LoadVersionInfo()
			if err == nil {
				fmt.Printf("Release: %s (sha256 %s, downloaded %s)\n", info.TagName, info.SHA256, info.Downloaded)
			}
			return nil
		},
	}
}
