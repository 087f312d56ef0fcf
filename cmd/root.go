package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/mirror/internal/util"
	"github.com/babelcloud/gbox/packages/mirror/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Mirror and control an Android device",
	Long: `mirror connects to an Android device over adb, starts the mirroring server on it and
exchanges the video, audio and control streams with it.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		util.InitLogger(verbose || util.IsVerbose())
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flag("version").Changed {
			info := version.ClientInfo()
			fmt.Printf("mirror version %s, build %s\n", info["Version"], info["GitCommit"])
			return nil
		}
		return cmd.Help()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")
	rootCmd.PersistentFlags().BoolP("verbose", "V", false, "Enable debug logging")

	rootCmd.AddCommand(NewConnectCommand())
	rootCmd.AddCommand(NewDevicesCommand())
	rootCmd.AddCommand(NewServerCmd())
	rootCmd.AddCommand(NewVersionCommand())
}
