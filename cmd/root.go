package cmd

import (
	"fmt"

	"github.com/babelcloud/gbox/packages/recorder/internal/util"
	"github.com/babelcloud/gbox/packages/recorder/internal/version"
	"github.com/spf13/cobra"
)

var (
	verbose bool

	rootCmd = &cobra.Command{
		Use:   "gbox-rec",
		Short: "GBOX screen recorder",
		Long:  `gbox-rec captures video and audio frames and writes them to a Matroska or MP4 file.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.InitLogger(verbose)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flag("version").Changed {
				fmt.Fprintln(cmd.OutOrStdout(), version.Get())
				return nil
			}
			return cmd.Help()
		},
		SilenceUsage: true,
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "V", false, "Enable debug logging")

	rootCmd.AddCommand(NewRecordCommand())
	rootCmd.AddCommand(NewVersionCommand())
}
