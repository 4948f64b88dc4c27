package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/babelcloud/gbox/packages/recorder/internal/version"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func NewVersionCommand() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			out := cmd.OutOrStdout()

			switch outputFormat {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			case "text", "":
			default:
				return errors.Errorf("unsupported output format %q", outputFormat)
			}

			label := color.New(color.Bold)
			rows := [][2]string{
				{"Version", info.Version},
				{"Commit", info.Commit},
				{"Built", info.BuildTime},
				{"Go", info.GoVersion},
				{"Platform", info.Platform},
				{"Containers", strings.Join(info.Containers, ", ")},
				{"Video codec", info.VideoCodec},
				{"Audio codec", info.AudioCodec},
			}
			for _, row := range rows {
				fmt.Fprintf(out, "%s %s\n", label.Sprintf("%-12s", row[0]+":"), row[1])
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "Output format (text|json)")
	return cmd
}
