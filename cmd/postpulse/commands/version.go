package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/postpulse/internal/version"
)

// VersionCmd represents the version command
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show postpulse version information",
	Long:  `Display version, build time, commit hash, and platform information for the postpulse binary.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		info := version.Get()
		if asJSON {
			return printJSON(cmd.OutOrStdout(), info)
		}
		fmt.Fprintln(cmd.OutOrStdout(), info.String())
		return nil
	},
}

func init() {
	VersionCmd.Flags().BoolP("json", "j", false, "Output version info as JSON")
}
