package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quillwiki/quill/internal/version"
)

// VersionCmd represents the version command
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show Quill version information",
	Long:  `Display version, build time, commit hash, and platform information for the quill binary.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.Get()

		if jsonMode(cmd) {
			return printJSON(info)
		}
		fmt.Println(info.String())
		fmt.Printf("Platform: %s\n", info.Platform)
		fmt.Printf("Go: %s\n", info.GoVersion)
		return nil
	},
}
