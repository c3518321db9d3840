package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"
)

// gendocsCmd represents the gendocs command
var gendocsCmd = &cobra.Command{
	Use:    "gendocs",
	Hidden: true,
	Short:  "generate markdown docs",
	RunE: func(cmd *cobra.Command, args []string) error {
		rootCmd.Root().DisableAutoGenTag = true
		if err := os.MkdirAll("./docs", 0o755); err != nil {
			return err
		}
		return doc.GenMarkdownTree(rootCmd, "./docs")
	},
}

func init() {
	rootCmd.AddCommand(gendocsCmd)
}
