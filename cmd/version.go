package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vendortools/miscwriter/common"
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display miscwriter version",
	Long:  `Display miscwriter version.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("miscwriter version", common.Version)
	},
}
