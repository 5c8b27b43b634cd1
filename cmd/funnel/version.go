// Version command for the funnel CLI.
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/funnel/pkg/funnel"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the funnel version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("funnel", funnel.Version)
	},
}
