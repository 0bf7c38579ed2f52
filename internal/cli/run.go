package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Fetch protocols once, alert on new crossings, and persist state",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Run(cmd.Context())
		return err
	},
}
