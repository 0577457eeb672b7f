package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var checkOwner string

var checkCmd = &cobra.Command{
	Use:   "check [alarm-id]",
	Short: "Evaluate alarms immediately against fresh market data",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return getApp().CheckAlarm(cmd.Context(), args[0])
		}
		if checkOwner == "" {
			return errors.New("either an alarm id or --owner is required")
		}
		return getApp().CheckOwner(cmd.Context(), checkOwner)
	},
}

func init() {
	checkCmd.Flags().StringVar(&checkOwner, "owner", "", "Evaluate all of this owner's alarms")
}
