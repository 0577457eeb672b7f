package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"crypto-alarm-engine/internal/app"
)

var (
	alarmOwner      string
	alarmInstrument string
	alarmKind       string
	alarmThreshold  string
	alarmDirection  string
	alarmBoundPct   float64
	alarmWindow     time.Duration
	alarmIndicator  string
	alarmRepeat     bool
	alarmCooldown   time.Duration
	alarmExpires    string

	alarmListOwner string
)

var alarmsCmd = &cobra.Command{
	Use:   "alarms",
	Short: "Manage price alarms",
}

var alarmsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new alarm",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.CreateAlarmOptions{
			Owner:      alarmOwner,
			Instrument: alarmInstrument,
			Kind:       alarmKind,
			Threshold:  alarmThreshold,
			Direction:  alarmDirection,
			BoundPct:   alarmBoundPct,
			Window:     alarmWindow,
			Indicator:  alarmIndicator,
			Repeat:     alarmRepeat,
			Cooldown:   alarmCooldown,
		}

		if alarmExpires != "" {
			expires, err := time.Parse(time.RFC3339, alarmExpires)
			if err != nil {
				return fmt.Errorf("invalid --expires value: %w", err)
			}
			opts.ExpiresAt = &expires
		}

		return getApp().CreateAlarm(cmd.Context(), opts)
	},
}

var alarmsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alarms",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListAlarms(cmd.Context(), alarmListOwner)
	},
}

var alarmsPauseCmd = &cobra.Command{
	Use:   "pause <alarm-id>",
	Short: "Pause an alarm",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().PauseAlarm(cmd.Context(), args[0])
	},
}

var alarmsResumeCmd = &cobra.Command{
	Use:   "resume <alarm-id>",
	Short: "Resume a paused or fired alarm",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ResumeAlarm(cmd.Context(), args[0])
	},
}

var alarmsDeleteCmd = &cobra.Command{
	Use:   "delete <alarm-id>",
	Short: "Delete an alarm",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().DeleteAlarm(cmd.Context(), args[0])
	},
}

func init() {
	alarmsCreateCmd.Flags().StringVar(&alarmOwner, "owner", "", "Owner (chat id) the notification is routed to")
	alarmsCreateCmd.Flags().StringVar(&alarmInstrument, "instrument", "", "Instrument symbol, e.g. BTC")
	alarmsCreateCmd.Flags().StringVar(&alarmKind, "kind", "price_threshold", "Condition kind: price_threshold, percent_change, indicator_threshold or volatility")
	alarmsCreateCmd.Flags().StringVar(&alarmThreshold, "threshold", "", "Price threshold (price_threshold)")
	alarmsCreateCmd.Flags().StringVar(&alarmDirection, "direction", "", "Crossing direction: above or below")
	alarmsCreateCmd.Flags().Float64Var(&alarmBoundPct, "bound", 0, "Percentage bound (percent_change, indicator_threshold, volatility)")
	alarmsCreateCmd.Flags().DurationVar(&alarmWindow, "window", 0, "Look-back window (percent_change, volatility)")
	alarmsCreateCmd.Flags().StringVar(&alarmIndicator, "indicator", "", "Indicator name, e.g. rsi14 (indicator_threshold)")
	alarmsCreateCmd.Flags().BoolVar(&alarmRepeat, "repeat", false, "Re-arm after firing instead of parking in the fired state")
	alarmsCreateCmd.Flags().DurationVar(&alarmCooldown, "cooldown", 0, "Minimum time between firings (defaults to config)")
	alarmsCreateCmd.Flags().StringVar(&alarmExpires, "expires", "", "Expiry timestamp (RFC3339)")

	alarmsListCmd.Flags().StringVar(&alarmListOwner, "owner", "", "Filter by owner")

	alarmsCmd.AddCommand(alarmsCreateCmd)
	alarmsCmd.AddCommand(alarmsListCmd)
	alarmsCmd.AddCommand(alarmsPauseCmd)
	alarmsCmd.AddCommand(alarmsResumeCmd)
	alarmsCmd.AddCommand(alarmsDeleteCmd)
}
