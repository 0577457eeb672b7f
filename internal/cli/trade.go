package cli

import (
	"github.com/spf13/cobra"

	"crypto-alarm-engine/internal/app"
)

var (
	tradeOwner      string
	tradeInstrument string
	tradeSide       string
	tradeQuantity   string
	tradePrice      string
	tradeNote       string

	portfolioOwner string
)

var tradeCmd = &cobra.Command{
	Use:   "trade",
	Short: "Record a portfolio trade",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RecordTrade(cmd.Context(), app.TradeOptions{
			Owner:      tradeOwner,
			Instrument: tradeInstrument,
			Side:       tradeSide,
			Quantity:   tradeQuantity,
			Price:      tradePrice,
			Note:       tradeNote,
		})
	},
}

var portfolioCmd = &cobra.Command{
	Use:   "portfolio",
	Short: "Show holdings valued at current market prices",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ShowPortfolio(cmd.Context(), portfolioOwner)
	},
}

func init() {
	tradeCmd.Flags().StringVar(&tradeOwner, "owner", "", "Owner the trade belongs to")
	tradeCmd.Flags().StringVar(&tradeInstrument, "instrument", "", "Instrument symbol, e.g. BTC")
	tradeCmd.Flags().StringVar(&tradeSide, "side", "buy", "Trade side: buy or sell")
	tradeCmd.Flags().StringVar(&tradeQuantity, "quantity", "", "Traded quantity")
	tradeCmd.Flags().StringVar(&tradePrice, "price", "", "Execution price")
	tradeCmd.Flags().StringVar(&tradeNote, "note", "", "Optional free-form note")

	portfolioCmd.Flags().StringVar(&portfolioOwner, "owner", "", "Owner whose holdings to value")
}
