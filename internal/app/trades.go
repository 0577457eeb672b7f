package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"crypto-alarm-engine/internal/model"
	"crypto-alarm-engine/internal/portfolio"
	"crypto-alarm-engine/internal/storage"
)

// RecordTrade appends one entry to the owner's trade ledger.
func (a *App) RecordTrade(ctx context.Context, opts TradeOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot record trades")
	}
	if closeStore != nil {
		defer closeStore()
	}

	quantity, err := decimal.NewFromString(opts.Quantity)
	if err != nil {
		return fmt.Errorf("invalid --quantity value: %w", err)
	}
	price, err := decimal.NewFromString(opts.Price)
	if err != nil {
		return fmt.Errorf("invalid --price value: %w", err)
	}

	manager := portfolio.NewManager(store, nil, a.Logger)
	saved, err := manager.RecordTrade(ctx, storage.Trade{
		Owner:      opts.Owner,
		Instrument: model.Instrument(strings.ToUpper(opts.Instrument)),
		Side:       opts.Side,
		Quantity:   quantity,
		Price:      price,
		Note:       opts.Note,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "trade recorded: %d\n", saved.ID)
	return nil
}

// ShowPortfolio values the owner's holdings against current market data.
func (a *App) ShowPortfolio(ctx context.Context, owner string) error {
	if owner == "" {
		return errors.New("--owner is required")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show portfolio")
	}
	if closeStore != nil {
		defer closeStore()
	}

	manager := portfolio.NewManager(store, a.newCache(), a.Logger)
	valuations, total, err := manager.Valuate(ctx, owner)
	if err != nil {
		return err
	}
	if len(valuations) == 0 {
		fmt.Fprintln(os.Stdout, "no holdings found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Instrument\tQuantity\tPrice\tValue\tStale")
	for _, v := range valuations {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%t\n",
			v.Instrument,
			v.Quantity.String(),
			v.Price.StringFixed(2),
			v.Value.StringFixed(2),
			v.Stale,
		)
	}
	fmt.Fprintf(writer, "Total\t\t\t%s\t\n", total.StringFixed(2))
	writer.Flush()
	return nil
}
