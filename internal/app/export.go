package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"crypto-alarm-engine/internal/indicator"
	"crypto-alarm-engine/internal/model"
)

// Export renders one instrument's persisted price history as CSV and/or a
// PNG chart with an RSI overlay.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Instrument == "" {
		return errors.New("--instrument is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)
	instrument := model.Instrument(strings.ToUpper(opts.Instrument))

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	series, err := store.ListPriceSamples(ctx, instrument, from, to)
	if err != nil {
		return err
	}
	if len(series) == 0 {
		a.Logger.Info().Str("instrument", instrument.String()).Msg("no samples found for export window")
		return nil
	}

	downsampled := downsampleSeries(series, opts.MaxPoints)
	a.Logger.Info().
		Str("instrument", instrument.String()).
		Int("total", len(series)).
		Int("exported", len(downsampled)).
		Msg("exporting samples")

	if opts.CSVPath != "" {
		if err := writeSeriesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := a.writeSeriesPNG(opts.PNGPath, instrument, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleSeries(series model.Series, max int) model.Series {
	if max <= 0 || len(series) <= max {
		return series
	}

	result := make(model.Series, 0, max)
	step := float64(len(series)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(series) {
			idx = len(series) - 1
		}
		result = append(result, series[idx])
	}
	return result
}

func writeSeriesCSV(path string, series model.Series) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"instrument", "sample_ts", "price", "volume"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, point := range series {
		record := []string{
			point.Instrument.String(),
			point.Timestamp.UTC().Format(time.RFC3339),
			point.Price.String(),
			point.Volume.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func (a *App) writeSeriesPNG(path string, instrument model.Instrument, series model.Series) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(series))
	prices := make([]float64, len(series))
	closes := series.Closes()
	for i, point := range series {
		x[i] = point.Timestamp
		prices[i] = point.Price.InexactFloat64()
	}

	// RSI over the expanding prefix; the overlay starts once the look-back
	// window is filled.
	period := a.Config.Indicators.RSIPeriod
	rsiX := make([]time.Time, 0, len(series))
	rsiY := make([]float64, 0, len(series))
	for i := period; i < len(closes); i++ {
		v, err := indicator.RSI(closes[:i+1], period)
		if err != nil {
			continue
		}
		rsiX = append(rsiX, x[i])
		rsiY = append(rsiY, v)
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           fmt.Sprintf("Price (%s)", a.Config.Market.QuoteCurrency),
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "RSI",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    instrument.String(),
				XValues: x,
				YValues: prices,
			},
		},
	}
	if len(rsiY) > 0 {
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    fmt.Sprintf("RSI(%d)", period),
			XValues: rsiX,
			YValues: rsiY,
			YAxis:   chart.YAxisSecondary,
		})
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
