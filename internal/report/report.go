// Package report computes revenue by category from the processed store and
// renders it as a bar chart and a text table.
package report

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"megashop/internal/columnar"
	"megashop/internal/engine"
	"megashop/internal/metrics"
)

// UnknownCategory labels rows whose category is NULL.
const UnknownCategory = "(unknown)"

// Chart labels.
const (
	ChartTitle  = "Fatturato per categoria"
	ChartXLabel = "Categoria"
	ChartYLabel = "Fatturato totale"
)

// CategoryRevenue is one row of the report.
type CategoryRevenue struct {
	Category string
	Revenue  float64
}

// Reporter builds the revenue report on Engine.
type Reporter struct {
	Engine engine.Engine
	Logger engine.Logger
	// Lang selects the number format of the text table. Zero means Italian.
	Lang language.Tag
}

func (r *Reporter) logger() func(string, ...any) {
	if r.Logger == nil {
		return log.New(io.Discard, "", 0).Printf
	}
	return r.Logger.Printf
}

// RevenueByCategory sums amount per category over the processed store,
// sorted by revenue descending with ties broken by category.
//
// Edge cases:
//   - A missing dir or one without parquet files yields an empty report.
//   - NULL category is reported as UnknownCategory.
func (r *Reporter) RevenueByCategory(ctx context.Context, processedDir string) ([]CategoryRevenue, error) {
	files, err := columnar.ListParquet(processedDir)
	if err != nil {
		return nil, fmt.Errorf("report: %w", err)
	}
	if len(files) == 0 {
		r.logger()("stage=report dir=%s empty=true", processedDir)
		return nil, nil
	}
	if r.Engine == nil {
		return nil, fmt.Errorf("report: Engine is required")
	}

	rel, err := r.Engine.ReadPartitioned(ctx, processedDir)
	if err != nil {
		return nil, fmt.Errorf("report read: %w", err)
	}
	agg, err := r.Engine.Aggregate(rel, []string{"category"}, engine.Sum("amount", "total_revenue"))
	if err != nil {
		return nil, fmt.Errorf("report aggregate: %w", err)
	}
	t, err := r.Engine.Collect(ctx, agg)
	if err != nil {
		return nil, fmt.Errorf("report collect: %w", err)
	}

	out := make([]CategoryRevenue, 0, t.Len())
	for _, row := range t.Rows {
		cat, ok := row[0].(string)
		if !ok {
			cat = UnknownCategory
		}
		rev, _ := row[1].(float64)
		out = append(out, CategoryRevenue{Category: cat, Revenue: rev})
	}
	Sort(out)
	return out, nil
}

// Sort orders rows by revenue descending, then category ascending.
func Sort(rows []CategoryRevenue) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Revenue != rows[j].Revenue {
			return rows[i].Revenue > rows[j].Revenue
		}
		return rows[i].Category < rows[j].Category
	})
}

// Run computes the report, saves the chart at chartPath and, when w is not
// nil, prints the table to w.
func (r *Reporter) Run(ctx context.Context, processedDir, chartPath string, w io.Writer) (rows []CategoryRevenue, err error) {
	start := time.Now()
	defer func() { metrics.RecordStep("report", start, err) }()

	rows, err = r.RevenueByCategory(ctx, processedDir)
	if err != nil {
		return nil, err
	}
	if err := RenderChart(rows, chartPath); err != nil {
		return nil, err
	}
	if w != nil {
		if err := WriteTable(w, rows, r.Lang); err != nil {
			return nil, err
		}
	}
	r.logger()("stage=report ok categories=%d chart=%s duration=%s", len(rows), chartPath, time.Since(start))
	return rows, nil
}

// RenderChart draws one bar per row, in row order, and writes a PNG to path
// whatever its extension. No rows produce an empty chart.
func RenderChart(rows []CategoryRevenue, path string) error {
	p := plot.New()
	p.Title.Text = ChartTitle
	p.X.Label.Text = ChartXLabel
	p.Y.Label.Text = ChartYLabel

	if len(rows) > 0 {
		values := make(plotter.Values, len(rows))
		names := make([]string, len(rows))
		for i, row := range rows {
			values[i] = row.Revenue
			names[i] = row.Category
		}
		bars, err := plotter.NewBarChart(values, vg.Points(20))
		if err != nil {
			return fmt.Errorf("report chart: %w", err)
		}
		bars.LineStyle.Width = vg.Length(0)
		bars.Color = plotutil.Color(0)
		p.Add(bars)
		p.NominalX(names...)
		p.X.Tick.Label.Rotation = math.Pi / 4
		p.X.Tick.Label.XAlign = draw.XRight
		p.X.Tick.Label.YAlign = draw.YCenter
	}

	width := vg.Length(max(6, len(rows))) * vg.Inch
	wt, err := p.WriterTo(width, 6*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("report chart: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report chart: %w", err)
	}
	if _, err := wt.WriteTo(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("report chart write %s: %w", path, err)
	}
	return f.Close()
}

// WriteTable prints rows as an aligned table with localized thousands
// separators.
func WriteTable(w io.Writer, rows []CategoryRevenue, lang language.Tag) error {
	if lang == language.Und {
		lang = language.Italian
	}
	pr := message.NewPrinter(lang)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	if _, err := fmt.Fprintf(tw, "%s\t%s\t\n", ChartXLabel, ChartYLabel); err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := fmt.Fprintf(tw, "%s\t%s\t\n", row.Category, pr.Sprintf("%.2f", row.Revenue)); err != nil {
			return err
		}
	}
	return tw.Flush()
}
