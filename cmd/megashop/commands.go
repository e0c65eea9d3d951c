package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"megashop/internal/batch"
	"megashop/internal/config"
	"megashop/internal/etl"
	"megashop/internal/multitable"
	"megashop/internal/report"
	"megashop/internal/watch"
)

func (a *app) newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Aggregate the JSONL arrival units",
	}

	var dir string
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "arrival unit directory (defaults to paths.json_dir)")
	jsonDir := func() string {
		if dir != "" {
			return dir
		}
		return a.cfg.Paths.JSONDir
	}

	aggregator := func() (*batch.Aggregator, error) {
		e, err := a.openEngine("")
		if err != nil {
			return nil, err
		}
		return &batch.Aggregator{Engine: e, Suffix: a.cfg.Watch.Suffix, Logger: a.stdLogger()}, nil
	}

	sum := &cobra.Command{
		Use:   "sum",
		Short: "Print the total amount over every arrival unit",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			agg, err := aggregator()
			if err != nil {
				return err
			}
			total, err := agg.TotalAmount(cmd.Context(), jsonDir())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "total_amount=%.2f engine=%s\n", total, agg.Engine.Name())
			return nil
		},
	}

	mean := &cobra.Command{
		Use:   "mean",
		Short: "Print the mean amount per year",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			agg, err := aggregator()
			if err != nil {
				return err
			}
			means, err := agg.MeanAmountByYear(cmd.Context(), jsonDir())
			if err != nil {
				return err
			}
			for _, m := range means {
				fmt.Fprintf(a.stdout, "year=%d mean_amount=%.4f\n", m.Year, m.Mean)
			}
			return nil
		},
	}

	compare := &cobra.Command{
		Use:   "compare",
		Short: "Run both aggregations on the memory and duckdb engines and check they agree",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var results []batch.Result
			for _, kind := range []string{config.EngineMemory, config.EngineDuckDB} {
				e, err := a.openEngine(kind)
				if err != nil {
					return err
				}
				agg := &batch.Aggregator{Engine: e, Suffix: a.cfg.Watch.Suffix, Logger: a.stdLogger()}
				res, err := agg.Run(cmd.Context(), jsonDir())
				if err != nil {
					return fmt.Errorf("%s: %w", kind, err)
				}
				fmt.Fprintf(a.stdout, "engine=%s total_amount=%.2f years=%d duration=%s\n",
					res.Engine, res.Total, len(res.Means), res.Duration.Truncate(time.Millisecond))
				results = append(results, res)
			}
			if err := batch.Agree(results[0], results[1], batch.Tolerance); err != nil {
				return fmt.Errorf("engines disagree: %w", err)
			}
			fmt.Fprintf(a.stdout, "engines agree within %g\n", batch.Tolerance)
			return nil
		},
	}

	cmd.AddCommand(sum, mean, compare)
	return cmd
}

func (a *app) newETLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "etl",
		Short: "Join transactions, products and regions into the year-partitioned store",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.openEngine("")
			if err != nil {
				return err
			}
			stage := &etl.Stage{Engine: e, Logger: a.stdLogger()}
			res, err := stage.Run(cmd.Context(), a.cfg.Paths.ParquetDir, a.cfg.Paths.ProcessedDir)
			if err != nil {
				return err
			}
			a.log.Info("etl done",
				zap.Int64("rows", res.Rows),
				zap.Strings("partitions", res.Partitions),
				zap.Duration("duration", res.Duration))
			fmt.Fprintf(a.stdout, "rows=%d partitions=%d output=%s\n", res.Rows, len(res.Partitions), a.cfg.Paths.ProcessedDir)
			return nil
		},
	}
}

func (a *app) newReportCmd() *cobra.Command {
	var lang string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Compute revenue by category and save the bar chart",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tag, err := language.Parse(lang)
			if err != nil {
				return usagef("--lang %q: %v", lang, err)
			}
			e, err := a.openEngine("")
			if err != nil {
				return err
			}
			r := &report.Reporter{Engine: e, Logger: a.stdLogger(), Lang: tag}
			rows, err := r.Run(cmd.Context(), a.cfg.Paths.ProcessedDir, a.cfg.Paths.ChartPath, a.stdout)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "chart=%s categories=%d\n", a.cfg.Paths.ChartPath, len(rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&lang, "lang", "it", "BCP 47 tag for number formatting in the table")
	return cmd
}

func (a *app) newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Count events per region_id as arrival units appear",
		Long:  `Watch the arrival directory and print the full region counter after every new file. Runs until SIGINT or SIGTERM.`,
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := a.deps.notifyContext(cmd.Context())
			defer stop()

			w := watch.New(a.cfg.Watch.Dir, a.stdout, a.stdLogger())
			w.Suffix = a.cfg.Watch.Suffix
			if err := w.Start(ctx); err != nil {
				return err
			}
			a.log.Info("watching", zap.String("dir", w.Dir), zap.String("suffix", w.Suffix))

			<-w.Done()
			w.Stop()
			a.log.Info("watch stopped",
				zap.Int64("events", w.Counter.Total()),
				zap.Any("regions", w.Counter.Snapshot()))
			return nil
		},
	}
}

func (a *app) newLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load",
		Short: "Load the processed store into the configured warehouse",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Warehouse.Kind == "" {
				return usagef("warehouse.kind is not set")
			}
			p := multitable.FromConfig(a.cfg)
			st, err := a.deps.newLoader(a.stdLogger()).Run(cmd.Context(), p)
			if err != nil {
				return fmt.Errorf("load: %w", err)
			}
			fmt.Fprintf(a.stdout, "rows=%d inserted=%d dropped=%d warehouse=%s\n", st.Rows, st.Inserted, st.Dropped, p.Kind)
			return nil
		},
	}
}

func (a *app) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and exit",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.validate(); err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, "config ok")
			return nil
		},
	}
}
