// Command heselect evaluates a filter-and-aggregate query, or an arithmetic
// expression, over an encrypted CSV table and prints the decrypted result next
// to its plaintext reference and estimated error bound.
//
//	heselect -config cfg.yaml -data file.csv -where "age > 40" -target amount -agg mean
//	heselect -data file.csv -flag active -agg count
//	heselect -data file.csv -expr "sigmoid(amount/100) * active"
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/tuneinsight/heselect/circuits/arithmetic"
	"github.com/tuneinsight/heselect/circuits/selection"
	"github.com/tuneinsight/heselect/config"
	"github.com/tuneinsight/heselect/dataset"
	"github.com/tuneinsight/heselect/engine"
)

type options struct {
	config  string
	data    string
	where   string
	flag    string
	target  string
	agg     string
	expr    string
	workers int
	gap     float64
	verbose bool
}

func parseFlags(args []string) (opts options, err error) {
	fs := flag.NewFlagSet("heselect", flag.ContinueOnError)
	fs.StringVar(&opts.config, "config", "", "YAML configuration file (defaults to the simulated scheme)")
	fs.StringVar(&opts.data, "data", "", "CSV file with a header line")
	fs.StringVar(&opts.where, "where", "", "predicate on a column, e.g. \"age > 40\" or \"10 < age && age < 20\"")
	fs.StringVar(&opts.flag, "flag", "", "0/1 column selecting the rows")
	fs.StringVar(&opts.target, "target", "", "aggregated column")
	fs.StringVar(&opts.agg, "agg", "sum", "aggregate: sum, count or mean")
	fs.StringVar(&opts.expr, "expr", "", "arithmetic expression evaluated on every row instead of a query")
	fs.IntVar(&opts.workers, "workers", 0, "number of workers (defaults to the configuration)")
	fs.Float64Var(&opts.gap, "gap", 0, "minimum distance between the values and the thresholds (defaults to the configuration)")
	fs.BoolVar(&opts.verbose, "v", false, "log the batch state transitions")

	if err = fs.Parse(args); err != nil {
		return
	}

	switch {
	case opts.data == "":
		return opts, errors.New("missing -data")
	case opts.where != "" && opts.flag != "":
		return opts, errors.New("-where and -flag are exclusive")
	}

	return
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		c := config.Default()
		return &c, c.Validate()
	}
	return config.Load(path)
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "heselect:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) (err error) {

	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	c, err := loadConfig(opts.config)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	start := time.Now()
	eng, err := engine.NewFromConfig(c, engine.WithLogger(logger))
	if err != nil {
		return err
	}
	logger.Info("keys generated", "scheme", c.Scheme, "duration", time.Since(start))

	if opts.expr != "" {
		return evaluate(ctx, eng, opts, stdout)
	}

	return query(ctx, eng, opts, stdout)
}

func load(ctx context.Context, eng *engine.Engine, opts options, columns ...string) (*dataset.Table, selection.RecordBatch, error) {

	table, err := dataset.LoadCSVFile(opts.data, columns...)
	if err != nil {
		return nil, selection.RecordBatch{}, err
	}

	schema, err := table.Schema()
	if err != nil {
		return nil, selection.RecordBatch{}, err
	}

	batch, err := table.Encrypt(ctx, eng.Executor(opts.workers), eng.Tracker(), schema)
	if err != nil {
		return nil, selection.RecordBatch{}, err
	}

	return table, batch, nil
}

func query(ctx context.Context, eng *engine.Engine, opts options, stdout io.Writer) (err error) {

	q := selection.Query{Where: selection.All(), Target: opts.target, Gap: opts.gap}

	if q.Aggregate, err = selection.ParseAggregate(opts.agg); err != nil {
		return err
	}

	switch {
	case opts.where != "":
		if q.Where, err = arithmetic.ParsePredicate(opts.where); err != nil {
			return err
		}
	case opts.flag != "":
		q.Where = selection.Flag(opts.flag)
	}

	var columns []string
	if q.Where.Kind != selection.KindAll {
		columns = append(columns, q.Where.Column)
	}
	if q.Aggregate != selection.Count {
		if q.Target == "" {
			return fmt.Errorf("-agg %s requires -target", q.Aggregate)
		}
		if q.Target != q.Where.Column {
			columns = append(columns, q.Target)
		}
	}
	if len(columns) == 0 {
		return fmt.Errorf("%s reads no column", q)
	}

	table, batch, err := load(ctx, eng, opts, columns...)
	if err != nil {
		return err
	}

	start := time.Now()
	res, err := eng.Query(ctx, q, batch, opts.workers)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	want, err := table.Reference(q)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "query:     %s\n", q)
	fmt.Fprintf(stdout, "rows:      %d\n", table.Len())
	fmt.Fprintf(stdout, "result:    %.6f\n", res.Values[0])
	fmt.Fprintf(stdout, "reference: %.6f\n", want)
	fmt.Fprintf(stdout, "error:     %.3e (bound %.3e: %s)\n", res.Values[0]-want, res.Bound, res.Detail)
	fmt.Fprintf(stdout, "depth:     %d\n", res.Depth)
	fmt.Fprintf(stdout, "time:      %s\n", elapsed)

	return nil
}

func evaluate(ctx context.Context, eng *engine.Engine, opts options, stdout io.Writer) (err error) {

	expr, err := arithmetic.Parse(opts.expr, eng.Functions())
	if err != nil {
		return err
	}

	table, batch, err := load(ctx, eng, opts, expr.Columns()...)
	if err != nil {
		return err
	}

	start := time.Now()
	res, err := eng.EvaluateExpression(ctx, expr, batch, opts.workers)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	want := make([]float64, table.Len())
	for i := range want {
		if want[i], err = expr.Value(table.Env(i)); err != nil {
			return err
		}
	}

	fmt.Fprintf(stdout, "expression: %s (depth %d)\n", expr, res.Depth)
	for i := range want {
		fmt.Fprintf(stdout, "%6d %14.6f %14.6f\n", i, res.Values[i], want[i])
	}

	stats, err := engine.Compare(res, want)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "error:      %s\n", stats)
	fmt.Fprintf(stdout, "bound:      %.3e\n", res.Bound)
	fmt.Fprintf(stdout, "time:       %s\n", elapsed)

	return nil
}
