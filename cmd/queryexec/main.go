// Package main is the queryexec CLI: builds a small physical plan over
// a synthetic table and runs it through the operator framework,
// printing the compiled plan tree, estimated cost, and result rows.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/relational-db/queryexec/internal/config"
	"github.com/relational-db/queryexec/internal/executor"
	"github.com/relational-db/queryexec/internal/metadata"
	"github.com/relational-db/queryexec/internal/stats"
	"github.com/relational-db/queryexec/internal/storage"
	"github.com/relational-db/queryexec/internal/valexpr"
	"github.com/relational-db/queryexec/internal/value"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var configPath string
	var dataDir string
	var minAmount float64

	rootCmd := &cobra.Command{
		Use:   "queryexec",
		Short: "Runs a demo physical query plan over the execution engine",
	}

	demoCmd := &cobra.Command{
		Use:   "demo",
		Short: "Build and run a scan/filter/project/sort plan over a synthetic orders table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if dataDir != "" {
				cfg.Storage.DataDirectory = dataDir
			}
			return runDemo(log, cfg, minAmount)
		},
	}
	demoCmd.Flags().StringVar(&configPath, "config", "", "path to a TOML config file")
	demoCmd.Flags().StringVar(&dataDir, "data-dir", "", "override the configured data directory")
	demoCmd.Flags().Float64Var(&minAmount, "min-amount", 100, "minimum order amount the demo plan filters on")

	rootCmd.AddCommand(demoCmd)

	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("queryexec failed")
		os.Exit(1)
	}
}

func runDemo(log *logrus.Logger, cfg *config.Config, minAmount float64) error {
	mm := metadata.NewMapManager(&metadata.TableMetadata{
		TableName: "orders",
		Columns: []metadata.ColumnInfo{
			{Name: "id", Type: metadata.TypeInteger},
			{Name: "customer", Type: metadata.TypeVarchar},
			{Name: "amount", Type: metadata.TypeFloat},
		},
		UniqueColumns: map[int]bool{0: true},
	})
	sm := stats.NewMapManager(&stats.CollectionStats{
		TableName: "orders",
		RowCount:  6,
	})

	fm := storage.NewFileManager()
	tx, err := storage.NewTransaction(cfg.Storage.DataDirectory)
	if err != nil {
		return err
	}
	defer tx.Discard()
	tmpTx, err := storage.NewTempTransaction(cfg.Storage.TempDirectory)
	if err != nil {
		return err
	}
	defer tmpTx.Discard()

	heap, err := fm.HeapFile(tx, "orders", []value.Type{value.Integer, value.Varchar, value.Float}, true)
	if err != nil {
		return err
	}
	sample := []value.Row{
		{value.Int(1), value.Str("acme"), value.Flt(42)},
		{value.Int(2), value.Str("globex"), value.Flt(150)},
		{value.Int(3), value.Str("initech"), value.Flt(310)},
		{value.Int(4), value.Str("acme"), value.Flt(95)},
		{value.Int(5), value.Str("umbrella"), value.Flt(500)},
		{value.Int(6), value.Str("globex"), value.Flt(120)},
	}
	if err := heap.BatchAppend(sample); err != nil {
		return err
	}

	orderStats, err := sm.TableStats("orders")
	if err != nil {
		return err
	}
	scan := executor.NewScanOp("orders", "o", "orders", mm)
	scan.SetStats(executor.NewScanStats(orderStats.RowCount, orderStats.BlockCount(cfg.Engine.BlockSize)))

	pred := &valexpr.Binary{
		Op:    valexpr.OpGt,
		Left:  &valexpr.NamedColumnRef{Name: "amount"},
		Right: &valexpr.Literal{Value: value.Flt(minAmount)},
	}
	filter := executor.NewFilterOp(scan, pred)

	project := executor.NewProjectOp(filter, []executor.NamedExpr{
		{Name: "customer", Expr: &valexpr.NamedColumnRef{Name: "customer"}},
		{Name: "amount", Expr: &valexpr.NamedColumnRef{Name: "amount"}},
	})

	sortKeys := []executor.SortKey{{Expr: &valexpr.NamedColumnRef{Name: "amount"}, Asc: false}}
	sorted, err := executor.NewMergeSortOp(project, sortKeys, cfg.Engine.DefaultSortBuffer, cfg.Engine.DefaultSortBuffer, cfg.Engine.BlockSize)
	if err != nil {
		return err
	}

	var plan executor.Pop = sorted
	fmt.Print(plan.Pstr(0))

	cost, err := executor.EstimatedCost(plan)
	if err != nil {
		return err
	}
	log.WithField("estimated_blocks", cost).Info("plan compiled")

	ctx := &executor.StatementContext{Storage: fm, Metadata: mm, Stats: sm, Tx: tx, TmpTx: tmpTx}

	start := time.Now()
	src, err := plan.Execute(ctx)
	if err != nil {
		return err
	}
	defer src.Close()

	var n int
	for {
		row, ok, err := src.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		n++
		fmt.Printf("%v\n", row)
	}
	log.WithField("elapsed", time.Since(start)).WithField("rows", n).Info("plan executed")
	return nil
}
