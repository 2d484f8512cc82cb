package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/raykavin/leverwatch"
	"github.com/raykavin/leverwatch/internal/config"
	"github.com/raykavin/leverwatch/pkg/core"
	"github.com/raykavin/leverwatch/pkg/exchange/binance"
	"github.com/raykavin/leverwatch/pkg/monitor"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// Command line flags
var (
	envFile string
)

func main() {
	// Create root command
	rootCmd := &cobra.Command{
		Use:     "leverwatch",
		Short:   "RSI alerts for Binance leveraged tokens",
		Version: "1.0.0",
		RunE:    runService,
	}

	rootCmd.PersistentFlags().StringVarP(&envFile, "env", "e", config.DefaultEnvFile, "Environment file to load")

	// Add commands
	rootCmd.AddCommand(buildRunCmd(), buildSymbolsCmd(), buildScanCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Execute
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the monitor until interrupted",
		RunE:  runService,
	}
}

func buildSymbolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "symbols",
		Short: "List the leveraged pairs that would be monitored",
		RunE:  runSymbols,
	}
}

func buildScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run a single monitoring cycle and print the status",
		RunE:  runScan,
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func runService(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	app, err := leverwatch.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	err = app.Run(cmd.Context())
	if errors.Is(err, core.ErrMarketLoad) {
		app.Logger().WithError(err).Fatal("unable to load the symbol universe")
	}

	return err
}

func runSymbols(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}

	client := leverwatch.NewExchangeClient(leverwatch.DefaultLog, cfg.Binance)

	symbols, err := client.LeveragedSymbols(cmd.Context())
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Pair", "Base", "Quote"})
	table.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_LEFT, tablewriter.ALIGN_LEFT})
	for _, symbol := range symbols {
		base, quote := binance.SplitPair(symbol)
		table.Append([]string{symbol, base, quote})
	}
	table.SetFooter([]string{"", "Total", fmt.Sprint(len(symbols))})
	table.Render()

	return nil
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var (
		once sync.Once
		bar  *progressbar.ProgressBar
	)

	progress := func(_, total int) {
		once.Do(func() {
			bar = progressbar.Default(int64(total), "evaluating")
		})
		_ = bar.Add(1)
	}

	app, err := leverwatch.New(cmd.Context(), cfg,
		leverwatch.WithoutServer(),
		leverwatch.WithoutBot(),
		leverwatch.WithMonitorOptions(monitor.WithProgress(progress)),
	)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Scan(cmd.Context()); err != nil {
		return err
	}

	if bar != nil {
		_ = bar.Finish()
	}

	fmt.Println()
	fmt.Println(app.StatusText())
	return nil
}
