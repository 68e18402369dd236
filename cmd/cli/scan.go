package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/restockwatch/core/internal/blocking"
	"github.com/restockwatch/core/internal/dispatch"
	"github.com/restockwatch/core/internal/domain"
	"github.com/restockwatch/core/internal/notify"
	"github.com/restockwatch/core/internal/proxypool"
	"github.com/restockwatch/core/internal/retailers"
	"github.com/restockwatch/core/internal/scanner"
	"github.com/restockwatch/core/internal/store"
	"github.com/restockwatch/core/internal/transition"
)

var scanCmd = &cobra.Command{
	Use:   "scan <task-id>",
	Short: "Run one task's scan cycle immediately, outside the scheduled loop",
	Long: `Runs dispatch -> transition -> store for a single task synchronously
and prints the transition events it produced. Unlike the scheduled
engine this never touches in-flight tracking or the worker pool, so it
is safe to run alongside a live server, but two overlapping manual runs
of the same task can race each other's store writes.`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	taskID := args[0]

	task, err := db.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}

	registry := scanner.NewRegistry()
	retailers.RegisterIllustrative(registry)

	var proxies *proxypool.Pool
	if len(cfg.Proxies) > 0 {
		proxies = proxypool.New(cfg.Proxies, proxypool.DefaultConfig(), *logger)
	}

	detector := blocking.New(blocking.Config{
		SuspiciousMinBytes:  cfg.Blocking.SuspiciousMinBytes,
		ForbiddenQuarantine: cfg.Blocking.ForbiddenQuarantine,
		ChallengeQuarantine: cfg.Blocking.ChallengeQuarantine,
		RateLimitDefault:    cfg.Blocking.RateLimitDefault,
		TransientQuarantine: cfg.Blocking.TransientQuarantine,
		TransientWindow:     cfg.Blocking.TransientWindow,
		TransientThreshold:  cfg.Blocking.TransientThreshold,
	}, *logger, proxies)

	dispatchCfg := dispatch.DefaultConfig()
	dispatchCfg.MinDelay = cfg.Dispatch.MinDelay
	dispatchCfg.MaxDelay = cfg.Dispatch.MaxDelay
	dispatchCfg.RequestTimeout = cfg.Dispatch.RequestTimeout
	dispatchCfg.RetryPolicy.MaxAttempts = cfg.Dispatch.MaxAttempts
	dispatcher := dispatch.New(dispatchCfg, registry, proxies, detector, *logger)
	dispatcher.SetBlockRecorder(db)

	channels := []notify.Channel{notify.NewLogChannel(*logger)}
	if cfg.Notify.WebhookURL != "" {
		channels = append(channels, notify.NewWebhookChannel(cfg.Notify.WebhookURL, nil))
	}
	notifier, err := notify.New(notify.Config{
		DedupWindow:   cfg.Notify.DedupWindow,
		DedupCapacity: cfg.Notify.DedupCapacity,
	}, db, *logger, channels...)
	if err != nil {
		return fmt.Errorf("build notifier: %w", err)
	}

	start := time.Now()
	if err := db.BeginRun(ctx, task.ID, start); err != nil {
		return fmt.Errorf("begin run: %w", err)
	}

	result, scanErr := dispatcher.Scan(ctx, task.Retailer, task.Query, task.EffectiveZip())
	finishedAt := time.Now()

	if scanErr != nil {
		msg := scanErr.Error()
		_ = db.CompleteRun(ctx, task.ID, domain.StatusError, &msg, nil)
		return fmt.Errorf("scan failed: %w", scanErr)
	}

	if result.Skipped || (result.Classification != blocking.ClassOK && result.Classification != blocking.ClassOKEmpty) {
		msg := fmt.Sprintf("scan classified as %s", result.Classification)
		_ = db.CompleteRun(ctx, task.ID, domain.StatusError, &msg, nil)
		return errors.New(msg)
	}

	priorPrices := make(map[string]transition.PriorPrice, len(result.Products))
	for _, p := range result.Products {
		key := p.CanonicalKey()
		if _, ok := priorPrices[key]; ok {
			continue
		}
		snap, err := db.LatestPriceSnapshot(ctx, key)
		if err != nil {
			continue
		}
		priorPrices[key] = transition.PriorPrice{ListedPrice: snap.ListedPrice, MarketPrice: snap.MarketPrice}
	}

	res := transition.Reconcile(task.ID, task.Retailer, task.LastInStockKeys, result.Products, priorPrices, transition.Config{
		PriceChangeThreshold: cfg.Transition.PriceChangeThreshold,
	})

	byKey := make(map[string]domain.Product, len(result.Products))
	for _, p := range result.Products {
		byKey[p.CanonicalKey()] = p
	}
	for _, snap := range res.Snapshots {
		p := byKey[snap.ProductKey]
		if err := db.RecordPriceSnapshot(ctx, task.Query, task.Retailer, p.Name, p.URL, snap); err != nil {
			logger.Warn().Err(err).Str("product_key", snap.ProductKey).Msg("record price snapshot failed")
		}
	}

	for _, ev := range res.Events {
		notifier.Emit(ctx, ev)
	}

	if err := db.CompleteRun(ctx, task.ID, domain.StatusOK, nil, res.NewInStock); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if err := db.RecordScanRun(ctx, store.ScanRun{
		TaskID:        task.ID,
		StartedAt:     start,
		FinishedAt:    &finishedAt,
		Status:        string(domain.StatusOK),
		ProductsSeen:  len(result.Products),
		EventsEmitted: len(res.Events),
	}); err != nil {
		logger.Warn().Err(err).Msg("record scan run failed")
	}

	fmt.Printf("Scanned %s: %d products, %d events\n", task.Retailer, len(result.Products), len(res.Events))
	for _, ev := range res.Events {
		fmt.Printf("  [%s] %s (%s)\n", ev.Kind, ev.ProductName, ev.ProductKey)
	}
	return nil
}
