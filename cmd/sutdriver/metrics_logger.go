package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-sut-driver/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"exec_invocations", snap.ExecInvocations,
					"exec_failures", snap.ExecFailures,
					"wait_string_calls", snap.WaitStringCalls,
					"wait_string_timeouts", snap.WaitStringTimeouts,
					"needle_compare_attempts", snap.NeedleCompareAttempts,
					"needle_compare_hits", snap.NeedleCompareHits,
					"needle_missing", snap.NeedleMissing,
					"screenshots_written", snap.ScreenshotsWritten,
					"screenshots_deduped", snap.ScreenshotsDeduped,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
