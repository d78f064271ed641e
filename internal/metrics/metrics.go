package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-sut-driver/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	ExecInvocations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exec_invocations_total",
		Help: "Total exec() calls issued against serial/SSH consoles.",
	})
	ExecFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exec_failures_total",
		Help: "Total exec() calls that ended in Timeout or Cancel.",
	})
	WaitStringCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wait_string_calls_total",
		Help: "Total wait_string() calls issued against serial/SSH consoles.",
	})
	WaitStringTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wait_string_timeouts_total",
		Help: "Total wait_string() calls that timed out without a match.",
	})
	NeedleCompareAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "needle_compare_attempts_total",
		Help: "Total needle comparisons attempted during CheckScreen retry loops.",
	})
	NeedleCompareHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "needle_compare_hits_total",
		Help: "Total needle comparisons that matched.",
	})
	NeedleMissing = promauto.NewCounter(prometheus.CounterOpts{
		Name: "needle_missing_total",
		Help: "Total CheckScreen attempts where the needle file itself was absent.",
	})
	ScreenshotsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "screenshots_written_total",
		Help: "Total distinct screenshots persisted to disk by the writer.",
	})
	ScreenshotsDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "screenshots_deduped_total",
		Help: "Total screenshots skipped because they matched the previous frame byte-for-byte.",
	})
	ConsoleReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "console_reconnects_total",
		Help: "Total successful (re)connections per console kind.",
	}, []string{"console"})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrSerialOpen  = "serial_open"
	ErrSerialRead  = "serial_read"
	ErrSerialWrite = "serial_write"
	ErrSSHDial     = "ssh_dial"
	ErrSSHExec     = "ssh_exec"
	ErrVNCDial     = "vnc_dial"
	ErrVNCRefresh  = "vnc_refresh"
	ErrConfig      = "config"
)

// StartHTTP serves Prometheus metrics at /metrics (plus a /ready probe) on
// addr, using its own mux.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localExecInvocations      uint64
	localExecFailures         uint64
	localWaitStringCalls      uint64
	localWaitStringTimeouts   uint64
	localNeedleCompareAtt     uint64
	localNeedleCompareHits    uint64
	localNeedleMissing        uint64
	localScreenshotsWritten   uint64
	localScreenshotsDeduped   uint64
	localErrors               uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	ExecInvocations      uint64
	ExecFailures         uint64
	WaitStringCalls      uint64
	WaitStringTimeouts   uint64
	NeedleCompareAttempts uint64
	NeedleCompareHits    uint64
	NeedleMissing        uint64
	ScreenshotsWritten   uint64
	ScreenshotsDeduped   uint64
	Errors               uint64
}

func Snap() Snapshot {
	return Snapshot{
		ExecInvocations:       atomic.LoadUint64(&localExecInvocations),
		ExecFailures:          atomic.LoadUint64(&localExecFailures),
		WaitStringCalls:       atomic.LoadUint64(&localWaitStringCalls),
		WaitStringTimeouts:    atomic.LoadUint64(&localWaitStringTimeouts),
		NeedleCompareAttempts: atomic.LoadUint64(&localNeedleCompareAtt),
		NeedleCompareHits:     atomic.LoadUint64(&localNeedleCompareHits),
		NeedleMissing:         atomic.LoadUint64(&localNeedleMissing),
		ScreenshotsWritten:    atomic.LoadUint64(&localScreenshotsWritten),
		ScreenshotsDeduped:    atomic.LoadUint64(&localScreenshotsDeduped),
		Errors:                atomic.LoadUint64(&localErrors),
	}
}

// Wrapper helpers to keep call sites simple.
func IncExecInvocation() {
	ExecInvocations.Inc()
	atomic.AddUint64(&localExecInvocations, 1)
}

func IncExecFailure() {
	ExecFailures.Inc()
	atomic.AddUint64(&localExecFailures, 1)
}

func IncWaitStringCall() {
	WaitStringCalls.Inc()
	atomic.AddUint64(&localWaitStringCalls, 1)
}

func IncWaitStringTimeout() {
	WaitStringTimeouts.Inc()
	atomic.AddUint64(&localWaitStringTimeouts, 1)
}

func IncNeedleCompareAttempt() {
	NeedleCompareAttempts.Inc()
	atomic.AddUint64(&localNeedleCompareAtt, 1)
}

func IncNeedleCompareHit() {
	NeedleCompareHits.Inc()
	atomic.AddUint64(&localNeedleCompareHits, 1)
}

func IncNeedleMissing() {
	NeedleMissing.Inc()
	atomic.AddUint64(&localNeedleMissing, 1)
}

func IncScreenshotWritten() {
	ScreenshotsWritten.Inc()
	atomic.AddUint64(&localScreenshotsWritten, 1)
}

func IncScreenshotDeduped() {
	ScreenshotsDeduped.Inc()
	atomic.AddUint64(&localScreenshotsDeduped, 1)
}

func IncConsoleReconnect(console string) {
	ConsoleReconnects.WithLabelValues(console).Inc()
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrSerialOpen, ErrSerialRead, ErrSerialWrite,
		ErrSSHDial, ErrSSHExec, ErrVNCDial, ErrVNCRefresh, ErrConfig,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
