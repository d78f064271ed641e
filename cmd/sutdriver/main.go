package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/kstaniek/go-sut-driver/internal/driver"
	"github.com/kstaniek/go-sut-driver/internal/metrics"
)

// version, commit, and date are set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usageAndExit()
	}
	verb := os.Args[1]
	rest := os.Args[2:]

	var code int
	switch verb {
	case "run":
		code = runVerb(rest)
	case "vnc-do":
		code = vncDoVerb(rest)
	case "record":
		code = recordVerb(rest)
	case "-h", "--help", "help":
		usageAndExit()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		usageAndExit()
	}
	os.Exit(code)
}

func usageAndExit() {
	fmt.Fprintln(os.Stderr, "usage: sutdriver {run|vnc-do|record} [flags]")
	os.Exit(1)
}

// bootstrap takes the already-parsed flags, sets up logging/metrics, loads
// the TOML config into a fresh Service, and starts its Server tick loop.
// Callers get back the running Server plus a cleanup func.
func bootstrap(cfg *appConfig) (*driver.Server, func(), error) {
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	raw, err := os.ReadFile(cfg.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read config: %w", err)
	}

	svc := driver.NewService()
	if resp := svc.HandleReq(driver.SetConfigReq{TOML: string(raw)}); isFailure(resp) {
		if errRes, ok := resp.(driver.ErrorRes); ok {
			return nil, nil, fmt.Errorf("set_config: %s", errRes.Err.Error())
		}
	}

	srv := driver.NewServer(svc, driver.WithLogger(l))
	go srv.Run()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	var metricsSrv interface{ Shutdown(context.Context) error }
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		metricsSrv = metrics.StartHTTP(cfg.metricsAddr)
	}

	var mdnsCleanup func()
	if cfg.mdnsEnable && cfg.metricsAddr != "" {
		_, portStr, splitErr := net.SplitHostPort(cfg.metricsAddr)
		port := 0
		if splitErr == nil {
			if p, perr := strconv.Atoi(portStr); perr == nil {
				port = p
			}
		}
		cleanup, mErr := startMDNS(ctx, cfg, port)
		if mErr != nil {
			l.Warn("mdns_start_failed", "error", mErr)
		} else {
			mdnsCleanup = cleanup
		}
	}

	cleanup := func() {
		if mdnsCleanup != nil {
			mdnsCleanup()
		}
		cancel()
		wg.Wait()
		srv.Stop()
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(context.Background())
		}
	}
	return srv, cleanup, nil
}

// runVerb implements `sutdriver run --config cfg.toml --script script.jsonl`.
func runVerb(args []string) int {
	cfg, show, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if show {
		fmt.Printf("sutdriver %s (commit %s, built %s)\n", version, commit, date)
		return 0
	}
	if cfg.scriptPath == "" {
		fmt.Fprintln(os.Stderr, "--script is required for run")
		return 1
	}

	srv, cleanup, err := bootstrap(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cleanup()

	f, err := os.Open(cfg.scriptPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open script:", err)
		return 1
	}
	defer f.Close()

	exitCode := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		resp := executeLine(srv, line)
		out, encErr := encodeResponse(resp)
		if encErr != nil {
			fmt.Fprintln(os.Stderr, "encode response:", encErr)
			exitCode = 1
			continue
		}
		fmt.Println(string(out))
		if isFailure(resp) {
			exitCode = 1
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "read script:", err)
		return 1
	}
	return exitCode
}

func executeLine(srv *driver.Server, line string) driver.Response {
	var env requestEnvelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return driver.ErrorRes{Err: &driver.DriverError{Kind: driver.KindProtocol, Msg: fmt.Sprintf("decode request: %v", err)}}
	}
	req, err := env.toRequest()
	if err != nil {
		return driver.ErrorRes{Err: &driver.DriverError{Kind: driver.KindProtocol, Msg: err.Error()}}
	}
	reply := make(chan driver.Response, 1)
	srv.Inbox() <- driver.Call{Req: req, Reply: reply}
	return <-reply
}

// vncDoVerb implements `sutdriver vnc-do --config cfg.toml {move x y|click|rclick}`.
func vncDoVerb(args []string) int {
	cfg, show, action, err := parseFlagsRest(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if show {
		fmt.Printf("sutdriver %s (commit %s, built %s)\n", version, commit, date)
		return 0
	}
	if len(action) == 0 {
		fmt.Fprintln(os.Stderr, "usage: sutdriver vnc-do --config cfg.toml {move x y|click|rclick}")
		return 1
	}

	srv, cleanup, err := bootstrap(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cleanup()

	op, err := parseVNCDoAction(action)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	defer signal.Stop(sigCh)

	reply := make(chan driver.Response, 1)
	go func() { srv.Inbox() <- driver.Call{Req: driver.VNCReq{Op: op}, Reply: reply} }()

	select {
	case <-sigCh:
		return 2
	case resp := <-reply:
		if isFailure(resp) {
			return 1
		}
		return 0
	}
}

func parseVNCDoAction(action []string) (driver.VNCOp, error) {
	switch action[0] {
	case "move":
		if len(action) != 3 {
			return nil, fmt.Errorf("move requires x y")
		}
		x, err := parseIntArg(action[1])
		if err != nil {
			return nil, err
		}
		y, err := parseIntArg(action[2])
		if err != nil {
			return nil, err
		}
		return driver.VNCMouseMove{X: x, Y: y}, nil
	case "click":
		return driver.VNCMouseClick{ButtonMask: 1}, nil
	case "rclick":
		return driver.VNCMouseClick{ButtonMask: 4}, nil
	default:
		return nil, fmt.Errorf("unknown vnc-do action %q", action[0])
	}
}

// recordVerb is a documented Non-goal stub: interactive record-mode is a
// ScriptHost/TUI collaborator, not part of this driver.
func recordVerb(_ []string) int {
	fmt.Fprintln(os.Stderr, "record mode is a collaborator, not implemented in this build")
	return 1
}
