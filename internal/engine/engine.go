// Package engine schedules probes for a scan session across a bounded
// worker pool.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"netprobe/internal/fingerprint"
	"netprobe/internal/models"
	"netprobe/internal/parser"
	"netprobe/internal/pinger"
	"netprobe/internal/resolver"
	"netprobe/internal/scanner"
	"netprobe/internal/session"
)

// defaultGrabConcurrency caps banner grabs per scan.
const defaultGrabConcurrency = 10

// Resolver turns a target string into addresses.
type Resolver interface {
	Resolve(ctx context.Context, host string) (models.ResolvedTarget, error)
}

// ScannerFactory builds the probe strategy for a scan type.
type ScannerFactory func(scanType models.ScanType, opts scanner.Options, logger *slog.Logger) (scanner.Scanner, error)

// Engine starts and cancels scans. It holds no per-scan state; every scan
// lives in its own session.Session.
type Engine struct {
	Logger *slog.Logger
	// MaxPorts rejects specs expanding to more ports; zero means no limit.
	MaxPorts int
	// GrabConcurrency bounds concurrent banner grabs per scan.
	GrabConcurrency int

	resolver   Resolver
	newScanner ScannerFactory
	ping       func(ctx context.Context, host string, timeout time.Duration, logger *slog.Logger) bool
}

// New creates an Engine using the system resolver and real probes.
func New(logger *slog.Logger) *Engine {
	engineLogger := logger.With(slog.String("component", "engine"))
	return &Engine{
		Logger:          engineLogger,
		GrabConcurrency: defaultGrabConcurrency,
		resolver:        resolver.New(logger),
		newScanner:      scanner.New,
		ping:            pinger.IsReachable,
	}
}

// Validate checks cfg and expands its port spec without side effects.
func (e *Engine) Validate(cfg models.ScanConfig) (models.ScanConfig, []int, error) {
	cfg = cfg.WithDefaults()

	scanType, err := models.ParseScanType(string(cfg.ScanType))
	if err != nil {
		return cfg, nil, fmt.Errorf("%w: %v", models.ErrInvalidConfig, err)
	}
	cfg.ScanType = scanType

	if cfg.TimeoutMs <= 0 || cfg.TimeoutMs > models.MaxTimeoutMs {
		return cfg, nil, fmt.Errorf("%w: timeoutMs must be between 1 and %d, got %d", models.ErrInvalidConfig, models.MaxTimeoutMs, cfg.TimeoutMs)
	}
	if cfg.ResolveTimeoutMs < 0 || cfg.ResolveTimeoutMs > models.MaxTimeoutMs {
		return cfg, nil, fmt.Errorf("%w: resolveTimeoutMs must be between 0 and %d, got %d", models.ErrInvalidConfig, models.MaxTimeoutMs, cfg.ResolveTimeoutMs)
	}
	if cfg.Concurrency <= 0 {
		return cfg, nil, fmt.Errorf("%w: concurrency must be positive, got %d", models.ErrInvalidConfig, cfg.Concurrency)
	}
	if cfg.RatePerSecond < 0 {
		return cfg, nil, fmt.Errorf("%w: rate must not be negative", models.ErrInvalidConfig)
	}
	if cfg.NoResponse != models.StatusFiltered && cfg.NoResponse != models.StatusOpen {
		return cfg, nil, fmt.Errorf("%w: noResponse must be open or filtered, got %q", models.ErrInvalidConfig, cfg.NoResponse)
	}
	if err := resolver.Validate(cfg.Target); err != nil {
		return cfg, nil, err
	}

	ports, err := parser.ParsePorts(cfg.PortSpec)
	if err != nil {
		return cfg, nil, err
	}
	if e.MaxPorts > 0 && len(ports) > e.MaxPorts {
		return cfg, nil, fmt.Errorf("%w: %d ports requested, limit is %d", models.ErrInvalidPortSpec, len(ports), e.MaxPorts)
	}
	return cfg, ports, nil
}

// StartScan validates cfg synchronously and returns a running session.
// Invalid targets, port specs and configs fail here with nothing started.
// Each hook runs before any probe is sent, so subscriptions made there see
// every result. The scan outlives ctx's cancellation; stop it with CancelScan.
func (e *Engine) StartScan(ctx context.Context, cfg models.ScanConfig, hooks ...func(*session.Session)) (*session.Session, error) {
	cfg, ports, err := e.Validate(cfg)
	if err != nil {
		return nil, err
	}

	sess := session.New(cfg, ports)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess.Start(cancel)
	for _, hook := range hooks {
		hook(sess)
	}

	e.Logger.Info("Scan started.",
		"session_id", sess.ID,
		"target", cfg.Target,
		"scan_type", cfg.ScanType,
		"ports", len(ports),
		"concurrency", cfg.Concurrency,
	)
	go e.run(runCtx, sess, ports)
	return sess, nil
}

// CancelScan stops sess. It is a no-op on terminal sessions.
func (e *Engine) CancelScan(sess *session.Session) {
	if sess == nil {
		return
	}
	if !sess.Status().Terminal() {
		e.Logger.Info("Cancelling scan.", "session_id", sess.ID, "completed", sess.Summary().Completed())
	}
	sess.Cancel()
}

func (e *Engine) run(ctx context.Context, sess *session.Session, ports []int) {
	cfg := sess.Config
	runLogger := e.Logger.With(slog.String("session_id", sess.ID))
	start := time.Now()

	defer func() {
		sum := sess.Summary()
		runLogger.Info("Scan finished.",
			"status", sess.Status(),
			"open", sum.Open,
			"closed", sum.Closed,
			"filtered", sum.Filtered,
			"total", sum.Total,
			"duration", time.Since(start),
		)
	}()

	resolveCtx, cancelResolve := context.WithTimeout(ctx, cfg.ResolveTimeout())
	target, err := e.resolver.Resolve(resolveCtx, cfg.Target)
	cancelResolve()
	if err != nil {
		if ctx.Err() == nil {
			runLogger.Error("Target resolution failed.", "target", cfg.Target, "error", err)
			sess.Fail(err)
		}
		return
	}
	sess.SetTarget(target)

	ip, err := target.Primary(cfg.ScanType.RequiresRaw())
	if err != nil {
		runLogger.Error("No usable address for scan type.", "target", cfg.Target, "scan_type", cfg.ScanType, "error", err)
		sess.Fail(err)
		return
	}

	if cfg.Ping {
		sess.SetHostUp(e.ping(ctx, ip.String(), cfg.Timeout(), runLogger))
	}

	sc, err := e.newScanner(cfg.ScanType, scanner.Options{Timeout: cfg.Timeout(), NoResponse: cfg.NoResponse}, runLogger)
	if err != nil {
		runLogger.Error("Could not create scanner.", "scan_type", cfg.ScanType, "error", err)
		sess.Fail(err)
		return
	}

	var grabber *fingerprint.Grabber
	if cfg.GrabBanner && cfg.ScanType.IsTCP() {
		grabber = fingerprint.NewGrabber(cfg.Timeout(), e.GrabConcurrency, runLogger)
	}
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}

	w := &worker{
		sess:    sess,
		scanner: sc,
		grabber: grabber,
		limiter: limiter,
		ip:      ip,
	}

	tasks := make(chan int)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(tasks)
		for _, port := range ports {
			select {
			case tasks <- port:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	workers := min(cfg.Concurrency, len(ports))
	runLogger.Debug("Starting workers.", "workers", workers, "target_ip", ip.String())
	for i := 1; i <= workers; i++ {
		id := i
		g.Go(func() error {
			return w.run(gctx, id, runLogger, tasks)
		})
	}

	if err := g.Wait(); err != nil {
		runLogger.Error("Scan aborted.", "error", err, "completed", sess.Summary().Completed())
		sess.Fail(err)
		return
	}
	if !sess.Status().Terminal() {
		sum := sess.Summary()
		sess.Fail(fmt.Errorf("workers stopped with %d of %d ports recorded", sum.Completed(), sum.Total))
	}
}

type worker struct {
	sess    *session.Session
	scanner scanner.Scanner
	grabber *fingerprint.Grabber
	limiter *rate.Limiter
	ip      net.IP
}

// run pulls ports until the queue drains or ctx ends. Only scan-fatal probe
// errors are returned.
func (w *worker) run(ctx context.Context, id int, parentLogger *slog.Logger, tasks <-chan int) error {
	workerLogger := parentLogger.With(slog.Int("worker_id", id))
	workerLogger.Debug("Worker started.")

	for {
		select {
		case port, ok := <-tasks:
			if !ok {
				workerLogger.Debug("Task channel closed. Shutting down.")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			if w.limiter != nil {
				if err := w.limiter.Wait(ctx); err != nil {
					return nil
				}
			}

			w.sess.SetCurrentPort(port)
			target := models.ScanTarget{IP: w.ip.String(), Port: port}
			result := w.scanner.Scan(ctx, target)
			if result.Err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("probe %s: %w", target.Address(), result.Err)
			}
			workerLogger.Debug("Scan result status", "port", port, "status", result.Status, "latency_ms", result.Latency.Seconds()*1000)

			w.sess.Record(w.describe(ctx, result))
		case <-ctx.Done():
			workerLogger.Debug("Shutdown signal received. Exiting.")
			return nil
		}
	}
}

// describe fingerprints a probe result into the recorded form.
func (w *worker) describe(ctx context.Context, r models.ScanResult) models.PortResult {
	pr := models.PortResult{
		Port:      r.Target.Port,
		Status:    r.Status,
		ProbedAt:  r.Timestamp,
		LatencyMs: float64(r.Latency.Microseconds()) / 1000,
	}
	if r.Status != models.StatusOpen {
		pr.Service = fingerprint.ServiceName(pr.Port)
		return pr
	}

	banner := r.Banner
	if len(banner) == 0 && w.grabber != nil {
		if b, err := w.grabber.Grab(ctx, r.Target.IP, r.Target.Port); err == nil {
			banner = b
		}
	}
	pr.Service, pr.Version = fingerprint.Identify(pr.Port, banner)
	return pr
}
