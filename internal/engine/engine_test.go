package engine

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"netprobe/internal/models"
	"netprobe/internal/scanner"
	"netprobe/internal/session"
	"netprobe/internal/testutils"
)

type staticResolver struct {
	addrs []net.IP
	err   error
	calls atomic.Int32
}

func (r *staticResolver) Resolve(ctx context.Context, host string) (models.ResolvedTarget, error) {
	r.calls.Add(1)
	if r.err != nil {
		return models.ResolvedTarget{}, r.err
	}
	return models.ResolvedTarget{Host: host, Addresses: r.addrs}, nil
}

// MockScanner simulates a Scanner and tracks how many probes run at once.
type MockScanner struct {
	ScanFunc func(ctx context.Context, target models.ScanTarget) models.ScanResult

	inFlight atomic.Int32
	maxSeen  atomic.Int32
	calls    atomic.Int32
}

func (m *MockScanner) Scan(ctx context.Context, target models.ScanTarget) models.ScanResult {
	m.calls.Add(1)
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		seen := m.maxSeen.Load()
		if n <= seen || m.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if m.ScanFunc != nil {
		return m.ScanFunc(ctx, target)
	}
	return models.ScanResult{Timestamp: time.Now(), Target: target, Status: models.StatusOpen, Latency: time.Millisecond}
}

func newTestEngine(t *testing.T, sc scanner.Scanner) (*Engine, *testutils.LogBuffer) {
	t.Helper()
	logger, logBuf := testutils.SetupTestLogger()
	e := New(logger)
	e.resolver = &staticResolver{addrs: []net.IP{net.ParseIP("127.0.0.1")}}
	e.newScanner = func(models.ScanType, scanner.Options, *slog.Logger) (scanner.Scanner, error) { return sc, nil }
	e.ping = func(context.Context, string, time.Duration, *slog.Logger) bool { return true }
	return e, logBuf
}

func baseConfig(ports string) models.ScanConfig {
	return models.ScanConfig{Target: "127.0.0.1", PortSpec: ports, ScanType: models.ScanTCP, TimeoutMs: 200, Concurrency: 4}
}

func wait(t *testing.T, s *session.Session) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("session %s did not finish, status %s", s.ID, s.Status())
	}
	return err
}

func TestStartScan_Validation(t *testing.T) {
	e, _ := newTestEngine(t, &MockScanner{})
	e.MaxPorts = 100

	tests := []struct {
		name    string
		mutate  func(*models.ScanConfig)
		wantErr error
	}{
		{"empty target", func(c *models.ScanConfig) { c.Target = "" }, models.ErrInvalidTarget},
		{"bad target chars", func(c *models.ScanConfig) { c.Target = "host;rm" }, models.ErrInvalidTarget},
		{"bad port spec", func(c *models.ScanConfig) { c.PortSpec = "80,,443" }, models.ErrInvalidPortSpec},
		{"reversed range", func(c *models.ScanConfig) { c.PortSpec = "100-50" }, models.ErrInvalidPortSpec},
		{"too many ports", func(c *models.ScanConfig) { c.PortSpec = "1-101" }, models.ErrInvalidPortSpec},
		{"zero timeout", func(c *models.ScanConfig) { c.TimeoutMs = 0 }, models.ErrInvalidConfig},
		{"overflowing timeout", func(c *models.ScanConfig) { c.TimeoutMs = math.MaxInt }, models.ErrInvalidConfig},
		{"timeout above cap", func(c *models.ScanConfig) { c.TimeoutMs = models.MaxTimeoutMs + 1 }, models.ErrInvalidConfig},
		{"overflowing resolve timeout", func(c *models.ScanConfig) { c.ResolveTimeoutMs = math.MaxInt }, models.ErrInvalidConfig},
		{"negative resolve timeout", func(c *models.ScanConfig) { c.ResolveTimeoutMs = -1 }, models.ErrInvalidConfig},
		{"negative concurrency", func(c *models.ScanConfig) { c.Concurrency = -1 }, models.ErrInvalidConfig},
		{"unknown scan type", func(c *models.ScanConfig) { c.ScanType = "ack" }, models.ErrInvalidConfig},
		{"bad ambiguity policy", func(c *models.ScanConfig) { c.NoResponse = models.StatusClosed }, models.ErrInvalidConfig},
		{"negative rate", func(c *models.ScanConfig) { c.RatePerSecond = -1 }, models.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig("1-10")
			tt.mutate(&cfg)
			s, err := e.StartScan(context.Background(), cfg)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("StartScan err = %v, want %v", err, tt.wantErr)
			}
			if s != nil {
				t.Fatal("session returned alongside validation error")
			}
		})
	}
	if n := e.resolver.(*staticResolver).calls.Load(); n != 0 {
		t.Errorf("resolver called %d times for invalid configs", n)
	}
}

func TestValidate_Defaults(t *testing.T) {
	e, _ := newTestEngine(t, &MockScanner{})
	cfg, ports, err := e.Validate(models.ScanConfig{Target: "localhost", PortSpec: "1-3,80", TimeoutMs: 100, ScanType: "connect"})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Concurrency != models.DefaultConcurrency || cfg.ScanType != models.ScanTCP || cfg.NoResponse != models.StatusFiltered {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if len(ports) != 4 || ports[3] != 80 {
		t.Errorf("ports = %v", ports)
	}
}

func TestStartScan_Completes(t *testing.T) {
	mock := &MockScanner{ScanFunc: func(ctx context.Context, target models.ScanTarget) models.ScanResult {
		status := models.StatusClosed
		switch {
		case target.Port == 22:
			status = models.StatusOpen
		case target.Port%2 == 0:
			status = models.StatusFiltered
		}
		return models.ScanResult{Timestamp: time.Now(), Target: target, Status: status, Latency: 2 * time.Millisecond}
	}}
	e, logBuf := newTestEngine(t, mock)

	s, err := e.StartScan(context.Background(), baseConfig("20-25"))
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	if err := wait(t, s); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if s.Status() != session.StatusCompleted || s.Progress() != 100 {
		t.Fatalf("status=%s progress=%v", s.Status(), s.Progress())
	}
	sum := s.Summary()
	if sum.Open != 1 || sum.Filtered != 2 || sum.Closed != 3 || sum.Open+sum.Closed+sum.Filtered != sum.Total {
		t.Errorf("summary = %+v", sum)
	}
	results := s.SortedResults()
	for i, r := range results {
		if r.Port != 20+i {
			t.Fatalf("sorted results out of order: %+v", results)
		}
	}
	if results[2].Service != "SSH" || results[5].Service != "SMTP" {
		t.Errorf("services not resolved: %+v", results)
	}
	if got := mock.calls.Load(); got != 6 {
		t.Errorf("scanner called %d times, want 6", got)
	}
	if addrs := s.Snapshot().Addresses; len(addrs) != 1 || addrs[0] != "127.0.0.1" {
		t.Errorf("resolved addresses not exposed: %v", addrs)
	}
	for _, want := range []string{"Scan started.", "Worker started."} {
		if !strings.Contains(logBuf.String(), want) {
			t.Errorf("expected %q in logs", want)
		}
	}
}

func TestStartScan_HookSubscriberSeesEveryResult(t *testing.T) {
	e, _ := newTestEngine(t, &MockScanner{})

	var events <-chan session.Event
	s, err := e.StartScan(context.Background(), baseConfig("1-50"), func(s *session.Session) {
		events = s.Subscribe()
	})
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}

	seen := map[int]bool{}
	var last session.Event
	for ev := range events {
		if ev.Kind == session.EventResult {
			seen[ev.Result.Port] = true
		}
		last = ev
	}
	if len(seen) != 50 {
		t.Errorf("subscriber saw %d results, want 50", len(seen))
	}
	if last.Kind != session.EventStatus || last.Status != session.StatusCompleted {
		t.Errorf("last event = %+v, want completed status", last)
	}
	_ = wait(t, s)
}

func TestStartScan_ConcurrencyBound(t *testing.T) {
	mock := &MockScanner{ScanFunc: func(ctx context.Context, target models.ScanTarget) models.ScanResult {
		time.Sleep(3 * time.Millisecond)
		return models.ScanResult{Timestamp: time.Now(), Target: target, Status: models.StatusClosed}
	}}
	e, _ := newTestEngine(t, mock)

	cfg := baseConfig("1-120")
	cfg.Concurrency = 5
	s, err := e.StartScan(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	if err := wait(t, s); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if max := mock.maxSeen.Load(); max > 5 {
		t.Errorf("observed %d probes in flight, limit is 5", max)
	}
	if max := mock.maxSeen.Load(); max < 2 {
		t.Errorf("probes never overlapped (max %d)", max)
	}
	if mock.calls.Load() != 120 {
		t.Errorf("calls = %d, want 120", mock.calls.Load())
	}
}

func TestStartScan_ProgressMonotonic(t *testing.T) {
	mock := &MockScanner{ScanFunc: func(ctx context.Context, target models.ScanTarget) models.ScanResult {
		time.Sleep(time.Duration(target.Port%3) * time.Millisecond)
		return models.ScanResult{Timestamp: time.Now(), Target: target, Status: models.StatusOpen}
	}}
	e, _ := newTestEngine(t, mock)
	e.resolver = &slowResolver{delay: 20 * time.Millisecond}

	s, err := e.StartScan(context.Background(), baseConfig("1-40"))
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	events := s.Subscribe()

	var last float64
	var results int
	var final session.Event
	for ev := range events {
		if ev.Progress < last {
			t.Fatalf("progress decreased %v -> %v", last, ev.Progress)
		}
		if ev.Progress == 100 && ev.Completed != ev.Total {
			t.Fatalf("100%% reported at %d/%d", ev.Completed, ev.Total)
		}
		last = ev.Progress
		if ev.Kind == session.EventResult {
			results++
		}
		final = ev
	}
	if results != 40 || final.Status != session.StatusCompleted || final.Progress != 100 {
		t.Errorf("results=%d final=%+v", results, final)
	}
}

type slowResolver struct{ delay time.Duration }

func (r *slowResolver) Resolve(ctx context.Context, host string) (models.ResolvedTarget, error) {
	select {
	case <-time.After(r.delay):
	case <-ctx.Done():
		return models.ResolvedTarget{}, models.ErrResolutionTimeout
	}
	return models.ResolvedTarget{Host: host, Addresses: []net.IP{net.ParseIP("127.0.0.1")}}, nil
}

func TestCancelScan(t *testing.T) {
	var started atomic.Int32
	mock := &MockScanner{ScanFunc: func(ctx context.Context, target models.ScanTarget) models.ScanResult {
		started.Add(1)
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
		}
		return models.ScanResult{Timestamp: time.Now(), Target: target, Status: models.StatusFiltered}
	}}
	e, _ := newTestEngine(t, mock)

	cfg := baseConfig("1-1000")
	cfg.Concurrency = 4
	s, err := e.StartScan(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Summary().Completed() < 8 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	e.CancelScan(s)
	e.CancelScan(s)

	if err := wait(t, s); !errors.Is(err, models.ErrScanCancelled) {
		t.Fatalf("Wait = %v, want ErrScanCancelled", err)
	}
	count := len(s.Results())
	time.Sleep(50 * time.Millisecond)

	if s.Status() != session.StatusCancelled {
		t.Errorf("status = %s", s.Status())
	}
	if after := len(s.Results()); after != count {
		t.Errorf("results appended after cancel: %d -> %d", count, after)
	}
	sum := s.Summary()
	if sum.Completed() != count || count >= 1000 {
		t.Errorf("summary %+v inconsistent with %d results", sum, count)
	}
	if s.Progress() == 100 {
		t.Error("cancelled scan reports 100% progress")
	}
	if n := int(started.Load()); n > count+cfg.Concurrency+1 {
		t.Errorf("%d probes started after cancellation with %d recorded", n, count)
	}
	if len(s.Remaining())+count != 1000 {
		t.Errorf("remaining %d + recorded %d != 1000", len(s.Remaining()), count)
	}
}

func TestCancelScan_OutlivesCallerContext(t *testing.T) {
	mock := &MockScanner{ScanFunc: func(ctx context.Context, target models.ScanTarget) models.ScanResult {
		time.Sleep(5 * time.Millisecond)
		return models.ScanResult{Timestamp: time.Now(), Target: target, Status: models.StatusOpen}
	}}
	e, _ := newTestEngine(t, mock)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := e.StartScan(ctx, baseConfig("1-10"))
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	cancel()
	if err := wait(t, s); err != nil || s.Status() != session.StatusCompleted {
		t.Fatalf("scan stopped with its request context: %v %s", err, s.Status())
	}
}

func TestStartScan_PrivilegeFailureKeepsPartialResults(t *testing.T) {
	var probes atomic.Int32
	mock := &MockScanner{ScanFunc: func(ctx context.Context, target models.ScanTarget) models.ScanResult {
		if probes.Add(1) > 3 {
			return models.ScanResult{Target: target, Err: models.ErrInsufficientPrivilege}
		}
		return models.ScanResult{Timestamp: time.Now(), Target: target, Status: models.StatusOpen}
	}}
	e, _ := newTestEngine(t, mock)

	cfg := baseConfig("1-50")
	cfg.Concurrency = 1
	s, err := e.StartScan(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	if err := wait(t, s); !errors.Is(err, models.ErrInsufficientPrivilege) {
		t.Fatalf("Wait = %v, want ErrInsufficientPrivilege", err)
	}
	if s.Status() != session.StatusFailed {
		t.Errorf("status = %s", s.Status())
	}
	if n := len(s.Results()); n != 3 {
		t.Errorf("partial results = %d, want 3", n)
	}
}

func TestStartScan_FatalSetupErrors(t *testing.T) {
	t.Run("resolution timeout", func(t *testing.T) {
		e, _ := newTestEngine(t, &MockScanner{})
		e.resolver = &staticResolver{err: models.ErrResolutionTimeout}
		s, err := e.StartScan(context.Background(), baseConfig("80"))
		if err != nil {
			t.Fatalf("StartScan: %v", err)
		}
		if err := wait(t, s); !errors.Is(err, models.ErrResolutionTimeout) || s.Status() != session.StatusFailed {
			t.Fatalf("Wait = %v, status %s", err, s.Status())
		}
	})

	t.Run("scanner privilege", func(t *testing.T) {
		e, _ := newTestEngine(t, &MockScanner{})
		e.newScanner = func(models.ScanType, scanner.Options, *slog.Logger) (scanner.Scanner, error) {
			return nil, models.ErrInsufficientPrivilege
		}
		cfg := baseConfig("80")
		cfg.ScanType = models.ScanSYN
		s, err := e.StartScan(context.Background(), cfg)
		if err != nil {
			t.Fatalf("StartScan: %v", err)
		}
		if err := wait(t, s); !errors.Is(err, models.ErrInsufficientPrivilege) {
			t.Fatalf("Wait = %v", err)
		}
		if len(s.Results()) != 0 {
			t.Error("results recorded without a scanner")
		}
	})

	t.Run("raw scan of IPv6-only target", func(t *testing.T) {
		e, _ := newTestEngine(t, &MockScanner{})
		e.resolver = &staticResolver{addrs: []net.IP{net.ParseIP("2001:db8::1")}}
		cfg := baseConfig("80")
		cfg.ScanType = models.ScanFIN
		s, err := e.StartScan(context.Background(), cfg)
		if err != nil {
			t.Fatalf("StartScan: %v", err)
		}
		if err := wait(t, s); !errors.Is(err, models.ErrInvalidTarget) {
			t.Fatalf("Wait = %v, want ErrInvalidTarget", err)
		}
	})
}

func TestStartScan_PingRecordsHostState(t *testing.T) {
	e, _ := newTestEngine(t, &MockScanner{})
	var pinged string
	e.ping = func(ctx context.Context, host string, timeout time.Duration, logger *slog.Logger) bool {
		pinged = host
		return false
	}
	cfg := baseConfig("1-3")
	cfg.Ping = true
	s, err := e.StartScan(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	if err := wait(t, s); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	snap := s.Snapshot()
	if pinged != "127.0.0.1" || snap.HostUp == nil || *snap.HostUp {
		t.Errorf("pinged=%q hostUp=%v", pinged, snap.HostUp)
	}
	if snap.Summary.Completed() != 3 {
		t.Error("unreachable ping must not skip the scan")
	}
}

func TestStartScan_RateLimit(t *testing.T) {
	e, _ := newTestEngine(t, &MockScanner{})
	cfg := baseConfig("1-6")
	cfg.RatePerSecond = 100
	start := time.Now()
	s, err := e.StartScan(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	if err := wait(t, s); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("6 probes at 100/s finished in %v", elapsed)
	}
}

func TestStartScan_ConnectLoopback(t *testing.T) {
	logger, _ := testutils.SetupTestLogger()
	e := New(logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Write([]byte("SSH-2.0-TestServer_1.0\r\n"))
			c.Close()
		}
	}()
	openPort := ln.Addr().(*net.TCPAddr).Port

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	closedPort := closed.Addr().(*net.TCPAddr).Port
	closed.Close()

	cfg := models.ScanConfig{
		Target:     "127.0.0.1",
		PortSpec:   strconv.Itoa(openPort) + "," + strconv.Itoa(closedPort),
		ScanType:   models.ScanTCP,
		TimeoutMs:  500,
		GrabBanner: true,
	}
	s, err := e.StartScan(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	if err := wait(t, s); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	byPort := map[int]models.PortResult{}
	for _, r := range s.Results() {
		byPort[r.Port] = r
	}
	if r := byPort[openPort]; r.Status != models.StatusOpen || r.Service != "SSH" || r.Version != "TestServer_1.0" {
		t.Errorf("open port result = %+v", r)
	}
	if r := byPort[closedPort]; r.Status != models.StatusClosed || r.Version != "" {
		t.Errorf("closed port result = %+v", r)
	}
}
