package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"
	"time"

	"netprobe/internal/models"
	"netprobe/pkg/utils"
)

// Scanner probes a single port. Implementations must return within their
// timeout and release every socket they open.
type Scanner interface {
	Scan(ctx context.Context, target models.ScanTarget) models.ScanResult
}

// Options configure every probe strategy.
type Options struct {
	Timeout time.Duration
	// NoResponse is the status reported when FIN, XMAS or UDP probes hear
	// nothing back. Empty means filtered.
	NoResponse models.PortStatus
}

// rawPrivilegeFunc is swapped in tests.
var rawPrivilegeFunc = utils.RequireRawPrivilege

// dialContext opens the connect-scan socket; swapped in tests.
var dialContext = func(ctx context.Context, d *net.Dialer, network, address string) (net.Conn, error) {
	return d.DialContext(ctx, network, address)
}

// New builds the scanner for scanType. Raw scan types fail with
// ErrInsufficientPrivilege when the process cannot open raw sockets.
func New(scanType models.ScanType, opts Options, logger *slog.Logger) (Scanner, error) {
	if opts.Timeout <= 0 {
		return nil, fmt.Errorf("probe timeout must be positive, got %v", opts.Timeout)
	}
	if opts.NoResponse == "" {
		opts.NoResponse = models.StatusFiltered
	}
	if scanType.RequiresRaw() {
		if err := rawPrivilegeFunc(); err != nil {
			return nil, err
		}
	}

	switch scanType {
	case models.ScanTCP:
		return NewConnectScanner(opts.Timeout, logger), nil
	case models.ScanUDP:
		return NewUDPScanner(opts.Timeout, opts.NoResponse, logger), nil
	case models.ScanSYN:
		return NewRawScanner(ModeSYN, opts.Timeout, models.StatusFiltered, logger), nil
	case models.ScanFIN:
		return NewRawScanner(ModeFIN, opts.Timeout, opts.NoResponse, logger), nil
	case models.ScanXMAS:
		return NewRawScanner(ModeXMAS, opts.Timeout, opts.NoResponse, logger), nil
	}
	return nil, fmt.Errorf("unsupported scan type %q", scanType)
}

// ConnectScanner implements a full TCP three-way handshake scan.
type ConnectScanner struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewConnectScanner creates a new instance of a ConnectScanner.
func NewConnectScanner(timeout time.Duration, logger *slog.Logger) *ConnectScanner {
	return &ConnectScanner{Timeout: timeout, Logger: logger}
}

// Scan performs a TCP connect scan on a single target.
func (s *ConnectScanner) Scan(ctx context.Context, target models.ScanTarget) models.ScanResult {
	startTime := time.Now()
	address := target.Address()

	s.Logger.Debug("Attempting to dial target",
		"scanner", "ConnectScanner",
		"target_ip", target.IP,
		"target_port", target.Port,
		"timeout", s.Timeout,
	)

	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	// Port 0 lets the OS choose an ephemeral source port.
	dialer := net.Dialer{LocalAddr: &net.TCPAddr{Port: 0}}
	if ip := net.ParseIP(target.IP); ip != nil && ip.To4() == nil {
		dialer.LocalAddr = nil
	}
	conn, err := dialContext(ctx, &dialer, "tcp", address)
	latency := time.Since(startTime)

	result := models.ScanResult{
		Timestamp: startTime,
		Target:    target,
		Latency:   latency,
	}

	if err != nil {
		result.Status = classifyDialError(err)
		s.Logger.Debug("Failed to dial target",
			"scanner", "ConnectScanner",
			"target_ip", target.IP,
			"target_port", target.Port,
			"status", result.Status,
			"error", err,
			"latency_ms", latency.Seconds()*1000,
		)
		return result
	}
	defer conn.Close()

	result.Status = models.StatusOpen
	if localAddr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		s.Logger.Debug("Successfully dialed target",
			"scanner", "ConnectScanner",
			"source_ip", localAddr.IP.String(),
			"source_port", localAddr.Port,
			"target_ip", target.IP,
			"target_port", target.Port,
			"latency_ms", latency.Seconds()*1000,
		)
	}
	return result
}

// classifyDialError maps a failed dial to a port status. An active refusal
// (RST or ICMP port unreachable) is closed; timeouts, unreachable networks
// and anything else are filtered.
func classifyDialError(err error) models.PortStatus {
	if isConnRefused(err) {
		return models.StatusClosed
	}
	return models.StatusFiltered
}

func isConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// probeDeadline is the earlier of now+timeout and the context deadline.
func probeDeadline(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}
