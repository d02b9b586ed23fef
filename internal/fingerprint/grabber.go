package fingerprint

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"golang.org/x/sync/semaphore"
)

const maxBannerBytes = 2048

var httpPorts = map[int]bool{80: true, 8000: true, 8008: true, 8080: true, 8888: true}

// Grabber reads service banners from open TCP ports. At most the configured
// number of grabs run at once, independent of probe concurrency.
type Grabber struct {
	Timeout time.Duration
	Logger  *slog.Logger
	sem     *semaphore.Weighted
}

// NewGrabber creates a Grabber allowing limit concurrent grabs.
func NewGrabber(timeout time.Duration, limit int, logger *slog.Logger) *Grabber {
	if limit <= 0 {
		limit = 1
	}
	return &Grabber{
		Timeout: timeout,
		Logger:  logger.With(slog.String("component", "grabber")),
		sem:     semaphore.NewWeighted(int64(limit)),
	}
}

// Grab connects to ip:port and returns whatever the service sends first.
// HTTP ports are sent a HEAD request since they never speak first.
func (g *Grabber) Grab(ctx context.Context, ip string, port int) ([]byte, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire grab slot: %w", err)
	}
	defer g.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("dial for banner: %w", err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)

	if httpPorts[port] {
		req := fmt.Sprintf("HEAD / HTTP/1.0\r\nHost: %s\r\nUser-Agent: netprobe\r\n\r\n", ip)
		if _, err := io.WriteString(conn, req); err != nil {
			return nil, fmt.Errorf("write http probe: %w", err)
		}
	}

	buf := make([]byte, maxBannerBytes)
	n, err := conn.Read(buf)
	if n > 0 {
		g.Logger.Debug("Banner received", "ip", ip, "port", port, "bytes", n)
		return buf[:n], nil
	}
	if err != nil {
		return nil, fmt.Errorf("read banner: %w", err)
	}
	return nil, nil
}
