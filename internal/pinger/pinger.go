package pinger

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-ping/ping"
)

// pingHostFunc is a package-level variable that defaults to the actual Ping function.
var pingHostFunc = Ping

// defaultPingTimeout applies when ctx carries no deadline.
const defaultPingTimeout = 2 * time.Second

// IsReachable pings host once within timeout. The outcome is advisory: a
// host that drops ICMP can still have open ports.
func IsReachable(ctx context.Context, host string, timeout time.Duration, parentLogger *slog.Logger) bool {
	pingerLogger := parentLogger.With(slog.String("component", "pinger"))

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	up := pingHostFunc(pingCtx, host)
	if up {
		pingerLogger.Debug("Host is reachable.", "host", host, "rtt", time.Since(start))
	} else {
		pingerLogger.Info("Host did not answer ping; scanning anyway.", "host", host, "timeout", timeout)
	}
	return up
}

// Ping returns true if host answers a single echo request before ctx ends.
// It tries an unprivileged UDP ICMP socket first and falls back to a raw
// one.
func Ping(ctx context.Context, hostOrIP string) bool {
	for _, privileged := range []bool{false, true} {
		up, err := pingOnce(ctx, hostOrIP, privileged)
		if err == nil {
			return up
		}
		if ctx.Err() != nil {
			return false
		}
	}
	return false
}

func pingOnce(ctx context.Context, host string, privileged bool) (bool, error) {
	p, err := ping.NewPinger(host)
	if err != nil {
		return false, err
	}
	p.Count = 1
	p.SetPrivileged(privileged)
	p.Timeout = defaultPingTimeout
	if deadline, ok := ctx.Deadline(); ok {
		p.Timeout = time.Until(deadline)
	}
	if p.Timeout <= 0 {
		return false, ctx.Err()
	}

	stop := context.AfterFunc(ctx, p.Stop)
	defer stop()

	if err := p.Run(); err != nil {
		return false, err
	}
	return p.Statistics().PacketsRecv > 0, nil
}
