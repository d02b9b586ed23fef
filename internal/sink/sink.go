// Package sink forwards scan results from a session subscription to external
// stores as they are recorded.
package sink

import (
	"context"
	"log/slog"
	"time"

	"netprobe/internal/models"
	"netprobe/internal/session"
)

// Record is one port result with the scan it belongs to.
type Record struct {
	SessionID string
	Target    string
	IP        string
	ScanType  models.ScanType
	Result    models.PortResult
}

// Writer persists records. Implementations must be safe for use by a single
// Run goroutine; they need not be safe for concurrent use.
type Writer interface {
	Write(ctx context.Context, rec Record) error
}

// writeTimeout bounds a single Write once ctx has been cancelled.
const writeTimeout = 5 * time.Second

// Run drains events into w and returns the number of records written. It
// returns when events closes. After ctx is cancelled the queued results are
// still written, each under its own short deadline.
func Run(ctx context.Context, sess *session.Session, events <-chan session.Event, w Writer, logger *slog.Logger) int {
	sinkLogger := logger.With(slog.String("component", "sink"), slog.String("session_id", sess.ID))
	sinkLogger.Info("Started.")

	written, failed := 0, 0
	for ev := range events {
		if ev.Kind != session.EventResult || ev.Result == nil {
			continue
		}
		rec := newRecord(sess, *ev.Result)
		if err := write(ctx, w, rec); err != nil {
			failed++
			sinkLogger.Error("Failed to write result.", "port", rec.Result.Port, "error", err)
			continue
		}
		written++
	}
	sinkLogger.Info("Results channel closed. Shutting down.", "written", written, "failed", failed)
	return written
}

func write(ctx context.Context, w Writer, rec Record) error {
	if ctx.Err() == nil {
		return w.Write(ctx, rec)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return w.Write(ctx, rec)
}

func newRecord(sess *session.Session, r models.PortResult) Record {
	rec := Record{
		SessionID: sess.ID,
		Target:    sess.Config.Target,
		ScanType:  sess.Config.ScanType,
		Result:    r,
	}
	if addrs := sess.Target().Strings(); len(addrs) > 0 {
		rec.IP = addrs[0]
	}
	return rec
}
