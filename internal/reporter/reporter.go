package reporter

import (
	"context"
	"encoding/csv"
	"log/slog"
	"os"
	"sync"

	"netprobe/internal/models"
	"netprobe/internal/session"
)

func csvHeader() []string { return models.CSVHeader() }

// Reporter streams results into a CSV file as ports complete, in completion
// order. The final sorted export is written separately.
type Reporter struct {
	ctx        context.Context
	wg         *sync.WaitGroup
	events     <-chan session.Event
	outputFile string
	logger     *slog.Logger
	written    int
}

// New creates a new Reporter instance.
func New(ctx context.Context, wg *sync.WaitGroup, events <-chan session.Event, outputFile string, logger *slog.Logger) *Reporter {
	return &Reporter{ctx: ctx, wg: wg, events: events, outputFile: outputFile, logger: logger}
}

// Written returns how many rows Run wrote. Read it after Run returns.
func (r *Reporter) Written() int { return r.written }

// Run listens for session events and appends each result to the CSV. It
// returns when the subscription closes; on ctx cancellation it drains what
// is already queued first.
func (r *Reporter) Run() {
	defer r.wg.Done()
	reporterLogger := r.logger.With(slog.String("component", "reporter"))

	file, err := os.Create(r.outputFile)
	if err != nil {
		reporterLogger.Error("Failed to create output file.", "file", r.outputFile, "error", err)
		for range r.events {
		}
		return
	}
	defer file.Close()
	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write(csvHeader()); err != nil {
		reporterLogger.Error("Failed to write CSV header.", "error", err)
		for range r.events {
		}
		return
	}
	reporterLogger.Info("Started.", "file", r.outputFile)

	for {
		select {
		case ev, ok := <-r.events:
			if !ok {
				reporterLogger.Info("Results channel closed. Shutting down.", "rows", r.written)
				return
			}
			r.write(writer, ev, reporterLogger)
		case <-r.ctx.Done():
			reporterLogger.Info("Shutdown signal received. Draining remaining results...")
			for ev := range r.events {
				r.write(writer, ev, reporterLogger)
			}
			return
		}
	}
}

func (r *Reporter) write(writer *csv.Writer, ev session.Event, logger *slog.Logger) {
	if ev.Kind != session.EventResult || ev.Result == nil {
		return
	}
	if err := writer.Write(ev.Result.ToCSVRow()); err != nil {
		logger.Error("Failed to write record.", "port", ev.Result.Port, "error", err)
		return
	}
	r.written++
	writer.Flush()
}
