// Package session holds the state of one scan: its lifecycle, the
// append-only result set, progress and the observers streaming it.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"netprobe/internal/models"
)

// Status is the lifecycle state of a scan.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Session is the handle returned when a scan starts. All methods are safe
// for concurrent use.
type Session struct {
	ID        string
	Config    models.ScanConfig
	Ports     []int
	CreatedAt time.Time

	mu          sync.Mutex
	status      Status
	err         error
	results     []models.PortResult
	recorded    map[int]bool
	summary     models.Summary
	currentPort int
	target      models.ResolvedTarget
	hostUp      *bool
	startedAt   time.Time
	endedAt     time.Time
	stop        context.CancelFunc
	observers   []*observer
	done        chan struct{}
}

// New creates an Idle session for ports.
func New(cfg models.ScanConfig, ports []int) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Config:    cfg,
		Ports:     append([]int(nil), ports...),
		CreatedAt: time.Now(),
		status:    StatusIdle,
		recorded:  make(map[int]bool, len(ports)),
		summary:   models.Summary{Total: len(ports)},
		done:      make(chan struct{}),
	}
}

// Start moves an Idle session to Running. stop is called when the session
// reaches a terminal state so in-flight work winds down. It returns false
// if the session already left Idle.
func (s *Session) Start(stop context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusIdle {
		return false
	}
	s.status = StatusRunning
	s.startedAt = time.Now()
	s.stop = stop
	s.publishLocked(Event{Kind: EventStatus, Status: s.status, Total: s.summary.Total})
	return true
}

// SetTarget records the resolved addresses.
func (s *Session) SetTarget(t models.ResolvedTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = t.Clone()
}

// Target returns the resolved addresses, empty until resolution succeeds.
func (s *Session) Target() models.ResolvedTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target.Clone()
}

// SetHostUp records the reachability pre-check outcome.
func (s *Session) SetHostUp(up bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hostUp = &up
}

// SetCurrentPort marks port as the one most recently dispatched.
func (s *Session) SetCurrentPort(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	s.currentPort = port
}

// Record appends one completed port. The last expected port completes the
// session in the same step, so progress reaches 100 exactly at Completed.
// Results arriving after a terminal state, or for a port already recorded,
// are dropped and false is returned.
func (s *Session) Record(r models.PortResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() || s.recorded[r.Port] {
		return false
	}

	s.recorded[r.Port] = true
	s.results = append(s.results, r)
	switch r.Status {
	case models.StatusOpen:
		s.summary.Open++
	case models.StatusClosed:
		s.summary.Closed++
	default:
		s.summary.Filtered++
	}

	rc := r
	s.publishLocked(Event{
		Kind:        EventResult,
		Result:      &rc,
		Completed:   len(s.results),
		Total:       s.summary.Total,
		Progress:    s.progressLocked(),
		CurrentPort: s.currentPort,
	})

	if len(s.results) == s.summary.Total {
		s.finishLocked(StatusCompleted, nil)
	}
	return true
}

// Cancel stops the session. It is a no-op on terminal sessions.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	s.finishLocked(StatusCancelled, models.ErrScanCancelled)
}

// Fail ends the session with err. Results recorded so far are kept.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	s.finishLocked(StatusFailed, err)
}

func (s *Session) finishLocked(status Status, err error) {
	s.status = status
	s.err = err
	s.endedAt = time.Now()
	if s.startedAt.IsZero() {
		s.startedAt = s.endedAt
	}
	s.publishLocked(Event{
		Kind:      EventStatus,
		Status:    status,
		Completed: len(s.results),
		Total:     s.summary.Total,
		Progress:  s.progressLocked(),
	})
	for _, o := range s.observers {
		o.close()
	}
	s.observers = nil
	if s.stop != nil {
		s.stop()
	}
	close(s.done)
}

func (s *Session) progressLocked() float64 {
	if s.summary.Total == 0 {
		return 0
	}
	if len(s.results) == s.summary.Total {
		return 100
	}
	return float64(len(s.results)) * 100 / float64(s.summary.Total)
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Progress returns completed/total as a percentage.
func (s *Session) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressLocked()
}

// CurrentPort returns the port most recently dispatched.
func (s *Session) CurrentPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentPort
}

// Summary returns counts by status for the results recorded so far.
func (s *Session) Summary() models.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

// Results returns a copy of the results in completion order.
func (s *Session) Results() []models.PortResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.PortResult(nil), s.results...)
}

// SortedResults returns a copy of the results ordered by port.
func (s *Session) SortedResults() []models.PortResult {
	out := s.Results()
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Remaining returns the requested ports with no recorded result, in request
// order.
func (s *Session) Remaining() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for _, p := range s.Ports {
		if !s.recorded[p] {
			out = append(out, p)
		}
	}
	return out
}

// Err is the reason a terminal session did not complete: the failure for
// Failed, ErrScanCancelled for Cancelled, nil otherwise.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session is terminal or ctx ends.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot is an immutable copy of a session's observable state.
type Snapshot struct {
	ID          string              `json:"id"`
	Target      string              `json:"target"`
	Addresses   []string            `json:"addresses,omitempty"`
	PortSpec    string              `json:"portSpec"`
	ScanType    models.ScanType     `json:"scanType"`
	Status      Status              `json:"status"`
	Progress    float64             `json:"progress"`
	CurrentPort int                 `json:"currentPort,omitempty"`
	HostUp      *bool               `json:"hostUp,omitempty"`
	Summary     models.Summary      `json:"summary"`
	Results     []models.PortResult `json:"results"`
	Error       string              `json:"error,omitempty"`
	StartedAt   time.Time           `json:"startedAt"`
	EndedAt     *time.Time          `json:"endedAt,omitempty"`
}

// Snapshot copies the current state. Results are sorted by port.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:          s.ID,
		Target:      s.Config.Target,
		Addresses:   s.target.Strings(),
		PortSpec:    s.Config.PortSpec,
		ScanType:    s.Config.ScanType,
		Status:      s.status,
		Progress:    s.progressLocked(),
		CurrentPort: s.currentPort,
		Summary:     s.summary,
		Results:     append([]models.PortResult{}, s.results...),
		StartedAt:   s.startedAt,
	}
	if s.hostUp != nil {
		up := *s.hostUp
		snap.HostUp = &up
	}
	if s.err != nil && s.status == StatusFailed {
		snap.Error = s.err.Error()
	}
	if !s.endedAt.IsZero() {
		ended := s.endedAt
		snap.EndedAt = &ended
	}
	sort.Slice(snap.Results, func(i, j int) bool { return snap.Results[i].Port < snap.Results[j].Port })
	return snap
}
