package scraper

import (
	"fmt"
	"math"
	"sync"
	"time"
)

const maxLogEntries = 50

// Status is a point-in-time view of a scrape run.
type Status struct {
	IsRunning      bool       `json:"is_running"`
	Progress       float64    `json:"progress"`
	CurrentProduct *string    `json:"current_product,omitempty"`
	ProductsFound  int        `json:"products_found"`
	Errors         []string   `json:"errors"`
	Logs           []string   `json:"logs"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	StatusMessage  *string    `json:"status_message,omitempty"`
	// SafetyUntil is set while safety mode refuses new runs.
	SafetyUntil *time.Time `json:"safety_until,omitempty"`
}

// StatusTracker is the shared run state read by pollers while a run updates
// it. Every method holds the lock for one logical update only.
type StatusTracker struct {
	mu     sync.Mutex
	status Status
	safety safetyState
	now    func() time.Time
}

// safetyState outlives single runs so repeated detections across runs put
// the scraper into safety mode.
type safetyState struct {
	checks      int
	detections  int
	consecutive int
	until       time.Time
}

func NewStatusTracker() *StatusTracker {
	return &StatusTracker{
		status: Status{
			Errors: make([]string, 0),
			Logs:   make([]string, 0),
		},
		now: time.Now,
	}
}

func (t *StatusTracker) Snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.status
	s.Errors = append(make([]string, 0, len(t.status.Errors)), t.status.Errors...)
	s.Logs = append(make([]string, 0, len(t.status.Logs)), t.status.Logs...)
	if t.status.CurrentProduct != nil {
		v := *t.status.CurrentProduct
		s.CurrentProduct = &v
	}
	if t.status.StartedAt != nil {
		v := *t.status.StartedAt
		s.StartedAt = &v
	}
	if t.status.StatusMessage != nil {
		v := *t.status.StatusMessage
		s.StatusMessage = &v
	}
	if until, ok := t.activeSafetyLocked(); ok {
		s.SafetyUntil = &until
	}
	return s
}

func (t *StatusTracker) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status.IsRunning
}

// AddLog appends a timestamped line, evicting the oldest beyond 50 entries.
func (t *StatusTracker) AddLog(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := fmt.Sprintf("[%s] %s", t.now().Format("15:04:05"), message)
	t.status.Logs = append(t.status.Logs, entry)
	if over := len(t.status.Logs) - maxLogEntries; over > 0 {
		t.status.Logs = append(t.status.Logs[:0:0], t.status.Logs[over:]...)
	}
}

func (t *StatusTracker) SetMessage(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.StatusMessage = &message
}

func (t *StatusTracker) SetCurrent(item string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.CurrentProduct = &item
}

func (t *StatusTracker) AddError(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.Errors = append(t.status.Errors, message)
}

// SetProgress records found products and derives progress, capped at 99
// until the run finishes.
func (t *StatusTracker) SetProgress(found, target int) {
	progress := 0.0
	if target > 0 {
		progress = math.Min(99, float64(found)/float64(target)*100)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.ProductsFound = found
	t.status.Progress = progress
}

// Begin marks the tracker running with zeroed counters. It fails when a run
// is already in progress.
func (t *StatusTracker) Begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.IsRunning {
		return ErrAlreadyRunning
	}

	now := t.now().UTC()
	message := "initializing"
	t.status = Status{
		IsRunning:     true,
		Errors:        make([]string, 0),
		Logs:          t.status.Logs,
		StartedAt:     &now,
		StatusMessage: &message,
	}
	if t.status.Logs == nil {
		t.status.Logs = make([]string, 0)
	}
	return nil
}

// finish freezes the run: not running, progress 100.
func (t *StatusTracker) finish(found int, failure string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	message := "finished"
	t.status.IsRunning = false
	t.status.Progress = 100
	t.status.ProductsFound = found
	t.status.StatusMessage = &message
	if failure != "" {
		t.status.Errors = append(t.status.Errors, failure)
	}
}

// SafetyUntil returns the end of the active safety mode, if any.
func (t *StatusTracker) SafetyUntil() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeSafetyLocked()
}

// activeSafetyLocked clears an expired safety mode together with its tallies.
func (t *StatusTracker) activeSafetyLocked() (time.Time, bool) {
	if t.safety.until.IsZero() {
		return time.Time{}, false
	}
	if t.now().Before(t.safety.until) {
		return t.safety.until, true
	}
	t.safety = safetyState{}
	return time.Time{}, false
}

// recordSafetyCheck tallies one page check. Safety mode starts when
// detections reach the consecutive threshold, or when the detection rate
// exceeds the configured maximum once threshold pages have been checked.
func (t *StatusTracker) recordSafetyCheck(detected bool, cfg Config) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.safety.checks++
	if !detected {
		t.safety.consecutive = 0
		return time.Time{}, false
	}
	t.safety.detections++
	t.safety.consecutive++

	rate := float64(t.safety.detections) / float64(t.safety.checks)
	if t.safety.consecutive < cfg.ConsecutiveFailuresThreshold &&
		(t.safety.checks < cfg.ConsecutiveFailuresThreshold || rate <= cfg.MaxDetectionRate) {
		return time.Time{}, false
	}

	t.safety = safetyState{until: t.now().Add(cfg.SafetyCooldown)}
	return t.safety.until, true
}
