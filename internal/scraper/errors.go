package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arkheioncorp/didin-facil/internal/antibot"
	"github.com/arkheioncorp/didin-facil/internal/browser"
)

var (
	ErrAlreadyRunning = errors.New("scraper already running")

	// errStopped unwinds a run after Stop or context cancellation.
	errStopped = errors.New("scrape stopped")
)

// ErrNavigation means a category page could not be loaded within the retry budget.
type ErrNavigation struct {
	URL      string
	Attempts int
	Err      error
}

func (e *ErrNavigation) Error() string {
	return fmt.Sprintf("failed to navigate to %s after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *ErrNavigation) Unwrap() error {
	return e.Err
}

// ErrDetection means the target served a block or verification page.
type ErrDetection struct {
	URL    string
	Marker string
}

func (e *ErrDetection) Error() string {
	return fmt.Sprintf("safety switch triggered: bot detection marker %q on %s", e.Marker, e.URL)
}

// ErrSafetyMode refuses a run while the safety cooldown is active.
type ErrSafetyMode struct {
	Until time.Time
}

func (e *ErrSafetyMode) Error() string {
	return fmt.Sprintf("safety mode active until %s", e.Until.UTC().Format(time.RFC3339))
}

func isCancellation(err error) bool {
	return errors.Is(err, errStopped) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var nav *ErrNavigation
	if errors.As(err, &nav) {
		return "navigation"
	}
	var detection *ErrDetection
	if errors.As(err, &detection) {
		return "detection"
	}
	var safety *ErrSafetyMode
	if errors.As(err, &safety) {
		return "safety_mode"
	}
	var launch *browser.ErrLaunch
	if errors.As(err, &launch) {
		return "launch"
	}
	var injection *antibot.ErrInjection
	if errors.As(err, &injection) {
		return "injection"
	}
	if errors.Is(err, browser.ErrNotStarted) {
		return "not_started"
	}
	return "other"
}
