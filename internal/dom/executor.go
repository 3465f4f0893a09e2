// Package dom executes scripted actions against the product page under
// demo.
//
// The Executor polls for a CSS selector with bounded retries and then
// performs the requested action. Pager and Element abstract the browser
// so the executor is testable; the rod adapter drives a real page over
// CDP.
package dom

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ozdriver/ozdriver/internal/observability"
	"github.com/ozdriver/ozdriver/internal/script"
)

// ErrTargetNotFound is returned when the selector never appeared within
// the polling bound. This failure halts the enclosing step sequence:
// later steps usually assume the action succeeded.
var ErrTargetNotFound = errors.New("dom: target element not found")

// Element is a located page element.
type Element interface {
	// Click dispatches a mouse click.
	Click() error
	// SubmitForm submits the element's closest enclosing form.
	SubmitForm() error
	// SetValue sets the element value and fires synthetic input/change
	// events so framework-bound listeners observe the change.
	SetValue(v string) error
	// Text returns the element's value or text content.
	Text() (string, error)
}

// Pager locates elements on the live page. A lookup that finds nothing
// right now returns an error; the executor handles retrying.
type Pager interface {
	Element(selector string) (Element, error)
}

const (
	defaultAttempts = 10
	defaultBackoff  = 300 * time.Millisecond
)

// Result reports what an executed dom_action produced.
type Result struct {
	// Captured is the value read from read_value_from, if requested.
	Captured string
	// Message is the templated report built from message_template, if
	// the step declared one.
	Message string
}

// Executor performs dom_action steps.
type Executor struct {
	page     Pager
	attempts int
	backoff  time.Duration
	log      *observability.Logger
	metrics  *observability.MetricsCollector
}

// NewExecutor creates an executor over a page. metrics may be nil.
func NewExecutor(page Pager, metrics *observability.MetricsCollector) *Executor {
	return &Executor{
		page:     page,
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
		log:      observability.NewLogger("dom", nil),
		metrics:  metrics,
	}
}

// SetPolling overrides the retry bound, mainly for tests.
func (e *Executor) SetPolling(attempts int, backoff time.Duration) {
	if attempts > 0 {
		e.attempts = attempts
	}
	if backoff > 0 {
		e.backoff = backoff
	}
}

// Execute runs a dom_action step. A missing target yields an error
// wrapping ErrTargetNotFound; any other failure is returned as-is.
func (e *Executor) Execute(ctx context.Context, st script.Step) (*Result, error) {
	el, err := e.await(ctx, st.Selector)
	if err != nil {
		return nil, err
	}

	switch st.Action {
	case script.ActionClick:
		err = el.Click()
	case script.ActionSubmitForm:
		err = el.SubmitForm()
	case script.ActionSetValue:
		err = el.SetValue(st.Value)
	default:
		return nil, fmt.Errorf("dom: unknown action %q", st.Action)
	}
	if err != nil {
		return nil, fmt.Errorf("dom: %s on %q: %w", st.Action, st.Selector, err)
	}

	e.log.StepEvent("dom_action", st.StepID, "action", string(st.Action), "selector", st.Selector)

	res := &Result{}
	if st.ReadValueFrom != "" {
		src, err := e.await(ctx, st.ReadValueFrom)
		if err != nil {
			return nil, err
		}
		captured, err := src.Text()
		if err != nil {
			return nil, fmt.Errorf("dom: read %q: %w", st.ReadValueFrom, err)
		}
		res.Captured = strings.TrimSpace(captured)
		if st.MessageTemplate != "" {
			res.Message = strings.ReplaceAll(st.MessageTemplate, "{value}", res.Captured)
		}
	}
	return res, nil
}

// await polls for a selector with fixed backoff up to the attempt bound.
func (e *Executor) await(ctx context.Context, selector string) (Element, error) {
	var lastErr error
	for attempt := 0; attempt < e.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.backoff):
			}
		}
		el, err := e.page.Element(selector)
		if err == nil {
			return el, nil
		}
		lastErr = err
	}

	if e.metrics != nil {
		e.metrics.Increment("dom_target_not_found")
	}
	e.log.Error("selector never appeared", "selector", selector, "attempts", e.attempts, "last_error", lastErr)
	return nil, fmt.Errorf("%w: %q after %d attempts", ErrTargetNotFound, selector, e.attempts)
}
