// Package bookmark persists and recovers demo progress across page
// reloads and backend restarts.
//
// Two distinct markers exist with different consumption rules. A
// Bookmark survives a navigation within the same backend process and is
// consumed automatically, read-then-clear, exactly once. A Continuation
// survives a full backend restart and is never auto-resumed: the caller
// must ask the user to confirm before re-entering the demo. The two are
// deliberately kept separate rather than unified.
package bookmark

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ozdriver/ozdriver/internal/observability"
	"github.com/ozdriver/ozdriver/internal/script"
)

var (
	// ErrMalformedBookmark marks a bookmark that failed to parse or
	// shape-check. Resumption is abandoned, never crashed on.
	ErrMalformedBookmark = errors.New("bookmark: malformed bookmark")

	// ErrMalformedContinuation is the restart-marker equivalent.
	ErrMalformedContinuation = errors.New("bookmark: malformed continuation")
)

// ContinuationAction is the only action a restart marker may carry.
const ContinuationAction = "demo_continuation"

// Bookmark is the navigation-resumption marker. It carries the flat
// step list actually pending, not the branch map; the full script is
// re-fetched by name when resuming so branches stay available.
type Bookmark struct {
	ScriptName  string        `json:"script_name"`
	Steps       []script.Step `json:"steps"`
	Timestamp   int64         `json:"timestamp"` // epoch ms
	CurrentStep int           `json:"current_step"`
}

// Continuation is the restart-resumption marker. ScriptName is carried
// so the reloaded page can re-fetch the scenario; parsers tolerate its
// absence and fall back to deriving the scenario from the route.
type Continuation struct {
	Action     string `json:"action"`
	StepID     string `json:"step_id"`
	Branch     string `json:"branch,omitempty"`
	ScriptName string `json:"script_name,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// Manager talks to the backend's persistence endpoints.
type Manager struct {
	base   string
	client *http.Client
	log    *observability.Logger
}

// NewManager creates a manager for an HTTP base URL such as
// "http://localhost:8080". client may be nil for a default.
func NewManager(base string, client *http.Client) *Manager {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Manager{
		base:   base,
		client: client,
		log:    observability.NewLogger("bookmark", nil),
	}
}

// StoreBookmark persists the marker before a state-destroying
// navigation. Timestamp is stamped here if the caller left it zero.
func (m *Manager) StoreBookmark(ctx context.Context, b Bookmark) error {
	if b.Timestamp == 0 {
		b.Timestamp = time.Now().UnixMilli()
	}
	return m.post(ctx, "/demo-bookmark-store", b)
}

// TakeBookmark reads and clears the pending bookmark in one motion so
// it is consumed exactly once. Returns (nil, nil) when none is pending.
// A marker that fails to parse is cleared and abandoned with
// ErrMalformedBookmark.
func (m *Manager) TakeBookmark(ctx context.Context) (*Bookmark, error) {
	body, err := m.get(ctx, "/demo-bookmark-check")
	if err != nil {
		return nil, err
	}
	if emptyMarker(body) {
		return nil, nil
	}

	var b Bookmark
	if err := decodeMarker(body, &b); err != nil || b.ScriptName == "" || len(b.Steps) == 0 {
		m.log.Error("abandoning unreadable bookmark", "error", err)
		m.ClearBookmark(ctx)
		return nil, ErrMalformedBookmark
	}

	if err := m.ClearBookmark(ctx); err != nil {
		return nil, err
	}
	m.log.Info("bookmark consumed", "script", b.ScriptName, "steps", len(b.Steps))
	return &b, nil
}

// ClearBookmark removes any pending bookmark.
func (m *Manager) ClearBookmark(ctx context.Context) error {
	return m.post(ctx, "/demo-bookmark-clear", nil)
}

// StoreContinuation persists the restart marker immediately before a
// destructive operation takes the backend down.
func (m *Manager) StoreContinuation(ctx context.Context, c Continuation) error {
	c.Action = ContinuationAction
	if c.Timestamp == 0 {
		c.Timestamp = time.Now().UnixMilli()
	}
	return m.post(ctx, "/store-demo-continuation", c)
}

// CheckResume looks for a restart marker during startup. The caller
// must gate actual resumption behind explicit user confirmation.
func (m *Manager) CheckResume(ctx context.Context) (*Continuation, error) {
	return m.checkContinuation(ctx, "/check-demo-resume")
}

// CheckComeback polls for the marker after the backend comes back from
// a restart the driver itself triggered.
func (m *Manager) CheckComeback(ctx context.Context) (*Continuation, error) {
	return m.checkContinuation(ctx, "/check-demo-comeback")
}

func (m *Manager) checkContinuation(ctx context.Context, path string) (*Continuation, error) {
	body, err := m.get(ctx, path)
	if err != nil {
		return nil, err
	}
	if emptyMarker(body) {
		return nil, nil
	}

	var c Continuation
	if err := decodeMarker(body, &c); err != nil || c.Action != ContinuationAction || c.StepID == "" {
		m.log.Error("abandoning unreadable continuation", "path", path, "error", err)
		return nil, ErrMalformedContinuation
	}
	return &c, nil
}

// AppendHistory records a chat entry server-side without touching the
// transcript directly; the entry is expected back over the channel.
func (m *Manager) AppendHistory(ctx context.Context, role, text string) error {
	return m.post(ctx, "/add-to-conversation-history", map[string]string{
		"role": role, "message": text,
	})
}

// LogDemoMessage records a demo-originated message server-side.
func (m *Manager) LogDemoMessage(ctx context.Context, text string) error {
	return m.post(ctx, "/log-demo-message", map[string]string{"message": text})
}

// StoreGrayscale raises the server flag for the cinematic transition so
// the reloaded page starts dimmed.
func (m *Manager) StoreGrayscale(ctx context.Context) error {
	return m.post(ctx, "/oz-door-grayscale-store", nil)
}

// ClearGrayscale drops the transition flag once the fade completes.
func (m *Manager) ClearGrayscale(ctx context.Context) error {
	return m.post(ctx, "/oz-door-grayscale-clear", nil)
}

// SwitchEnvironment triggers the destructive environment switch. The
// backend restarts; callers must have stored a Continuation first.
func (m *Manager) SwitchEnvironment(ctx context.Context) error {
	return m.post(ctx, "/switch_environment", nil)
}

// ClearDB triggers the destructive state reset. Same restart caveat as
// SwitchEnvironment.
func (m *Manager) ClearDB(ctx context.Context) error {
	return m.post(ctx, "/clear-db", nil)
}

func (m *Manager) post(ctx context.Context, path string, payload any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("bookmark: encode %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.base+path, body)
	if err != nil {
		return fmt.Errorf("bookmark: build %s: %w", path, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("bookmark: POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("bookmark: POST %s: status %d", path, resp.StatusCode)
	}
	return nil
}

func (m *Manager) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("bookmark: build %s: %w", path, err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bookmark: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("bookmark: GET %s: status %d", path, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// emptyMarker reports a body that means "nothing pending".
func emptyMarker(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	switch string(trimmed) {
	case "", "null", "{}", `""`:
		return true
	}
	return false
}

// decodeMarker parses a marker body, unwrapping one level of string
// encoding when the storage layer returns the JSON as a quoted string.
func decodeMarker(body []byte, v any) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return fmt.Errorf("unwrap string encoding: %w", err)
		}
		trimmed = []byte(inner)
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return fmt.Errorf("parse marker: %w", err)
	}
	return nil
}
