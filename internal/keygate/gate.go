// Package keygate blocks demo execution until one of a declared set of
// key combinations is pressed.
//
// Combos are normalized from the physical key code, not the produced
// character, whenever both demo-control modifiers (ctrl+shift) are held:
// alternate layouts and modifier chords change the character on some
// platforms while the physical code stays put.
package keygate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"
)

// ErrAlreadyArmed is returned when WaitFor is called while another wait
// is in progress. The interpreter is sequential, so this indicates a
// scripting bug.
var ErrAlreadyArmed = errors.New("keygate: already waiting for input")

// Event is a physical key event forwarded from the UI layer.
type Event struct {
	Code  string // physical key code, e.g. "KeyY", "Digit2"
	Rune  rune   // character produced by the active layout, if any
	Ctrl  bool
	Shift bool
	Alt   bool
}

// canonicalByCode maps physical key codes to canonical characters. It is
// consulted only when both demo-control modifiers are active.
var canonicalByCode = buildCanonicalTable()

func buildCanonicalTable() map[string]string {
	m := map[string]string{
		"Enter":     "enter",
		"Escape":    "esc",
		"Space":     "space",
		"Backspace": "backspace",
		"Tab":       "tab",
	}
	for c := 'a'; c <= 'z'; c++ {
		m[fmt.Sprintf("Key%c", unicode.ToUpper(c))] = string(c)
	}
	for d := '0'; d <= '9'; d++ {
		m[fmt.Sprintf("Digit%c", d)] = string(d)
	}
	return m
}

// Normalize converts an event to its combo string, e.g. "ctrl+shift+y".
func Normalize(ev Event) string {
	var parts []string
	if ev.Ctrl {
		parts = append(parts, "ctrl")
	}
	if ev.Shift {
		parts = append(parts, "shift")
	}
	if ev.Alt {
		parts = append(parts, "alt")
	}

	base := ""
	if ev.Ctrl && ev.Shift {
		base = canonicalByCode[ev.Code]
	}
	if base == "" {
		if ev.Rune != 0 {
			base = string(unicode.ToLower(ev.Rune))
		} else {
			base = strings.ToLower(ev.Code)
		}
	}

	parts = append(parts, base)
	return strings.Join(parts, "+")
}

// Gate arbitrates between the UI key stream and a single waiting
// interpreter step.
type Gate struct {
	mu      sync.Mutex
	valid   map[string]struct{}
	resolve chan string
}

// New creates an unarmed gate.
func New() *Gate {
	return &Gate{}
}

// Armed reports whether a WaitFor is in progress.
func (g *Gate) Armed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resolve != nil
}

// WaitFor blocks until a key event normalizes to one of validKeys, then
// returns the matched combo. Non-matching combos are ignored. The wait is
// released by ctx cancellation.
func (g *Gate) WaitFor(ctx context.Context, validKeys []string) (string, error) {
	if len(validKeys) == 0 {
		return "", errors.New("keygate: no valid keys declared")
	}

	g.mu.Lock()
	if g.resolve != nil {
		g.mu.Unlock()
		return "", ErrAlreadyArmed
	}
	valid := make(map[string]struct{}, len(validKeys))
	for _, k := range validKeys {
		valid[strings.ToLower(k)] = struct{}{}
	}
	ch := make(chan string, 1)
	g.valid = valid
	g.resolve = ch
	g.mu.Unlock()

	select {
	case combo := <-ch:
		return combo, nil
	case <-ctx.Done():
		g.mu.Lock()
		if g.resolve == ch {
			g.valid = nil
			g.resolve = nil
		}
		g.mu.Unlock()
		return "", ctx.Err()
	}
}

// Press feeds a key event into the gate. It returns true when the event
// resolved a pending wait; the caller must then suppress the event's
// default behavior and blur any focused text input so the keypress does
// not leak into a message box.
func (g *Gate) Press(ev Event) bool {
	combo := Normalize(ev)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resolve == nil {
		return false
	}
	if _, ok := g.valid[combo]; !ok {
		return false
	}
	g.resolve <- combo
	g.valid = nil
	g.resolve = nil
	return true
}
