package ui

import (
	"strings"
	"unicode"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ozdriver/ozdriver/internal/keygate"
)

// streamSink routes throttled renders back into the Update loop.
type streamSink struct {
	emit func(tea.Msg)
}

func (s streamSink) Update(markup string) {
	s.emit(streamMarkupMsg(markup))
}

func (s streamSink) Finalize(markup, raw string) {
	s.emit(streamFinalMsg{markup: markup, raw: raw})
}

// keyEvent translates a bubbletea key into a physical-style event for
// the keygate. Terminals collapse ctrl+shift+<letter> into
// ctrl+<letter>, so a ctrl chord on a letter or digit is reported with
// both demo-control modifiers set; those chords are reserved for demo
// control and nothing else binds them.
func keyEvent(msg tea.KeyMsg) keygate.Event {
	s := msg.String()

	if rest, ok := strings.CutPrefix(s, "ctrl+"); ok {
		rest = strings.TrimPrefix(rest, "shift+")
		if len(rest) == 1 {
			r := rune(rest[0])
			switch {
			case r >= 'a' && r <= 'z':
				return keygate.Event{Code: "Key" + string(unicode.ToUpper(r)), Ctrl: true, Shift: true}
			case r >= '0' && r <= '9':
				return keygate.Event{Code: "Digit" + string(r), Ctrl: true, Shift: true}
			}
		}
	}

	switch msg.Type {
	case tea.KeyEnter:
		return keygate.Event{Code: "Enter"}
	case tea.KeyEsc:
		return keygate.Event{Code: "Escape"}
	case tea.KeySpace:
		return keygate.Event{Code: "Space"}
	case tea.KeyBackspace:
		return keygate.Event{Code: "Backspace"}
	case tea.KeyTab:
		return keygate.Event{Code: "Tab"}
	}

	if len(msg.Runes) > 0 {
		r := msg.Runes[0]
		ev := keygate.Event{Rune: r, Alt: msg.Alt}
		if unicode.IsUpper(r) {
			ev.Shift = true
		}
		return ev
	}
	return keygate.Event{Code: s}
}
