package ui

import (
	"context"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Emitter is the interpreter's view of the chat surface. It runs on the
// interpreter goroutine and paces the typing and reveal simulations,
// delivering progress into the Update loop as messages.
type Emitter struct {
	emit func(tea.Msg)
}

// NewEmitter wraps a message sink, normally (*Model).Emit.
func NewEmitter(emit func(tea.Msg)) *Emitter {
	return &Emitter{emit: emit}
}

// TypeUser simulates the user typing message one character at a time,
// then posts it.
func (e *Emitter) TypeUser(ctx context.Context, message string, perChar time.Duration) error {
	runes := []rune(message)
	for i := range runes {
		e.emit(UserPartialMsg(string(runes[:i+1])))
		if err := pause(ctx, perChar); err != nil {
			return err
		}
	}
	e.emit(UserPostedMsg(message))
	return nil
}

// RevealAssistant shows a phantom reply word by word, then posts it.
func (e *Emitter) RevealAssistant(ctx context.Context, message string, perWord time.Duration, verbatim bool) error {
	words := strings.Fields(message)
	for i := range words {
		e.emit(AssistantPartialMsg(strings.Join(words[:i+1], " ")))
		if err := pause(ctx, perWord); err != nil {
			return err
		}
	}
	e.emit(AssistantPostedMsg{Text: message, Verbatim: verbatim})
	return nil
}

// PostError surfaces a demo failure in the transcript.
func (e *Emitter) PostError(ctx context.Context, message string) error {
	e.emit(ChatErrorMsg(message))
	return nil
}

// ShowRestartOverlay covers the screen before a destructive step.
func (e *Emitter) ShowRestartOverlay(ctx context.Context) error {
	e.emit(RestartOverlayMsg{})
	return nil
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
