// Package ui is the terminal chat surface: a transcript viewport, an
// input prompt, and the demo-control key handling layered on top.
//
// Assistant text streams in over the channel between STREAM_START and
// STREAM_END; while a stream is live the prompt is locked and esc sends
// the stop token. Demo output arrives as messages from the emitter so
// the interpreter can run off the UI goroutine.
package ui

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ozdriver/ozdriver/internal/history"
	"github.com/ozdriver/ozdriver/internal/keygate"
	"github.com/ozdriver/ozdriver/internal/observability"
	"github.com/ozdriver/ozdriver/internal/protocol"
	"github.com/ozdriver/ozdriver/internal/render"
)

// Channel is the slice of the transport the UI drives directly.
type Channel interface {
	Send(text string) error
	Connected() bool
}

// Hooks are the demo-control actions the UI triggers but does not own.
// Each runs on its own goroutine; results come back as messages.
type Hooks struct {
	// StartScenario loads and runs a named scenario.
	StartScenario func(name string)
	// StartRouteScenario derives the scenario from the current page
	// route with a "test" or "train" suffix.
	StartRouteScenario func(suffix string)
	// VoiceTest exercises the voice-synthesis path.
	VoiceTest func()
	// HealthCheck probes the channel and reports into the transcript.
	HealthCheck func()
}

// Messages delivered into Update.
type (
	// FrameMsg is one classified inbound channel frame.
	FrameMsg protocol.Frame

	// UserPartialMsg shows typing-in-progress for a simulated user.
	UserPartialMsg string
	// UserPostedMsg finalizes a simulated user message.
	UserPostedMsg string
	// AssistantPartialMsg shows a phantom reply being revealed.
	AssistantPartialMsg string
	// AssistantPostedMsg finalizes a phantom assistant message.
	AssistantPostedMsg struct {
		Text     string
		Verbatim bool
	}
	// ChatErrorMsg surfaces a demo failure in the transcript.
	ChatErrorMsg string
	// RestartOverlayMsg covers the screen while the backend goes down.
	RestartOverlayMsg struct{}
	// RestartDoneMsg lifts the overlay after the backend came back.
	RestartDoneMsg struct{}

	// TransitionBeginMsg starts the reload transition: instant dim,
	// timed pause, timed fade.
	TransitionBeginMsg struct{}
	// TransitionMsg advances the transition: phase 1 ends the pause,
	// phase 2 ends the fade.
	TransitionMsg int

	// streamMarkupMsg carries a throttled intermediate render.
	streamMarkupMsg string
	// streamFinalMsg carries the final render and the raw text.
	streamFinalMsg struct{ markup, raw string }
)

const (
	renderWindow    = 150 * time.Millisecond
	transitionPause = 1500 * time.Millisecond
	transitionFade  = 1000 * time.Millisecond
)

type entry struct {
	role     string // history.Role* values
	text     string // raw text
	markup   string // rendered form, assistant entries only
	verbatim bool
	isError  bool
	pending  bool // still streaming or being revealed
}

var (
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("15"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	dimStyle       = lipgloss.NewStyle().Faint(true)
	overlayStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11")).
			Border(lipgloss.RoundedBorder()).Padding(1, 4)
)

// Model is the bubbletea chat model.
type Model struct {
	channel  Channel
	gate     *keygate.Gate
	hooks    Hooks
	store    history.Store
	session  string
	renderer render.Renderer
	metrics  *observability.MetricsCollector
	log      *observability.Logger

	emit func(tea.Msg) // program.Send, set by SetEmit

	vp    viewport.Model
	input textinput.Model
	spin  spinner.Model

	width  int
	height int

	entries   []entry
	streaming bool
	buffer    *render.Buffer

	dim        bool
	fading     bool
	restarting bool
}

// Config assembles a Model. Store and Metrics may be nil.
type Config struct {
	Channel  Channel
	Gate     *keygate.Gate
	Hooks    Hooks
	Store    history.Store
	Session  string
	Renderer render.Renderer
	Metrics  *observability.MetricsCollector
}

// New creates the chat model.
func New(cfg Config) *Model {
	input := textinput.New()
	input.Placeholder = "Type a message…"
	input.Focus()

	spin := spinner.New()
	spin.Spinner = spinner.MiniDot

	return &Model{
		channel:  cfg.Channel,
		gate:     cfg.Gate,
		hooks:    cfg.Hooks,
		store:    cfg.Store,
		session:  cfg.Session,
		renderer: cfg.Renderer,
		metrics:  cfg.Metrics,
		log:      observability.NewLogger("ui", nil),
		emit:     func(tea.Msg) {},
		vp:       viewport.New(80, 20),
		input:    input,
		spin:     spin,
	}
}

// SetEmit wires the model to the running program's Send so background
// work (render timers, the interpreter) can deliver messages.
func (m *Model) SetEmit(send func(tea.Msg)) {
	m.emit = send
}

// Emit exposes the message sink for the demo emitter.
func (m *Model) Emit(msg tea.Msg) {
	m.emit(msg)
}

// OnFrame adapts the transport handler signature; register it with the
// channel before connecting.
func (m *Model) OnFrame(f protocol.Frame) {
	m.emit(FrameMsg(f))
}

// BeginTransition dims the transcript instantly and schedules the
// pause-then-fade phases.
func (m *Model) BeginTransition() tea.Cmd {
	m.dim = true
	return tea.Tick(transitionPause, func(time.Time) tea.Msg { return TransitionMsg(1) })
}

func (m *Model) Init() tea.Cmd {
	return m.spin.Tick
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.vp.Width = msg.Width
		m.vp.Height = msg.Height - 3
		m.input.Width = msg.Width - 4
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case FrameMsg:
		return m.handleFrame(protocol.Frame(msg))

	case streamMarkupMsg:
		if i := m.pendingIndex(history.RoleAssistant); i >= 0 {
			m.entries[i].markup = string(msg)
			m.refresh()
		}
		return m, nil

	case streamFinalMsg:
		if i := m.pendingIndex(history.RoleAssistant); i >= 0 {
			m.entries[i].markup = msg.markup
			m.entries[i].text = msg.raw
			m.entries[i].pending = false
			m.appendHistory(history.RoleAssistant, msg.raw, false)
			m.refresh()
		}
		return m, nil

	case UserPartialMsg:
		m.upsertPending(history.RoleUser, string(msg))
		return m, nil

	case UserPostedMsg:
		m.finishPending(history.RoleUser, string(msg))
		m.appendHistory(history.RoleUser, string(msg), true)
		return m, nil

	case AssistantPartialMsg:
		m.upsertPending(history.RoleAssistant, string(msg))
		return m, nil

	case AssistantPostedMsg:
		m.finishPending(history.RoleAssistant, msg.Text)
		if i := len(m.entries) - 1; i >= 0 {
			m.entries[i].verbatim = msg.Verbatim
			if !msg.Verbatim {
				m.entries[i].markup = m.renderMarkdown(msg.Text)
			}
		}
		m.appendHistory(history.RoleAssistant, msg.Text, msg.Verbatim)
		m.refresh()
		return m, nil

	case ChatErrorMsg:
		m.entries = append(m.entries, entry{role: history.RoleSystem, text: string(msg), isError: true})
		m.appendHistory(history.RoleSystem, string(msg), false)
		m.refresh()
		return m, nil

	case RestartOverlayMsg:
		m.restarting = true
		return m, nil

	case RestartDoneMsg:
		m.restarting = false
		m.refresh()
		return m, nil

	case TransitionBeginMsg:
		return m, m.BeginTransition()

	case TransitionMsg:
		switch int(msg) {
		case 1:
			m.fading = true
			return m, tea.Tick(transitionFade, func(time.Time) tea.Msg { return TransitionMsg(2) })
		case 2:
			m.dim = false
			m.fading = false
			m.refresh()
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.vp, cmd = m.vp.Update(msg)
	return m, cmd
}

// handleKey forwards to the keygate first; a resolved wait swallows the
// event and blurs the prompt so the keypress never leaks into it.
func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	ev := keyEvent(msg)
	if m.gate != nil && m.gate.Press(ev) {
		m.input.Blur()
		return m, nil
	}

	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "esc":
		if m.streaming {
			m.sendToken(protocol.TokenStopStream)
		}
		return m, nil
	case "enter":
		return m.submit()
	}

	if cmd, ok := m.shortcut(keygate.Normalize(ev)); ok {
		return m, cmd
	}

	if !m.streaming {
		if !m.input.Focused() {
			m.input.Focus()
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

// shortcut dispatches the global demo-control chords.
func (m *Model) shortcut(combo string) (tea.Cmd, bool) {
	run := func(fn func()) tea.Cmd {
		if fn == nil {
			return nil
		}
		return func() tea.Msg { fn(); return nil }
	}

	switch combo {
	case "ctrl+shift+r":
		m.restarting = true
		m.sendToken(protocol.TokenRestartServer)
		return nil, true
	case "ctrl+shift+d":
		return run(func() { m.startScenario("demo") }), true
	case "ctrl+shift+t":
		return run(func() { m.startRouteScenario("test") }), true
	case "ctrl+shift+g":
		return run(func() { m.startRouteScenario("train") }), true
	case "ctrl+shift+v":
		return run(m.hooks.VoiceTest), true
	case "ctrl+shift+h":
		return run(m.hooks.HealthCheck), true
	}
	return nil, false
}

func (m *Model) startScenario(name string) {
	if m.hooks.StartScenario != nil {
		m.hooks.StartScenario(name)
	}
}

func (m *Model) startRouteScenario(suffix string) {
	if m.hooks.StartRouteScenario != nil {
		m.hooks.StartRouteScenario(suffix)
	}
}

// submit sends the prompt content as a user message.
func (m *Model) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" || m.streaming {
		return m, nil
	}
	if err := m.channel.Send(text); err != nil {
		m.entries = append(m.entries, entry{
			role: history.RoleSystem, isError: true,
			text: "Not connected; message not sent.",
		})
		m.refresh()
		return m, nil
	}

	m.input.Reset()
	m.entries = append(m.entries, entry{role: history.RoleUser, text: text})
	m.appendHistory(history.RoleUser, text, false)
	m.refresh()
	return m, nil
}

// handleFrame applies one inbound channel frame.
func (m *Model) handleFrame(f protocol.Frame) (tea.Model, tea.Cmd) {
	switch f.Kind {
	case protocol.FrameStreamStart:
		m.streaming = true
		m.input.Blur()
		m.entries = append(m.entries, entry{role: history.RoleAssistant, pending: true})
		m.buffer = render.NewBuffer(streamSink{emit: m.emit}, m.renderer, renderWindow, m.metrics)
		m.refresh()

	case protocol.FramePayload:
		if m.buffer != nil {
			m.buffer.Append(f.Payload)
		}

	case protocol.FrameStreamEnd:
		// Final render arrives as streamFinalMsg; unlock immediately so
		// a stop mid-stream frees the prompt as soon as the backend
		// confirms.
		m.streaming = false
		m.input.Focus()
		if m.buffer != nil {
			m.buffer.Finalize()
			m.buffer = nil
		}

	case protocol.FrameSystemReply:
		if d, err := protocol.DecodeSystemReply(f.Directive); err == nil {
			m.emit(AssistantPostedMsg{Text: d.Message, Verbatim: d.Verbatim})
		} else {
			m.log.Error("bad system-reply directive", "error", err)
		}

	case protocol.FrameMCPCall:
		if d, err := protocol.DecodeMCPCall(f.Directive); err != nil {
			m.log.Error("bad mcp-call directive", "error", err)
		} else if d.Description != "" {
			m.emit(AssistantPostedMsg{Text: d.Description})
		}

	case protocol.FrameRestartServer:
		m.restarting = true
	}
	return m, nil
}

func (m *Model) sendToken(token string) {
	if err := m.channel.Send(token); err != nil {
		m.log.Warn("control token not sent", "token", token, "error", err)
	}
}

// pendingIndex finds the newest pending entry for a role.
func (m *Model) pendingIndex(role string) int {
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].role == role && m.entries[i].pending {
			return i
		}
	}
	return -1
}

func (m *Model) upsertPending(role, text string) {
	if i := m.pendingIndex(role); i >= 0 {
		m.entries[i].text = text
	} else {
		m.entries = append(m.entries, entry{role: role, text: text, pending: true})
	}
	m.refresh()
}

func (m *Model) finishPending(role, text string) {
	i := m.pendingIndex(role)
	if i < 0 {
		m.entries = append(m.entries, entry{role: role})
		i = len(m.entries) - 1
	}
	m.entries[i].text = text
	m.entries[i].pending = false
	m.refresh()
}

func (m *Model) appendHistory(role, text string, verbatim bool) {
	if m.store == nil || text == "" {
		return
	}
	err := m.store.AppendEntry(context.Background(), history.Entry{
		Session: m.session, Role: role, Message: text, Verbatim: verbatim,
	})
	if err != nil {
		m.log.Warn("entry not stored", "error", err)
	}
}

func (m *Model) renderMarkdown(text string) string {
	if m.renderer == nil {
		return text
	}
	out, err := m.renderer.Markdown(render.Normalize(text))
	if err != nil {
		return text
	}
	return out
}

// refresh rebuilds the viewport content and follows the tail.
func (m *Model) refresh() {
	var b strings.Builder
	for _, e := range m.entries {
		switch {
		case e.isError:
			b.WriteString(errorStyle.Render("! " + e.text))
		case e.role == history.RoleUser:
			b.WriteString(userStyle.Render("you ") + e.text)
			if e.pending {
				b.WriteString("▌")
			}
		default:
			body := e.markup
			if body == "" {
				body = e.text
			}
			b.WriteString(assistantStyle.Render(body))
			if e.pending {
				b.WriteString(" " + m.spin.View())
			}
		}
		b.WriteString("\n")
	}
	m.vp.SetContent(b.String())
	m.vp.GotoBottom()
}

func (m *Model) View() string {
	if m.restarting {
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center,
			overlayStyle.Render("Restarting…\nThe demo resumes when the backend is back."))
	}

	status := "offline"
	if m.channel != nil && m.channel.Connected() {
		status = "connected"
	}
	if m.streaming {
		status += " · streaming (esc to stop)"
	}

	body := m.vp.View() + "\n" + m.input.View() + "\n" + statusStyle.Render(status)
	if m.dim {
		return dimStyle.Render(body)
	}
	return body
}
