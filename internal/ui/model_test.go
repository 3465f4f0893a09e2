package ui

import (
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ozdriver/ozdriver/internal/history"
	"github.com/ozdriver/ozdriver/internal/keygate"
	"github.com/ozdriver/ozdriver/internal/protocol"
)

type fakeChannel struct {
	sent      []string
	fail      error
	connected bool
}

func (f *fakeChannel) Send(text string) error {
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeChannel) Connected() bool { return f.connected }

// markRenderer tags output so tests can tell markdown from plain.
type markRenderer struct{}

func (markRenderer) Markdown(text string) (string, error) { return "MD[" + text + "]", nil }
func (markRenderer) Plain(text string) string             { return text }

// testModel builds a model with a recording emit sink. Messages the
// model emits are collected, not looped back; tests feed them to Update
// explicitly.
func testModel(t *testing.T, ch *fakeChannel, gate *keygate.Gate, hooks Hooks) (*Model, *[]tea.Msg) {
	t.Helper()
	store, err := history.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("history store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	m := New(Config{
		Channel:  ch,
		Gate:     gate,
		Hooks:    hooks,
		Store:    store,
		Session:  "test-session",
		Renderer: markRenderer{},
	})

	var emitted []tea.Msg
	m.SetEmit(func(msg tea.Msg) { emitted = append(emitted, msg) })
	return m, &emitted
}

func keyRunes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestSubmitSendsAndAppends(t *testing.T) {
	ch := &fakeChannel{connected: true}
	m, _ := testModel(t, ch, nil, Hooks{})

	m.input.SetValue("how do I reset my password?")
	m.Update(tea.KeyMsg{Type: tea.KeyEnter})

	if len(ch.sent) != 1 || ch.sent[0] != "how do I reset my password?" {
		t.Fatalf("sent = %v", ch.sent)
	}
	if len(m.entries) != 1 || m.entries[0].role != history.RoleUser {
		t.Fatalf("entries = %+v", m.entries)
	}
	if m.input.Value() != "" {
		t.Error("input not cleared")
	}

	got, _ := m.store.Entries(context.Background(), "test-session", 0)
	if len(got) != 1 || got[0].Role != history.RoleUser {
		t.Errorf("history = %+v", got)
	}
}

func TestStreamLock(t *testing.T) {
	ch := &fakeChannel{connected: true}
	m, _ := testModel(t, ch, nil, Hooks{})

	m.Update(FrameMsg(protocol.Frame{Kind: protocol.FrameStreamStart}))
	if !m.streaming {
		t.Fatal("not streaming after STREAM_START")
	}

	// Submissions are blocked while locked.
	m.input.SetValue("blocked")
	m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if len(ch.sent) != 0 {
		t.Errorf("sent while locked: %v", ch.sent)
	}

	// esc requests a stop.
	m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	if len(ch.sent) != 1 || ch.sent[0] != protocol.TokenStopStream {
		t.Errorf("sent = %v, want stop token", ch.sent)
	}

	m.Update(FrameMsg(protocol.Frame{Kind: protocol.FrameStreamEnd}))
	if m.streaming {
		t.Error("still streaming after STREAM_END")
	}
}

func TestStreamRenderFlow(t *testing.T) {
	ch := &fakeChannel{connected: true}
	m, emitted := testModel(t, ch, nil, Hooks{})

	m.Update(FrameMsg(protocol.Frame{Kind: protocol.FrameStreamStart}))
	m.Update(FrameMsg(protocol.Frame{Kind: protocol.FramePayload, Payload: "Hello, "}))
	m.Update(FrameMsg(protocol.Frame{Kind: protocol.FramePayload, Payload: "**world**"}))
	m.Update(FrameMsg(protocol.Frame{Kind: protocol.FrameStreamEnd}))

	// Finalize renders synchronously into the emit sink; feed the
	// resulting messages back the way the program loop would.
	var final *streamFinalMsg
	for _, msg := range *emitted {
		if f, ok := msg.(streamFinalMsg); ok {
			final = &f
		}
	}
	if final == nil {
		t.Fatal("no final render emitted")
	}
	m.Update(*final)

	if len(m.entries) != 1 {
		t.Fatalf("entries = %+v", m.entries)
	}
	e := m.entries[0]
	if e.pending {
		t.Error("entry still pending")
	}
	if e.text != "Hello, **world**" {
		t.Errorf("raw = %q", e.text)
	}
	if !strings.HasPrefix(e.markup, "MD[") {
		t.Errorf("markup = %q", e.markup)
	}

	got, _ := m.store.Entries(context.Background(), "test-session", 0)
	if len(got) != 1 || got[0].Role != history.RoleAssistant {
		t.Errorf("history = %+v", got)
	}
}

func TestGatePressSwallowsKey(t *testing.T) {
	gate := keygate.New()
	m, _ := testModel(t, &fakeChannel{}, gate, Hooks{})

	resolved := make(chan string, 1)
	go func() {
		combo, err := gate.WaitFor(context.Background(), []string{"ctrl+shift+y"})
		if err == nil {
			resolved <- combo
		}
	}()

	deadline := time.Now().Add(time.Second)
	for !gate.Armed() {
		if time.Now().After(deadline) {
			t.Fatal("gate never armed")
		}
		time.Sleep(time.Millisecond)
	}

	m.input.Focus()
	m.Update(tea.KeyMsg{Type: tea.KeyCtrlY})

	select {
	case combo := <-resolved:
		if combo != "ctrl+shift+y" {
			t.Errorf("combo = %q", combo)
		}
	case <-time.After(time.Second):
		t.Fatal("gate did not resolve")
	}
	if m.input.Focused() {
		t.Error("input not blurred; keypress could leak into the prompt")
	}
}

func TestRestartShortcut(t *testing.T) {
	ch := &fakeChannel{connected: true}
	m, _ := testModel(t, ch, nil, Hooks{})

	m.Update(tea.KeyMsg{Type: tea.KeyCtrlR})
	if !m.restarting {
		t.Error("restart overlay not raised")
	}
	if len(ch.sent) != 1 || ch.sent[0] != protocol.TokenRestartServer {
		t.Errorf("sent = %v", ch.sent)
	}
}

func TestScenarioShortcuts(t *testing.T) {
	var started, routed []string
	hooks := Hooks{
		StartScenario:      func(name string) { started = append(started, name) },
		StartRouteScenario: func(suffix string) { routed = append(routed, suffix) },
	}
	m, _ := testModel(t, &fakeChannel{}, nil, hooks)

	for _, key := range []tea.KeyType{tea.KeyCtrlD, tea.KeyCtrlT, tea.KeyCtrlG} {
		_, cmd := m.Update(tea.KeyMsg{Type: key})
		if cmd == nil {
			t.Fatalf("key %v: no command", key)
		}
		cmd()
	}

	if len(started) != 1 || started[0] != "demo" {
		t.Errorf("started = %v", started)
	}
	if len(routed) != 2 || routed[0] != "test" || routed[1] != "train" {
		t.Errorf("routed = %v", routed)
	}
}

func TestDemoSystemReplyFrame(t *testing.T) {
	m, emitted := testModel(t, &fakeChannel{}, nil, Hooks{})

	frame := protocol.Classify(`%%DEMO_SYSTEM_REPLY%%:{"message":"Welcome to the demo.","verbatim":true}`)
	m.Update(FrameMsg(frame))

	var posted *AssistantPostedMsg
	for _, msg := range *emitted {
		if p, ok := msg.(AssistantPostedMsg); ok {
			posted = &p
		}
	}
	if posted == nil {
		t.Fatal("no assistant message emitted")
	}
	if posted.Text != "Welcome to the demo." || !posted.Verbatim {
		t.Errorf("posted = %+v", posted)
	}

	m.Update(*posted)
	if len(m.entries) != 1 || m.entries[0].text != "Welcome to the demo." {
		t.Errorf("entries = %+v", m.entries)
	}
}

func TestDemoMCPCallFrame(t *testing.T) {
	m, emitted := testModel(t, &fakeChannel{}, nil, Hooks{})

	frame := protocol.Classify(`%%DEMO_MCP_CALL%%:{"tool_name":"create_invoice","description":"Creating the invoice…"}`)
	m.Update(FrameMsg(frame))

	var posted *AssistantPostedMsg
	for _, msg := range *emitted {
		if p, ok := msg.(AssistantPostedMsg); ok {
			posted = &p
		}
	}
	if posted == nil {
		t.Fatal("no assistant message emitted")
	}
	if posted.Text != "Creating the invoice…" {
		t.Errorf("posted = %+v", posted)
	}
}

func TestDemoDirectiveFrames_Malformed(t *testing.T) {
	m, emitted := testModel(t, &fakeChannel{}, nil, Hooks{})

	m.Update(FrameMsg(protocol.Classify(`%%DEMO_MCP_CALL%%:{not json`)))
	m.Update(FrameMsg(protocol.Classify(`%%DEMO_SYSTEM_REPLY%%:{not json`)))

	for _, msg := range *emitted {
		if _, ok := msg.(AssistantPostedMsg); ok {
			t.Fatalf("malformed directive produced a message: %v", *emitted)
		}
	}
}

func TestChatErrorEntry(t *testing.T) {
	m, _ := testModel(t, &fakeChannel{}, nil, Hooks{})

	m.Update(ChatErrorMsg("Demo step failed: could not act on \"#send\"."))
	if len(m.entries) != 1 || !m.entries[0].isError {
		t.Fatalf("entries = %+v", m.entries)
	}
}

func TestTypingSimulationMessages(t *testing.T) {
	m, _ := testModel(t, &fakeChannel{}, nil, Hooks{})

	m.Update(UserPartialMsg("h"))
	m.Update(UserPartialMsg("hi"))
	if len(m.entries) != 1 || !m.entries[0].pending || m.entries[0].text != "hi" {
		t.Fatalf("entries = %+v", m.entries)
	}

	m.Update(UserPostedMsg("hi"))
	if m.entries[0].pending {
		t.Error("entry still pending after post")
	}

	got, _ := m.store.Entries(context.Background(), "test-session", 0)
	if len(got) != 1 || !got[0].Verbatim {
		t.Errorf("history = %+v", got)
	}
}

func TestEmitterPacing(t *testing.T) {
	var msgs []tea.Msg
	e := NewEmitter(func(m tea.Msg) { msgs = append(msgs, m) })

	if err := e.TypeUser(context.Background(), "hi", time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := e.RevealAssistant(context.Background(), "hello there", time.Millisecond, false); err != nil {
		t.Fatal(err)
	}

	var partials, posts int
	for _, m := range msgs {
		switch m.(type) {
		case UserPartialMsg, AssistantPartialMsg:
			partials++
		case UserPostedMsg, AssistantPostedMsg:
			posts++
		}
	}
	if partials != 4 { // 2 chars + 2 words
		t.Errorf("partials = %d", partials)
	}
	if posts != 2 {
		t.Errorf("posts = %d", posts)
	}
}

func TestEmitterCancelled(t *testing.T) {
	e := NewEmitter(func(tea.Msg) {})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.TypeUser(ctx, "never finishes", time.Hour)
	if err == nil {
		t.Fatal("expected context error")
	}
}

func TestKeyEventTranslation(t *testing.T) {
	cases := []struct {
		msg  tea.KeyMsg
		want string
	}{
		{tea.KeyMsg{Type: tea.KeyCtrlY}, "ctrl+shift+y"},
		{tea.KeyMsg{Type: tea.KeyCtrlN}, "ctrl+shift+n"},
		{keyRunes("a"), "a"},
		{keyRunes("A"), "shift+a"},
		{tea.KeyMsg{Type: tea.KeyEnter}, "enter"},
	}
	for _, c := range cases {
		if got := keygate.Normalize(keyEvent(c.msg)); got != c.want {
			t.Errorf("keyEvent(%q) = %q, want %q", c.msg.String(), got, c.want)
		}
	}
}
