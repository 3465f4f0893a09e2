package interp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ozdriver/ozdriver/internal/bookmark"
	"github.com/ozdriver/ozdriver/internal/dom"
	"github.com/ozdriver/ozdriver/internal/history"
	"github.com/ozdriver/ozdriver/internal/protocol"
	"github.com/ozdriver/ozdriver/internal/script"
	"github.com/ozdriver/ozdriver/internal/transport"
)

// fakeChat records everything the interpreter surfaces.
type fakeChat struct {
	typed    []string
	revealed []string
	errors   []string
	overlays int
}

func (f *fakeChat) TypeUser(ctx context.Context, msg string, perChar time.Duration) error {
	f.typed = append(f.typed, msg)
	return nil
}

func (f *fakeChat) RevealAssistant(ctx context.Context, msg string, perWord time.Duration, verbatim bool) error {
	f.revealed = append(f.revealed, msg)
	return nil
}

func (f *fakeChat) PostError(ctx context.Context, msg string) error {
	f.errors = append(f.errors, msg)
	return nil
}

func (f *fakeChat) ShowRestartOverlay(ctx context.Context) error {
	f.overlays++
	return nil
}

type fakeSender struct {
	fail error
	sent []string
}

func (f *fakeSender) SendOrReconnect(ctx context.Context, text string) error {
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, text)
	return nil
}

// fakeGate resolves immediately with a queued combo.
type fakeGate struct {
	combo string
	waits int
}

func (f *fakeGate) WaitFor(ctx context.Context, validKeys []string) (string, error) {
	f.waits++
	return f.combo, nil
}

type fakeDOM struct {
	failOn  string // step id whose execution fails
	results map[string]*dom.Result
	ran     []string
}

func (f *fakeDOM) Execute(ctx context.Context, st script.Step) (*dom.Result, error) {
	f.ran = append(f.ran, st.StepID)
	if st.StepID == f.failOn {
		return nil, fmt.Errorf("%w: %q", dom.ErrTargetNotFound, st.Selector)
	}
	if r, ok := f.results[st.StepID]; ok {
		return r, nil
	}
	return &dom.Result{}, nil
}

type fakeTools struct {
	out  string
	fail error
	runs []protocol.MCPCallDirective
}

func (f *fakeTools) Run(ctx context.Context, d protocol.MCPCallDirective) (string, error) {
	f.runs = append(f.runs, d)
	return f.out, f.fail
}

type fakeMarks struct {
	continuations []bookmark.Continuation
	switched      int
	cleared       int
	logged        []string
	appended      [][2]string // role, text
}

func (f *fakeMarks) StoreContinuation(ctx context.Context, c bookmark.Continuation) error {
	f.continuations = append(f.continuations, c)
	return nil
}
func (f *fakeMarks) SwitchEnvironment(ctx context.Context) error { f.switched++; return nil }
func (f *fakeMarks) ClearDB(ctx context.Context) error           { f.cleared++; return nil }
func (f *fakeMarks) LogDemoMessage(ctx context.Context, text string) error {
	f.logged = append(f.logged, text)
	return nil
}
func (f *fakeMarks) AppendHistory(ctx context.Context, role, text string) error {
	f.appended = append(f.appended, [2]string{role, text})
	return nil
}

// offline wires an interpreter whose channel is past its reconnect
// bound, so replies and tool calls take the phantom path.
func offline(chat *fakeChat, deps Deps) *Interpreter {
	deps.Chat = chat
	if deps.Channel == nil {
		deps.Channel = &fakeSender{fail: transport.ErrReconnectTimeout}
	}
	it := New(deps)
	it.SetPacing(time.Millisecond)
	return it
}

func TestRun_TwoStepScript(t *testing.T) {
	chat := &fakeChat{}
	marks := &fakeMarks{}
	it := offline(chat, Deps{Marks: marks})

	sc := &script.Script{Name: "greeting", Steps: []script.Step{
		{StepID: "s1", Type: script.KindUserInput, Message: "hi"},
		{StepID: "s2", Type: script.KindSystemReply, Message: "hello"},
	}}

	sess, err := it.Start(context.Background(), sc)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess.State != StateEnded {
		t.Errorf("state = %s", sess.State)
	}
	if len(chat.typed) != 1 || chat.typed[0] != "hi" {
		t.Errorf("typed = %v", chat.typed)
	}
	if len(chat.revealed) != 1 || chat.revealed[0] != "hello" {
		t.Errorf("revealed = %v", chat.revealed)
	}
	if len(chat.errors) != 0 {
		t.Errorf("errors = %v", chat.errors)
	}
	// Phantom replies are logged server-side for the transcript.
	if len(marks.logged) != 1 {
		t.Errorf("logged = %v", marks.logged)
	}
}

func TestRun_UserInputRecordedOffline(t *testing.T) {
	chat := &fakeChat{}
	marks := &fakeMarks{}
	it := offline(chat, Deps{Marks: marks})

	sc := &script.Script{Name: "offline-input", Steps: []script.Step{
		{StepID: "s1", Type: script.KindUserInput, Message: "hi"},
	}}
	if _, err := it.Start(context.Background(), sc); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// With the channel past its bound, the message still reaches the
	// server-side transcript through the history endpoint.
	if len(marks.appended) != 1 || marks.appended[0] != [2]string{history.RoleUser, "hi"} {
		t.Errorf("appended = %v", marks.appended)
	}
}

func TestRun_UserInputNotDoubleRecorded(t *testing.T) {
	chat := &fakeChat{}
	marks := &fakeMarks{}
	ch := &fakeSender{}
	it := New(Deps{Chat: chat, Channel: ch, Marks: marks})
	it.SetPacing(time.Millisecond)

	sc := &script.Script{Name: "live-input", Steps: []script.Step{
		{StepID: "s1", Type: script.KindUserInput, Message: "hi"},
	}}
	if _, err := it.Start(context.Background(), sc); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Forwarded over the channel; the backend owns the history entry.
	if len(ch.sent) != 1 {
		t.Fatalf("sent = %v", ch.sent)
	}
	if len(marks.appended) != 0 {
		t.Errorf("appended = %v", marks.appended)
	}
}

func TestRun_SystemReplyOverChannel(t *testing.T) {
	chat := &fakeChat{}
	ch := &fakeSender{}
	it := New(Deps{Chat: chat, Channel: ch})
	it.SetPacing(time.Millisecond)

	sc := &script.Script{Name: "live", Steps: []script.Step{
		{StepID: "s1", Type: script.KindSystemReply, Message: "hello", Verbatim: true},
	}}
	if _, err := it.Start(context.Background(), sc); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if len(ch.sent) != 1 || !strings.HasPrefix(ch.sent[0], protocol.PrefixSystemReply) {
		t.Fatalf("sent = %v", ch.sent)
	}
	// The backend echoes it back over the stream; nothing shows locally.
	if len(chat.revealed) != 0 {
		t.Errorf("revealed = %v", chat.revealed)
	}
}

func TestRun_BranchIsTotalReplacement(t *testing.T) {
	chat := &fakeChat{}
	gate := &fakeGate{combo: "ctrl+shift+y"}
	it := offline(chat, Deps{Gate: gate})

	sc := &script.Script{
		Name: "branching",
		Steps: []script.Step{
			{StepID: "s1", Type: script.KindSystemReply, Message: "continue?",
				WaitForInput: true,
				ValidKeys:    []string{"ctrl+shift+y", "ctrl+shift+n"},
				Branches:     map[string]string{"ctrl+shift+y": "yes", "ctrl+shift+n": "no"}},
			{StepID: "s2", Type: script.KindSystemReply, Message: "never shown"},
		},
		Branches: map[string][]script.Step{
			"yes": {{StepID: "y1", Type: script.KindSystemReply, Message: "took yes"}},
			"no":  {{StepID: "n1", Type: script.KindSystemReply, Message: "took no"}},
		},
	}

	sess, err := it.Start(context.Background(), sc)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if gate.waits != 1 {
		t.Errorf("gate waits = %d", gate.waits)
	}
	if sess.Branch != "yes" {
		t.Errorf("branch = %q", sess.Branch)
	}

	joined := strings.Join(chat.revealed, "|")
	if !strings.Contains(joined, "took yes") {
		t.Errorf("branch steps did not run: %v", chat.revealed)
	}
	if strings.Contains(joined, "never shown") || strings.Contains(joined, "took no") {
		t.Errorf("replacement violated: %v", chat.revealed)
	}
}

func TestRun_UnknownBranchFallsThrough(t *testing.T) {
	chat := &fakeChat{}
	gate := &fakeGate{combo: "ctrl+shift+y"}
	it := offline(chat, Deps{Gate: gate})

	sc := &script.Script{
		Name: "dangling",
		Steps: []script.Step{
			{StepID: "s1", Type: script.KindSystemReply, Message: "continue?",
				WaitForInput: true,
				ValidKeys:    []string{"ctrl+shift+y"},
				Branches:     map[string]string{"ctrl+shift+y": "missing"}},
			{StepID: "s2", Type: script.KindSystemReply, Message: "after"},
		},
	}

	if _, err := it.Start(context.Background(), sc); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(chat.errors) != 1 {
		t.Errorf("errors = %v", chat.errors)
	}
	if !strings.Contains(strings.Join(chat.revealed, "|"), "after") {
		t.Errorf("fallthrough did not continue: %v", chat.revealed)
	}
}

func TestRun_DOMFailureHaltsSequence(t *testing.T) {
	chat := &fakeChat{}
	pages := &fakeDOM{failOn: "s1"}
	it := offline(chat, Deps{DOM: pages})

	sc := &script.Script{Name: "halting", Steps: []script.Step{
		{StepID: "s1", Type: script.KindDOMAction, Selector: "#ghost", Action: script.ActionClick},
		{StepID: "s2", Type: script.KindSystemReply, Message: "after"},
	}}

	_, err := it.Start(context.Background(), sc)
	if !errors.Is(err, dom.ErrTargetNotFound) {
		t.Fatalf("err = %v, want ErrTargetNotFound", err)
	}
	if len(chat.errors) != 1 {
		t.Errorf("chat errors = %v, want exactly one", chat.errors)
	}
	if len(chat.revealed) != 0 {
		t.Errorf("later steps ran: %v", chat.revealed)
	}
}

func TestRun_DOMCapturedMessage(t *testing.T) {
	chat := &fakeChat{}
	pages := &fakeDOM{results: map[string]*dom.Result{
		"s1": {Captured: "$42.00", Message: "The new total is $42.00."},
	}}
	it := offline(chat, Deps{DOM: pages})

	sc := &script.Script{Name: "capture", Steps: []script.Step{
		{StepID: "s1", Type: script.KindDOMAction, Selector: "#apply", Action: script.ActionClick,
			ReadValueFrom: "#total", MessageTemplate: "The new total is {value}."},
	}}
	if _, err := it.Start(context.Background(), sc); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(chat.revealed) != 1 || chat.revealed[0] != "The new total is $42.00." {
		t.Errorf("revealed = %v", chat.revealed)
	}
}

func TestRun_ToolCallFallsBackLocally(t *testing.T) {
	chat := &fakeChat{}
	tools := &fakeTools{out: "invoice INV-204 created"}
	it := offline(chat, Deps{Tools: tools})

	sc := &script.Script{Name: "tools", Steps: []script.Step{
		{StepID: "s1", Type: script.KindMCPToolCall, ToolName: "create_invoice",
			ToolArgs: map[string]any{"account": "acme"}, Description: "Creating the invoice now."},
	}}
	if _, err := it.Start(context.Background(), sc); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if len(tools.runs) != 1 || tools.runs[0].ToolName != "create_invoice" {
		t.Fatalf("runs = %v", tools.runs)
	}
	joined := strings.Join(chat.revealed, "|")
	if !strings.Contains(joined, "Creating the invoice now.") || !strings.Contains(joined, "invoice INV-204 created") {
		t.Errorf("revealed = %v", chat.revealed)
	}
}

func TestRun_DestructiveStepHandsOff(t *testing.T) {
	chat := &fakeChat{}
	gate := &fakeGate{combo: "ctrl+shift+y"}
	marks := &fakeMarks{}
	it := offline(chat, Deps{Gate: gate, Marks: marks})

	sc := &script.Script{
		Name: "reset",
		Steps: []script.Step{
			{StepID: "s1", Type: script.KindSystemReply, Message: "reset everything?",
				WaitForInput: true,
				ValidKeys:    []string{"ctrl+shift+y"},
				Branches:     map[string]string{"ctrl+shift+y": "wipe"}},
		},
		Branches: map[string][]script.Step{
			"wipe": {
				{StepID: "w1", Type: script.KindSystemReply, Message: "Resetting now.",
					Destructive: script.DestructiveClearDB},
				{StepID: "w2", Type: script.KindSystemReply, Message: "never reached in this run"},
			},
		},
	}

	_, err := it.Start(context.Background(), sc)
	if !errors.Is(err, ErrRestartPending) {
		t.Fatalf("err = %v, want ErrRestartPending", err)
	}

	if marks.cleared != 1 {
		t.Errorf("clear-db calls = %d", marks.cleared)
	}
	if chat.overlays != 1 {
		t.Errorf("overlays = %d", chat.overlays)
	}
	if len(marks.continuations) != 1 {
		t.Fatalf("continuations = %v", marks.continuations)
	}
	c := marks.continuations[0]
	if c.StepID != "w1" || c.Branch != "wipe" {
		t.Errorf("continuation = %+v", c)
	}
	if strings.Contains(strings.Join(chat.revealed, "|"), "never reached") {
		t.Errorf("run continued past destructive step: %v", chat.revealed)
	}
}

func TestResumeAfter_RunsOnlyTail(t *testing.T) {
	chat := &fakeChat{}
	it := offline(chat, Deps{})

	sc := &script.Script{
		Name: "resumable",
		Branches: map[string][]script.Step{
			"wipe": {
				{StepID: "w1", Type: script.KindSystemReply, Message: "Resetting now."},
				{StepID: "w2", Type: script.KindSystemReply, Message: "Back online."},
				{StepID: "w3", Type: script.KindSystemReply, Message: "All done."},
			},
		},
	}

	sess, err := it.ResumeAfter(context.Background(), sc, "w1", "wipe")
	if err != nil {
		t.Fatalf("ResumeAfter: %v", err)
	}
	if sess.State != StateEnded {
		t.Errorf("state = %s", sess.State)
	}

	want := []string{"Back online.", "All done."}
	if len(chat.revealed) != len(want) {
		t.Fatalf("revealed = %v", chat.revealed)
	}
	for i, w := range want {
		if chat.revealed[i] != w {
			t.Errorf("revealed[%d] = %q, want %q", i, chat.revealed[i], w)
		}
	}
}

func TestResumeAfter_UnknownStep(t *testing.T) {
	it := offline(&fakeChat{}, Deps{})
	sc := &script.Script{Name: "x", Steps: []script.Step{
		{StepID: "s1", Type: script.KindSystemReply, Message: "hi"},
	}}

	_, err := it.ResumeAfter(context.Background(), sc, "ghost", "")
	if !errors.Is(err, ErrStepNotFound) {
		t.Errorf("err = %v, want ErrStepNotFound", err)
	}
}

func TestRun_EndDemoHalts(t *testing.T) {
	chat := &fakeChat{}
	it := offline(chat, Deps{})

	sc := &script.Script{Name: "short", Steps: []script.Step{
		{StepID: "s1", Type: script.KindSystemReply, Message: "bye", EndDemo: true},
		{StepID: "s2", Type: script.KindSystemReply, Message: "unreachable"},
	}}

	sess, err := it.Start(context.Background(), sc)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess.State != StateEnded {
		t.Errorf("state = %s", sess.State)
	}
	if len(chat.revealed) != 1 || chat.revealed[0] != "bye" {
		t.Errorf("revealed = %v", chat.revealed)
	}
}

func TestRun_DelayBeforeHonored(t *testing.T) {
	chat := &fakeChat{}
	it := offline(chat, Deps{})

	sc := &script.Script{Name: "timed", Steps: []script.Step{
		{StepID: "s1", Type: script.KindSystemReply, Message: "later",
			Timing: &script.Timing{DelayBefore: 30}},
	}}

	start := time.Now()
	if _, err := it.Start(context.Background(), sc); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 30ms", elapsed)
	}
}

// blockingGate holds the run at the gate until the test releases it.
type blockingGate struct {
	armed   chan struct{}
	release chan string
}

func (g *blockingGate) WaitFor(ctx context.Context, validKeys []string) (string, error) {
	g.armed <- struct{}{}
	select {
	case combo := <-g.release:
		return combo, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestPending_SnapshotMidRun(t *testing.T) {
	chat := &fakeChat{}
	gate := &blockingGate{armed: make(chan struct{}, 1), release: make(chan string)}
	it := offline(chat, Deps{Gate: gate})

	sc := &script.Script{
		Name: "interruptible",
		Steps: []script.Step{
			{StepID: "s1", Type: script.KindSystemReply, Message: "first"},
			{StepID: "s2", Type: script.KindSystemReply, Message: "choose",
				WaitForInput: true,
				ValidKeys:    []string{"ctrl+shift+y"},
				Branches:     map[string]string{}},
			{StepID: "s3", Type: script.KindSystemReply, Message: "last"},
		},
	}

	done := make(chan error, 1)
	go func() {
		_, err := it.Start(context.Background(), sc)
		done <- err
	}()

	<-gate.armed
	name, steps, ok := it.Pending()
	if !ok {
		t.Fatal("no pending run while waiting at the gate")
	}
	if name != "interruptible" {
		t.Errorf("name = %q", name)
	}
	// The gate step has not finished, so it is still pending along with
	// everything after it.
	if len(steps) != 2 || steps[0].StepID != "s2" || steps[1].StepID != "s3" {
		t.Fatalf("steps = %+v", steps)
	}

	gate.release <- "ctrl+shift+y"
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	if _, _, ok := it.Pending(); ok {
		t.Error("pending reported after the run ended")
	}
}
