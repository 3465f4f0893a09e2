// Package interp walks demo scripts step by step.
//
// A run is an explicit Session value, never ambient globals: the
// current script, the list being executed (main or a named branch) and
// the cursor into it. Resuming after a page reload or a backend restart
// re-enters through the same machinery as a fresh start.
//
// State machine: Idle → Running → [WaitingForInput] → Running | Ended.
// Branch transfer is total replacement: once a branch is taken the
// remaining steps of the previous list never execute.
package interp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ozdriver/ozdriver/internal/bookmark"
	"github.com/ozdriver/ozdriver/internal/dom"
	"github.com/ozdriver/ozdriver/internal/history"
	"github.com/ozdriver/ozdriver/internal/observability"
	"github.com/ozdriver/ozdriver/internal/protocol"
	"github.com/ozdriver/ozdriver/internal/script"
)

var (
	// ErrRestartPending signals that a destructive step took the backend
	// down. The run is over; the caller polls for the comeback marker and
	// resumes through the bookmark manager, not by continuing in place.
	ErrRestartPending = errors.New("interp: backend restart pending")

	// ErrStepNotFound is returned when a resume marker names a step the
	// reloaded script no longer contains.
	ErrStepNotFound = errors.New("interp: resume step not found")
)

// State of a session.
type State string

const (
	StateIdle            State = "idle"
	StateRunning         State = "running"
	StateWaitingForInput State = "waiting_for_input"
	StateEnded           State = "ended"
)

// Session is one demo run.
type Session struct {
	ID     string
	Script *script.Script
	Branch string // "" while on the main list
	Cursor int
	State  State
}

// Chat is where the interpreter surfaces simulated conversation. The UI
// implements the pacing (typing per character, reveal per word).
type Chat interface {
	// TypeUser simulates the user typing message at perChar pace, then
	// posts it as a user entry.
	TypeUser(ctx context.Context, message string, perChar time.Duration) error
	// RevealAssistant posts an assistant entry revealed word-by-word.
	RevealAssistant(ctx context.Context, message string, perWord time.Duration, verbatim bool) error
	// PostError surfaces a script or execution failure in the transcript.
	PostError(ctx context.Context, message string) error
	// ShowRestartOverlay covers the screen while the backend goes down.
	ShowRestartOverlay(ctx context.Context) error
}

// Sender is the outbound side of the transport channel.
type Sender interface {
	SendOrReconnect(ctx context.Context, text string) error
}

// Gate blocks until one of validKeys is pressed.
type Gate interface {
	WaitFor(ctx context.Context, validKeys []string) (string, error)
}

// DOMExecutor performs dom_action steps.
type DOMExecutor interface {
	Execute(ctx context.Context, st script.Step) (*dom.Result, error)
}

// ToolRunner executes tool calls locally when the channel is down.
type ToolRunner interface {
	Run(ctx context.Context, d protocol.MCPCallDirective) (string, error)
}

// Marks is the slice of the bookmark manager the interpreter needs.
type Marks interface {
	StoreContinuation(ctx context.Context, c bookmark.Continuation) error
	SwitchEnvironment(ctx context.Context) error
	ClearDB(ctx context.Context) error
	LogDemoMessage(ctx context.Context, text string) error
	AppendHistory(ctx context.Context, role, text string) error
}

const (
	defaultInterStepDelay = 800 * time.Millisecond
	defaultTypingSpeed    = 40 * time.Millisecond  // per character
	defaultDisplaySpeed   = 120 * time.Millisecond // per word
)

// Deps wires the interpreter's collaborators. Store, Tools, Marks and
// Metrics may be nil.
type Deps struct {
	Chat    Chat
	Channel Sender
	Gate    Gate
	DOM     DOMExecutor
	Tools   ToolRunner
	Marks   Marks
	Store   history.Store
	Metrics *observability.MetricsCollector
}

// Interpreter executes demo scripts.
type Interpreter struct {
	deps      Deps
	interStep time.Duration
	log       *observability.Logger

	// Snapshot of the list currently executing, read by Pending from
	// other goroutines while the run owns everything else.
	mu        sync.Mutex
	runName   string
	runSteps  []script.Step
	runCursor int
}

// New creates an interpreter.
func New(deps Deps) *Interpreter {
	return &Interpreter{
		deps:      deps,
		interStep: defaultInterStepDelay,
		log:       observability.NewLogger("interp", nil),
	}
}

// SetPacing overrides the inter-step delay, mainly for tests.
func (it *Interpreter) SetPacing(interStep time.Duration) {
	if interStep > 0 {
		it.interStep = interStep
	}
}

// Start runs a script from its first step. The returned session
// reflects where the run ended.
func (it *Interpreter) Start(ctx context.Context, sc *script.Script) (*Session, error) {
	sess := &Session{ID: history.NewSessionID(), Script: sc, State: StateIdle}
	err := it.runList(ctx, sess, sc.Steps)
	it.clearRun()
	return sess, err
}

// ResumeSteps re-enters with a flat step tail taken from a navigation
// bookmark. sc is the re-fetched full script so branches stay
// available.
func (it *Interpreter) ResumeSteps(ctx context.Context, sc *script.Script, steps []script.Step) (*Session, error) {
	sess := &Session{ID: history.NewSessionID(), Script: sc, State: StateIdle}
	err := it.runList(ctx, sess, steps)
	it.clearRun()
	return sess, err
}

// ResumeAfter re-enters after a backend restart: it locates the step
// the continuation marker recorded within its branch and runs the tail
// that follows it.
func (it *Interpreter) ResumeAfter(ctx context.Context, sc *script.Script, afterStepID, branch string) (*Session, error) {
	list := sc.Steps
	if branch != "" {
		list = sc.BranchSteps(branch)
		if list == nil {
			return nil, fmt.Errorf("%w: branch %q missing", ErrStepNotFound, branch)
		}
	}

	idx := -1
	for i, st := range list {
		if st.StepID == afterStepID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: %q in branch %q", ErrStepNotFound, afterStepID, branch)
	}

	sess := &Session{ID: history.NewSessionID(), Script: sc, Branch: branch, State: StateIdle}
	err := it.runList(ctx, sess, list[idx+1:])
	it.clearRun()
	return sess, err
}

// Pending reports the steps of the active run that have not completed
// yet, current step included. The driver bookmarks them when the
// process goes away mid-demo; after a run ends there is nothing to
// report.
func (it *Interpreter) Pending() (scriptName string, steps []script.Step, ok bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.runCursor >= len(it.runSteps) {
		return "", nil, false
	}
	steps = make([]script.Step, len(it.runSteps)-it.runCursor)
	copy(steps, it.runSteps[it.runCursor:])
	return it.runName, steps, true
}

func (it *Interpreter) setRun(name string, steps []script.Step) {
	it.mu.Lock()
	it.runName = name
	it.runSteps = steps
	it.runCursor = 0
	it.mu.Unlock()
}

func (it *Interpreter) advance(cursor int) {
	it.mu.Lock()
	it.runCursor = cursor
	it.mu.Unlock()
}

func (it *Interpreter) clearRun() {
	it.mu.Lock()
	it.runName = ""
	it.runSteps = nil
	it.runCursor = 0
	it.mu.Unlock()
}

// runList executes one step list to completion, branch transfer, end or
// failure.
func (it *Interpreter) runList(ctx context.Context, sess *Session, steps []script.Step) error {
	sess.State = StateRunning
	it.setRun(sess.Script.Name, steps)

	for i, st := range steps {
		sess.Cursor = i
		it.advance(i)

		if st.Timing != nil && st.Timing.DelayBefore > 0 {
			if err := sleep(ctx, time.Duration(st.Timing.DelayBefore)*time.Millisecond); err != nil {
				return err
			}
		}

		if err := it.exec(ctx, sess, st); err != nil {
			it.recordStep(ctx, sess, st, history.OutcomeFailed, err.Error())
			sess.State = StateEnded
			return err
		}
		it.recordStep(ctx, sess, st, history.OutcomeOK, "")
		if it.deps.Metrics != nil {
			it.deps.Metrics.Increment("steps")
		}

		if st.Destructive != script.DestructiveNone {
			return it.handoffRestart(ctx, sess, st)
		}

		if st.WaitForInput {
			transferred, err := it.branch(ctx, sess, st)
			if err != nil {
				sess.State = StateEnded
				return err
			}
			if transferred {
				return nil
			}
		}

		if st.EndDemo {
			sess.State = StateEnded
			it.log.StepEvent("end_demo", st.StepID)
			return nil
		}

		// The step is fully done, gate included; a bookmark taken from
		// here on resumes at the next step.
		it.advance(i + 1)

		// Natural pacing between steps, independent of delay_before.
		if err := sleep(ctx, it.interStep); err != nil {
			return err
		}
	}

	sess.State = StateEnded
	return nil
}

// branch resolves the keyboard gate and transfers control when the
// combo maps to a branch the script actually defines. Reports whether a
// transfer happened.
func (it *Interpreter) branch(ctx context.Context, sess *Session, st script.Step) (bool, error) {
	sess.State = StateWaitingForInput
	combo, err := it.deps.Gate.WaitFor(ctx, st.ValidKeys)
	if err != nil {
		return false, fmt.Errorf("interp: wait for input at %q: %w", st.StepID, err)
	}
	sess.State = StateRunning

	branchKey, ok := st.Branches[combo]
	if !ok {
		// A valid key with no mapping proceeds without branching.
		it.log.StepEvent("combo_unmapped", st.StepID, "combo", combo)
		return false, nil
	}

	branchSteps := sess.Script.BranchSteps(branchKey)
	if branchSteps == nil {
		it.log.Error("branch missing from script", "step", st.StepID, "branch", branchKey)
		it.postError(ctx, fmt.Sprintf("Demo script error: branch %q is not defined.", branchKey))
		return false, nil
	}

	if it.deps.Metrics != nil {
		it.deps.Metrics.Increment("branches")
	}
	it.recordStep(ctx, sess, st, history.OutcomeBranch, branchKey)
	it.log.StepEvent("branch_taken", st.StepID, "combo", combo, "branch", branchKey)

	sess.Branch = branchKey
	sess.Cursor = 0
	return true, it.runList(ctx, sess, branchSteps)
}

// handoffRestart persists the continuation marker, shows the overlay
// and fires the destructive operation. The run ends here; a different
// page load picks the demo back up.
func (it *Interpreter) handoffRestart(ctx context.Context, sess *Session, st script.Step) error {
	sess.State = StateEnded
	if it.deps.Marks == nil {
		return fmt.Errorf("interp: destructive step %q without bookmark manager", st.StepID)
	}

	err := it.deps.Marks.StoreContinuation(ctx, bookmark.Continuation{
		StepID:     st.StepID,
		Branch:     sess.Branch,
		ScriptName: sess.Script.Name,
	})
	if err != nil {
		return fmt.Errorf("interp: store continuation for %q: %w", st.StepID, err)
	}

	if it.deps.Chat != nil {
		it.deps.Chat.ShowRestartOverlay(ctx)
	}

	switch st.Destructive {
	case script.DestructiveSwitchEnv:
		err = it.deps.Marks.SwitchEnvironment(ctx)
	case script.DestructiveClearDB:
		err = it.deps.Marks.ClearDB(ctx)
	default:
		err = fmt.Errorf("unknown destructive op %q", st.Destructive)
	}
	if err != nil {
		return fmt.Errorf("interp: destructive step %q: %w", st.StepID, err)
	}

	it.log.StepEvent("restart_handoff", st.StepID, "op", string(st.Destructive))
	return ErrRestartPending
}

// exec dispatches one step by kind.
func (it *Interpreter) exec(ctx context.Context, sess *Session, st script.Step) error {
	switch st.Type {
	case script.KindUserInput:
		return it.execUserInput(ctx, st)
	case script.KindSystemReply:
		return it.execSystemReply(ctx, st)
	case script.KindDOMAction:
		return it.execDOMAction(ctx, st)
	case script.KindMCPToolCall:
		return it.execToolCall(ctx, st)
	default:
		return fmt.Errorf("interp: step %q has unknown type %q", st.StepID, st.Type)
	}
}

// execUserInput types the message into the transcript and forwards it
// to the backend marked verbatim so it lands in history without
// triggering a real reply. Forwarding is best-effort.
func (it *Interpreter) execUserInput(ctx context.Context, st script.Step) error {
	if err := it.deps.Chat.TypeUser(ctx, st.Message, typingSpeed(st)); err != nil {
		return fmt.Errorf("interp: type user input %q: %w", st.StepID, err)
	}
	if it.deps.Channel != nil {
		if err := it.deps.Channel.SendOrReconnect(ctx, protocol.MarkVerbatim(st.Message)); err != nil {
			it.log.Warn("user input not forwarded", "step", st.StepID, "error", err)
			if it.deps.Marks != nil {
				if err := it.deps.Marks.AppendHistory(ctx, history.RoleUser, st.Message); err != nil {
					it.log.Warn("user input not recorded server-side", "error", err)
				}
			}
		}
	}
	return nil
}

// execSystemReply hands the reply to the backend as a directive so it
// comes back over the stream. With the channel gone past its reconnect
// bound, the reply becomes a phantom message shown locally.
func (it *Interpreter) execSystemReply(ctx context.Context, st script.Step) error {
	frame, err := protocol.EncodeSystemReply(protocol.SystemReplyDirective{
		Message:      st.Message,
		Verbatim:     st.Verbatim,
		DisplaySpeed: displaySpeedMs(st),
	})
	if err != nil {
		return fmt.Errorf("interp: encode reply %q: %w", st.StepID, err)
	}

	if it.deps.Channel != nil {
		err := it.deps.Channel.SendOrReconnect(ctx, frame)
		if err == nil {
			return nil
		}
		it.log.Warn("reply degraded to phantom", "step", st.StepID, "error", err)
	}

	return it.phantomAssistant(ctx, st.Message, displaySpeed(st), st.Verbatim)
}

// execDOMAction runs the action; a missing target is fatal to the whole
// sequence and produces exactly one chat-visible error.
func (it *Interpreter) execDOMAction(ctx context.Context, st script.Step) error {
	if it.deps.DOM == nil {
		it.postError(ctx, fmt.Sprintf("Demo step failed: could not act on %q.", st.Selector))
		return fmt.Errorf("interp: dom step %q: browser control unavailable", st.StepID)
	}

	res, err := it.deps.DOM.Execute(ctx, st)
	if err != nil {
		it.postError(ctx, fmt.Sprintf("Demo step failed: could not act on %q.", st.Selector))
		return fmt.Errorf("interp: dom step %q: %w", st.StepID, err)
	}

	if res != nil && res.Message != "" {
		return it.phantomAssistant(ctx, res.Message, displaySpeed(st), false)
	}
	return nil
}

// execToolCall sends the call to the backend; past the reconnect bound
// it executes locally and narrates the result as a phantom message.
func (it *Interpreter) execToolCall(ctx context.Context, st script.Step) error {
	d := protocol.MCPCallDirective{
		ToolName:    st.ToolName,
		ToolArgs:    st.ToolArgs,
		Description: st.Description,
	}
	frame, err := protocol.EncodeMCPCall(d)
	if err != nil {
		return fmt.Errorf("interp: encode tool call %q: %w", st.StepID, err)
	}

	if it.deps.Channel != nil {
		err := it.deps.Channel.SendOrReconnect(ctx, frame)
		if err == nil {
			return nil
		}
		it.log.Warn("tool call degraded to local run", "step", st.StepID, "error", err)
	}

	if it.deps.Metrics != nil {
		it.deps.Metrics.Increment("fallbacks")
	}
	if it.deps.Tools == nil {
		it.postError(ctx, fmt.Sprintf("Tool %q is unavailable offline.", st.ToolName))
		return nil
	}

	if d.Description != "" {
		if err := it.phantomAssistant(ctx, d.Description, displaySpeed(st), false); err != nil {
			return err
		}
	}
	out, err := it.deps.Tools.Run(ctx, d)
	if err != nil {
		it.log.Error("local tool run failed", "tool", st.ToolName, "error", err)
		it.postError(ctx, fmt.Sprintf("Tool %q failed: %v", st.ToolName, err))
		return nil
	}
	if out != "" {
		return it.phantomAssistant(ctx, out, displaySpeed(st), false)
	}
	return nil
}

// phantomAssistant shows a locally synthesized assistant message and
// logs it server-side best-effort.
func (it *Interpreter) phantomAssistant(ctx context.Context, message string, perWord time.Duration, verbatim bool) error {
	if err := it.deps.Chat.RevealAssistant(ctx, message, perWord, verbatim); err != nil {
		return fmt.Errorf("interp: reveal assistant message: %w", err)
	}
	if it.deps.Marks != nil {
		if err := it.deps.Marks.LogDemoMessage(ctx, message); err != nil {
			it.log.Warn("demo message not logged", "error", err)
		}
	}
	return nil
}

func (it *Interpreter) postError(ctx context.Context, message string) {
	if it.deps.Chat != nil {
		it.deps.Chat.PostError(ctx, message)
	}
}

func (it *Interpreter) recordStep(ctx context.Context, sess *Session, st script.Step, outcome, detail string) {
	if it.deps.Store == nil {
		return
	}
	err := it.deps.Store.RecordStep(ctx, history.StepEvent{
		Session: sess.ID,
		Script:  sess.Script.Name,
		StepID:  st.StepID,
		Kind:    string(st.Type),
		Outcome: outcome,
		Detail:  detail,
	})
	if err != nil {
		it.log.Warn("step not recorded", "step", st.StepID, "error", err)
	}
}

func typingSpeed(st script.Step) time.Duration {
	if st.Timing != nil && st.Timing.TypingSpeed > 0 {
		return time.Duration(st.Timing.TypingSpeed) * time.Millisecond
	}
	return defaultTypingSpeed
}

func displaySpeed(st script.Step) time.Duration {
	if st.Timing != nil && st.Timing.DisplaySpeed > 0 {
		return time.Duration(st.Timing.DisplaySpeed) * time.Millisecond
	}
	return defaultDisplaySpeed
}

func displaySpeedMs(st script.Step) int {
	if st.Timing != nil {
		return st.Timing.DisplaySpeed
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) error {
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
