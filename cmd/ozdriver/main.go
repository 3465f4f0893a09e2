// Command ozdriver is the terminal driver for the chat-and-demo
// backend. It holds the WebSocket channel open, renders streamed
// Markdown, and runs scripted demos with keyboard-gated branching,
// browser actions and crash-safe resumption.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ozdriver/ozdriver/internal/bookmark"
	"github.com/ozdriver/ozdriver/internal/dom"
	"github.com/ozdriver/ozdriver/internal/history"
	"github.com/ozdriver/ozdriver/internal/interp"
	"github.com/ozdriver/ozdriver/internal/keygate"
	"github.com/ozdriver/ozdriver/internal/mcp"
	"github.com/ozdriver/ozdriver/internal/observability"
	"github.com/ozdriver/ozdriver/internal/protocol"
	"github.com/ozdriver/ozdriver/internal/render"
	"github.com/ozdriver/ozdriver/internal/script"
	"github.com/ozdriver/ozdriver/internal/transport"
	"github.com/ozdriver/ozdriver/internal/ui"
)

const version = "1.0.0"

// comeback polling after a driver-triggered backend restart.
const (
	comebackInterval = 2 * time.Second
	comebackBound    = 90 * time.Second

	// pause plus fade, matching the transition the UI plays.
	resumeTransition = 2500 * time.Millisecond
)

func main() {
	cmd := "run"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "run":
		runClient()
	case "status":
		runStatus()
	case "version":
		fmt.Printf("ozdriver %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`ozdriver - terminal driver for the chat and demo backend

Usage:
  ozdriver [command]

Commands:
  run      Start the interactive client (default)
  status   Probe the backend and show the last local session
  version  Print the version
  help     Show this help

Environment:
  OZDRIVER_WS_URL        WebSocket endpoint (default ws://127.0.0.1:8080/ws)
  OZDRIVER_HTTP_BASE     Backend HTTP base (default http://127.0.0.1:8080)
  OZDRIVER_DATA          Data directory (default ~/.ozdriver)
  OZDRIVER_CDP_URL       Browser DevTools URL; empty launches a local headless browser
  OZDRIVER_NO_BROWSER    Set to 1 to run without browser control
  OZDRIVER_SCENARIO_DIR  Local scenario directory, checked before the backend
  OZDRIVER_MCP_CONFIG    JSON file listing MCP servers for offline tool calls`)
}

// Config is the process configuration, read from the environment.
type Config struct {
	WSURL       string
	HTTPBase    string
	DataDir     string
	CDPURL      string
	NoBrowser   bool
	ScenarioDir string
	MCPConfig   string
}

func loadConfig() (*Config, error) {
	dataDir := os.Getenv("OZDRIVER_DATA")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".ozdriver")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	return &Config{
		WSURL:       envOr("OZDRIVER_WS_URL", "ws://127.0.0.1:8080/ws"),
		HTTPBase:    envOr("OZDRIVER_HTTP_BASE", "http://127.0.0.1:8080"),
		DataDir:     dataDir,
		CDPURL:      os.Getenv("OZDRIVER_CDP_URL"),
		NoBrowser:   os.Getenv("OZDRIVER_NO_BROWSER") == "1",
		ScenarioDir: os.Getenv("OZDRIVER_SCENARIO_DIR"),
		MCPConfig:   os.Getenv("OZDRIVER_MCP_CONFIG"),
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// driver owns every subsystem for one client process.
type driver struct {
	cfg     *Config
	log     *observability.Logger
	logFile *os.File

	metrics  *observability.MetricsCollector
	store    history.Store
	session  string
	channel  *transport.Channel
	gate     *keygate.Gate
	page     *dom.RodPage // nil without browser control
	executor *dom.Executor
	registry *mcp.Registry
	servers  []string
	tools    *mcp.FallbackRunner
	marks    *bookmark.Manager
	loader   *script.Loader
	interp   *interp.Interpreter
	model    *ui.Model
	program  *tea.Program

	ctx context.Context
}

// bootstrap constructs the subsystems in dependency order. Logs go to a
// file; stdout belongs to the UI.
func bootstrap(cfg *Config) (*driver, error) {
	logFile, err := os.OpenFile(filepath.Join(cfg.DataDir, "ozdriver.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	d := &driver{
		cfg:     cfg,
		log:     observability.NewLogger("driver", logFile),
		logFile: logFile,
		metrics: observability.NewMetricsCollector(4096),
		gate:    keygate.New(),
		session: history.NewSessionID(),
	}
	d.log.Info("bootstrap", "version", version, "data", cfg.DataDir)

	d.store, err = history.NewSQLiteStore(filepath.Join(cfg.DataDir, "ozdriver.db"))
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("open history store: %w", err)
	}

	d.channel = transport.New(cfg.WSURL, d.metrics)
	d.marks = bookmark.NewManager(cfg.HTTPBase, nil)
	d.loader = script.NewLoader(cfg.HTTPBase, cfg.ScenarioDir,
		observability.NewLogger("script", logFile))

	d.registry = mcp.NewRegistry()
	if cfg.MCPConfig != "" {
		if err := d.loadMCPServers(cfg.MCPConfig); err != nil {
			d.log.Warn("mcp config unusable", "path", cfg.MCPConfig, "error", err)
		}
	}
	d.tools = mcp.NewFallbackRunner(d.registry)

	if !cfg.NoBrowser {
		page, err := dom.ConnectPage(cfg.CDPURL)
		if err != nil {
			d.log.Warn("browser control unavailable", "error", err)
		} else {
			d.page = page
			d.executor = dom.NewExecutor(page, d.metrics)
		}
	}

	renderer, err := render.NewTermRenderer(0)
	if err != nil {
		d.shutdown()
		return nil, fmt.Errorf("markdown renderer: %w", err)
	}

	d.model = ui.New(ui.Config{
		Channel:  d.channel,
		Gate:     d.gate,
		Hooks:    d.hooks(),
		Store:    d.store,
		Session:  d.session,
		Renderer: renderer,
		Metrics:  d.metrics,
	})
	return d, nil
}

func (d *driver) loadMCPServers(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var configs []mcp.ServerConfig
	if err := json.Unmarshal(data, &configs); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	for _, sc := range configs {
		d.registry.Add(sc)
		d.servers = append(d.servers, sc.Name)
	}
	return nil
}

func (d *driver) hooks() ui.Hooks {
	return ui.Hooks{
		StartScenario:      d.runScenario,
		StartRouteScenario: d.runRouteScenario,
		VoiceTest:          d.voiceTest,
		HealthCheck:        d.healthCheck,
	}
}

func (d *driver) shutdown() {
	if d.channel != nil {
		d.channel.Close()
	}
	if d.registry != nil {
		d.registry.DisconnectAll()
	}
	if d.page != nil {
		d.page.Close()
	}
	if d.store != nil {
		d.store.Close()
	}
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func runClient() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ozdriver: %v\n", err)
		os.Exit(1)
	}

	d, err := bootstrap(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ozdriver: %v\n", err)
		os.Exit(1)
	}
	defer d.shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.ctx = ctx

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
		if d.program != nil {
			d.program.Quit()
		}
	}()

	d.program = tea.NewProgram(d.model, tea.WithAltScreen())
	d.model.SetEmit(d.program.Send)
	d.channel.OnFrame(d.model.OnFrame)

	var domExec interp.DOMExecutor
	if d.executor != nil {
		domExec = d.executor
	}
	d.interp = interp.New(interp.Deps{
		Chat:    ui.NewEmitter(d.model.Emit),
		Channel: d.channel,
		Gate:    d.gate,
		DOM:     domExec,
		Tools:   d.tools,
		Marks:   d.marks,
		Store:   d.store,
		Metrics: d.metrics,
	})

	go d.startup(ctx)

	if _, err := d.program.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "ozdriver: %v\n", err)
		os.Exit(1)
	}

	d.bookmarkPending()
}

// bookmarkPending persists the uncompleted tail of an active demo so
// the next launch can pick it up, and raises the grayscale flag so the
// reload starts dimmed. A quit outside a demo leaves no marker.
func (d *driver) bookmarkPending() {
	name, steps, ok := d.interp.Pending()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := d.marks.StoreBookmark(ctx, bookmark.Bookmark{ScriptName: name, Steps: steps})
	if err != nil {
		d.log.Warn("pending demo not bookmarked", "scenario", name, "error", err)
		return
	}
	if err := d.marks.StoreGrayscale(ctx); err != nil {
		d.log.Warn("grayscale flag not stored", "error", err)
	}
	d.log.Info("pending demo bookmarked", "scenario", name, "steps", len(steps))
}

// startup runs once the program loop is live: connect outward, then
// check both resumption markers.
func (d *driver) startup(ctx context.Context) {
	for _, name := range d.servers {
		if err := d.registry.Connect(ctx, name); err != nil {
			d.log.Warn("mcp server unavailable", "server", name, "error", err)
		}
	}

	if err := d.channel.Connect(ctx); err != nil {
		d.log.Warn("initial connect failed", "error", err)
		if err := d.channel.Reconnect(ctx); err != nil {
			d.log.Warn("starting offline", "error", err)
		}
	}

	d.resume(ctx)
}

// resume handles the two recovery paths. A navigation bookmark is
// consumed and acted on automatically; a restart continuation needs the
// user to confirm first.
func (d *driver) resume(ctx context.Context) {
	bm, err := d.marks.TakeBookmark(ctx)
	if err != nil {
		d.log.Warn("bookmark check failed", "error", err)
	}
	if bm != nil {
		d.resumeBookmark(ctx, bm)
		return
	}

	c, err := d.marks.CheckResume(ctx)
	if err != nil {
		d.log.Warn("continuation check failed", "error", err)
		return
	}
	if c == nil {
		return
	}
	d.confirmContinuation(ctx, c)
}

func (d *driver) resumeBookmark(ctx context.Context, bm *bookmark.Bookmark) {
	d.program.Send(ui.TransitionBeginMsg{})
	if err := sleep(ctx, resumeTransition); err != nil {
		return
	}
	d.marks.ClearGrayscale(ctx)

	sc, err := d.loader.Load(ctx, bm.ScriptName)
	if err != nil {
		d.log.Error("cannot reload bookmarked scenario", "scenario", bm.ScriptName, "error", err)
		d.program.Send(ui.ChatErrorMsg("Demo could not resume: scenario " + bm.ScriptName + " is unavailable."))
		return
	}

	steps := bm.Steps
	if bm.CurrentStep > 0 && bm.CurrentStep < len(steps) {
		steps = steps[bm.CurrentStep:]
	}
	_, err = d.interp.ResumeSteps(ctx, sc, steps)
	d.afterRun(ctx, err)
}

func (d *driver) confirmContinuation(ctx context.Context, c *bookmark.Continuation) {
	d.program.Send(ui.AssistantPostedMsg{
		Text: "A demo was interrupted by a restart. Continue where it left off? Press ctrl+shift+y to resume or ctrl+shift+n to discard.",
	})

	combo, err := d.gate.WaitFor(ctx, []string{"ctrl+shift+y", "ctrl+shift+n"})
	if err != nil {
		return
	}
	if combo != "ctrl+shift+y" {
		d.program.Send(ui.AssistantPostedMsg{Text: "Okay, the interrupted demo is discarded."})
		return
	}
	d.resumeContinuation(ctx, c)
}

func (d *driver) resumeContinuation(ctx context.Context, c *bookmark.Continuation) {
	name := c.ScriptName
	if name == "" {
		// Older markers carry no script name; derive it from the route.
		name = script.ScenarioForRoute(d.currentRoute(), "")
	}

	sc, err := d.loader.Load(ctx, name)
	if err != nil {
		d.log.Error("cannot reload scenario for continuation", "scenario", name, "error", err)
		d.program.Send(ui.ChatErrorMsg("Demo could not resume: scenario " + name + " is unavailable."))
		return
	}

	_, err = d.interp.ResumeAfter(ctx, sc, c.StepID, c.Branch)
	d.afterRun(ctx, err)
}

// afterRun routes a finished interpreter run. A pending restart means
// the demo deliberately took the backend down and expects us to wait
// for it to come back.
func (d *driver) afterRun(ctx context.Context, err error) {
	switch {
	case err == nil:
	case errors.Is(err, interp.ErrRestartPending):
		d.awaitComeback(ctx)
	case errors.Is(err, context.Canceled):
	default:
		d.log.Error("demo run failed", "error", err)
	}
}

// awaitComeback polls for the continuation marker until the restarted
// backend publishes it, then resumes without re-confirming: this
// process asked for the restart.
func (d *driver) awaitComeback(ctx context.Context) {
	deadline := time.Now().Add(comebackBound)
	for {
		if err := sleep(ctx, comebackInterval); err != nil {
			return
		}

		c, err := d.marks.CheckComeback(ctx)
		if err == nil && c != nil {
			d.program.Send(ui.RestartDoneMsg{})
			if err := d.channel.Reconnect(ctx); err != nil {
				d.log.Warn("channel still down after restart", "error", err)
			}
			d.resumeContinuation(ctx, c)
			return
		}

		if time.Now().After(deadline) {
			d.log.Error("backend did not come back", "bound", comebackBound.String())
			d.program.Send(ui.RestartDoneMsg{})
			d.program.Send(ui.ChatErrorMsg("The backend did not come back after the restart."))
			return
		}
	}
}

// runScenario is the StartScenario hook; the UI already runs it off the
// Update loop.
func (d *driver) runScenario(name string) {
	ctx := d.ctx
	sc, err := d.loader.Load(ctx, name)
	if err != nil {
		d.log.Error("scenario load failed", "scenario", name, "error", err)
		d.program.Send(ui.ChatErrorMsg("Scenario " + name + " could not be loaded."))
		return
	}

	d.log.Info("scenario starting", "scenario", name, "steps", len(sc.Steps))
	_, err = d.interp.Start(ctx, sc)
	d.afterRun(ctx, err)
}

func (d *driver) runRouteScenario(suffix string) {
	d.runScenario(script.ScenarioForRoute(d.currentRoute(), suffix))
}

func (d *driver) currentRoute() string {
	if d.page == nil {
		return "/"
	}
	raw, err := d.page.Route()
	if err != nil {
		d.log.Warn("cannot read page route", "error", err)
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "/"
	}
	return u.Path
}

func (d *driver) voiceTest() {
	msg := protocol.MarkVerbatim("Voice check: if you can hear this, speech output is working.")
	if err := d.channel.SendOrReconnect(d.ctx, msg); err != nil {
		d.program.Send(ui.ChatErrorMsg("Voice test failed: channel is down."))
	}
}

func (d *driver) healthCheck() {
	if d.channel.Connected() {
		d.program.Send(ui.AssistantPostedMsg{Text: "Channel is connected to " + d.cfg.WSURL + "."})
		return
	}
	if err := d.channel.Reconnect(d.ctx); err != nil {
		d.program.Send(ui.ChatErrorMsg("Channel is down and reconnection failed."))
		return
	}
	d.program.Send(ui.AssistantPostedMsg{Text: "Channel reconnected."})
}

// runStatus probes the backend and reports the last recorded session.
func runStatus() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ozdriver: %v\n", err)
		os.Exit(1)
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(cfg.HTTPBase + "/")
	if err != nil {
		fmt.Printf("backend:  unreachable (%v)\n", err)
		os.Exit(1)
	}
	resp.Body.Close()
	fmt.Printf("backend:  %s (status %d)\n", cfg.HTTPBase, resp.StatusCode)

	store, err := history.NewSQLiteStore(filepath.Join(cfg.DataDir, "ozdriver.db"))
	if err != nil {
		fmt.Printf("history:  unavailable (%v)\n", err)
		return
	}
	defer store.Close()

	last, err := store.LastSession(context.Background())
	if err != nil || last == "" {
		fmt.Println("history:  no sessions recorded")
		return
	}
	entries, _ := store.Entries(context.Background(), last, 0)
	fmt.Printf("history:  last session %s, %d messages\n", last, len(entries))
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
