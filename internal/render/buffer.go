// Package render accumulates streamed assistant text and re-renders it
// incrementally.
//
// A Buffer owns the raw text of one in-flight message. Appends schedule a
// throttled re-render: at most one render per throttle window, with a
// single pending timer that is always cleared and replaced, never stacked.
// Rendering per inbound frame is pathological since render cost grows with
// buffer length.
//
// While the buffered Markdown contains an unmatched code fence the buffer
// renders as plain text with line breaks; a partial fence would otherwise
// produce malformed markup.
package render

import (
	"strings"
	"sync"
	"time"

	"github.com/ozdriver/ozdriver/internal/observability"
)

// DefaultThrottle is the minimum interval between two renders of the same
// message.
const DefaultThrottle = 150 * time.Millisecond

// Sink receives rendered output for display.
type Sink interface {
	// Update replaces the displayed content of the in-flight message.
	Update(markup string)
	// Finalize delivers the last render and signals that the post-stream
	// affordances (copy action) may be attached.
	Finalize(markup, raw string)
}

// Renderer converts accumulated text to display markup.
type Renderer interface {
	// Markdown renders the text as Markdown.
	Markdown(text string) (string, error)
	// Plain renders the text verbatim with line breaks preserved.
	Plain(text string) string
}

// Buffer is the per-message streaming render buffer.
type Buffer struct {
	mu        sync.Mutex
	raw       strings.Builder
	sink      Sink
	renderer  Renderer
	window    time.Duration
	timer     *time.Timer
	lastFlush time.Time
	done      bool

	log     *observability.Logger
	metrics *observability.MetricsCollector
}

// NewBuffer creates a render buffer for one message. window <= 0 uses
// DefaultThrottle. metrics may be nil.
func NewBuffer(sink Sink, renderer Renderer, window time.Duration, metrics *observability.MetricsCollector) *Buffer {
	if window <= 0 {
		window = DefaultThrottle
	}
	return &Buffer{
		sink:      sink,
		renderer:  renderer,
		window:    window,
		lastFlush: time.Now(),
		log:       observability.NewLogger("render", nil),
		metrics:   metrics,
	}
}

// Append adds a payload fragment and schedules a throttled render.
func (b *Buffer) Append(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.raw.WriteString(text)
	b.schedule()
}

// Len returns the current raw buffer length.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.raw.Len()
}

// Raw returns the accumulated raw text.
func (b *Buffer) Raw() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.raw.String()
}

// Finalize flushes any pending throttled render, renders the complete
// buffer once more, hands it to the sink, and resets the buffer. The
// final render always reflects the full accumulated text.
func (b *Buffer) Finalize() {
	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		return
	}
	b.done = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	raw := b.raw.String()
	b.raw.Reset()
	b.mu.Unlock()

	markup := b.render(raw)
	b.sink.Finalize(markup, raw)
}

// schedule arms the render timer. Callers hold b.mu. The pending timer is
// cleared and replaced so only one is ever in flight.
func (b *Buffer) schedule() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
		if b.metrics != nil {
			b.metrics.Increment("renders_coalesced")
		}
	}
	delay := b.window - time.Since(b.lastFlush)
	if delay < 0 {
		delay = 0
	}
	b.timer = time.AfterFunc(delay, b.flush)
}

// flush performs a throttled intermediate render.
func (b *Buffer) flush() {
	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	b.lastFlush = time.Now()
	raw := b.raw.String()
	b.mu.Unlock()

	b.sink.Update(b.render(raw))
}

// render converts raw text to markup, falling back to plain text while a
// code fence is unmatched.
func (b *Buffer) render(raw string) string {
	if b.metrics != nil {
		b.metrics.Increment("renders")
		b.metrics.Record(observability.MetricRenders, float64(len(raw)), nil)
	}

	text := Normalize(raw)
	if !FencesBalanced(text) {
		return b.renderer.Plain(text)
	}
	markup, err := b.renderer.Markdown(text)
	if err != nil {
		b.log.Warn("markdown render failed, using plain text", "error", err)
		return b.renderer.Plain(text)
	}
	return Normalize(markup)
}

// FencesBalanced reports whether the text contains an even number of code
// fence markers, counting both ``` and ~~~ at line starts.
func FencesBalanced(text string) bool {
	count := 0
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimLeft(line, " \t")
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			count++
		}
	}
	return count%2 == 0
}

// Normalize trims trailing per-line whitespace and collapses incidental
// blank lines between list items. Applied before and after Markdown
// conversion so intermediate renders do not drift from the final one.
func Normalize(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}

	var out []string
	for i := 0; i < len(lines); i++ {
		if lines[i] == "" && i > 0 && i < len(lines)-1 &&
			isListItem(lines[i-1]) && isListItem(lines[i+1]) {
			continue
		}
		out = append(out, lines[i])
	}
	return strings.Join(out, "\n")
}

func isListItem(line string) bool {
	trimmed := strings.TrimLeft(line, " \t")
	if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") || strings.HasPrefix(trimmed, "+ ") {
		return true
	}
	// Ordered items: digits followed by ". " or ") ".
	i := 0
	for i < len(trimmed) && trimmed[i] >= '0' && trimmed[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(trimmed)-1 {
		return false
	}
	return (trimmed[i] == '.' || trimmed[i] == ')') && trimmed[i+1] == ' '
}
