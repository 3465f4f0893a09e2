package dom

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ozdriver/ozdriver/internal/script"
)

// fakeElement records the actions performed on it.
type fakeElement struct {
	clicked   bool
	submitted bool
	value     string
	text      string
	fail      error
}

func (f *fakeElement) Click() error            { f.clicked = true; return f.fail }
func (f *fakeElement) SubmitForm() error       { f.submitted = true; return f.fail }
func (f *fakeElement) SetValue(v string) error { f.value = v; return f.fail }
func (f *fakeElement) Text() (string, error)   { return f.text, f.fail }

// fakePage serves elements by selector, optionally only after a number
// of failed lookups.
type fakePage struct {
	mu       sync.Mutex
	elements map[string]*fakeElement
	appearAt map[string]int // lookups before the selector resolves
	lookups  map[string]int
}

func newFakePage() *fakePage {
	return &fakePage{
		elements: make(map[string]*fakeElement),
		appearAt: make(map[string]int),
		lookups:  make(map[string]int),
	}
}

func (p *fakePage) Element(selector string) (Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lookups[selector]++
	el, ok := p.elements[selector]
	if !ok {
		return nil, fmt.Errorf("no element for %q", selector)
	}
	if p.lookups[selector] <= p.appearAt[selector] {
		return nil, fmt.Errorf("no element for %q yet", selector)
	}
	return el, nil
}

func fastExecutor(p Pager) *Executor {
	e := NewExecutor(p, nil)
	e.SetPolling(3, time.Millisecond)
	return e
}

func TestExecute_Click(t *testing.T) {
	page := newFakePage()
	el := &fakeElement{}
	page.elements["#send"] = el

	res, err := fastExecutor(page).Execute(context.Background(), script.Step{
		StepID: "s1", Type: script.KindDOMAction,
		Selector: "#send", Action: script.ActionClick,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !el.clicked {
		t.Error("element not clicked")
	}
	if res.Message != "" || res.Captured != "" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestExecute_SubmitForm(t *testing.T) {
	page := newFakePage()
	el := &fakeElement{}
	page.elements["#form input"] = el

	_, err := fastExecutor(page).Execute(context.Background(), script.Step{
		Selector: "#form input", Action: script.ActionSubmitForm,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !el.submitted {
		t.Error("form not submitted")
	}
}

func TestExecute_SetValue(t *testing.T) {
	page := newFakePage()
	el := &fakeElement{}
	page.elements["#name"] = el

	_, err := fastExecutor(page).Execute(context.Background(), script.Step{
		Selector: "#name", Action: script.ActionSetValue, Value: "Dorothy",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if el.value != "Dorothy" {
		t.Errorf("value = %q", el.value)
	}
}

func TestExecute_PollsUntilAppears(t *testing.T) {
	page := newFakePage()
	page.elements["#late"] = &fakeElement{}
	page.appearAt["#late"] = 2 // first two lookups miss

	_, err := fastExecutor(page).Execute(context.Background(), script.Step{
		Selector: "#late", Action: script.ActionClick,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if page.lookups["#late"] != 3 {
		t.Errorf("lookups = %d, want 3", page.lookups["#late"])
	}
}

func TestExecute_TargetNotFound(t *testing.T) {
	page := newFakePage()

	_, err := fastExecutor(page).Execute(context.Background(), script.Step{
		Selector: "#ghost", Action: script.ActionClick,
	})
	if !errors.Is(err, ErrTargetNotFound) {
		t.Fatalf("err = %v, want ErrTargetNotFound", err)
	}
	if page.lookups["#ghost"] != 3 {
		t.Errorf("lookups = %d, want bounded retries", page.lookups["#ghost"])
	}
}

func TestExecute_ReadValueTemplated(t *testing.T) {
	page := newFakePage()
	page.elements["#apply"] = &fakeElement{}
	page.elements["#total"] = &fakeElement{text: "  $42.00  "}

	res, err := fastExecutor(page).Execute(context.Background(), script.Step{
		Selector: "#apply", Action: script.ActionClick,
		ReadValueFrom:   "#total",
		MessageTemplate: "The new total is {value}.",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Captured != "$42.00" {
		t.Errorf("Captured = %q", res.Captured)
	}
	if res.Message != "The new total is $42.00." {
		t.Errorf("Message = %q", res.Message)
	}
}

func TestExecute_ReadValueSourceMissing(t *testing.T) {
	page := newFakePage()
	page.elements["#apply"] = &fakeElement{}

	_, err := fastExecutor(page).Execute(context.Background(), script.Step{
		Selector: "#apply", Action: script.ActionClick,
		ReadValueFrom: "#missing",
	})
	if !errors.Is(err, ErrTargetNotFound) {
		t.Errorf("err = %v, want ErrTargetNotFound", err)
	}
}

func TestExecute_ActionError(t *testing.T) {
	page := newFakePage()
	page.elements["#send"] = &fakeElement{fail: errors.New("detached")}

	_, err := fastExecutor(page).Execute(context.Background(), script.Step{
		Selector: "#send", Action: script.ActionClick,
	})
	if err == nil || errors.Is(err, ErrTargetNotFound) {
		t.Errorf("err = %v, want action failure", err)
	}
}

func TestExecute_ContextCancelDuringPoll(t *testing.T) {
	page := newFakePage()
	e := NewExecutor(page, nil)
	e.SetPolling(100, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := e.Execute(ctx, script.Step{Selector: "#never", Action: script.ActionClick})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
