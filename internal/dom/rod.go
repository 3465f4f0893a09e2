package dom

import (
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// RodPage adapts a rod page to the Pager interface.
type RodPage struct {
	browser *rod.Browser
	page    *rod.Page
}

// ConnectPage attaches to a browser over CDP and returns its first page.
// With an empty controlURL a local headless browser is launched.
func ConnectPage(controlURL string) (*RodPage, error) {
	if controlURL == "" {
		u, err := launcher.New().Launch()
		if err != nil {
			return nil, fmt.Errorf("dom: launch browser: %w", err)
		}
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("dom: connect %q: %w", controlURL, err)
	}

	pages, err := browser.Pages()
	if err != nil {
		return nil, fmt.Errorf("dom: list pages: %w", err)
	}
	var page *rod.Page
	if len(pages) > 0 {
		page = pages.First()
	} else {
		page, err = browser.Page(proto.TargetCreateTarget{})
		if err != nil {
			return nil, fmt.Errorf("dom: open page: %w", err)
		}
	}
	return &RodPage{browser: browser, page: page}, nil
}

// Element performs a single, non-blocking lookup.
func (p *RodPage) Element(selector string) (Element, error) {
	has, el, err := p.page.Has(selector)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", selector, err)
	}
	if !has {
		return nil, fmt.Errorf("no element for %q", selector)
	}
	return &rodElement{el: el}, nil
}

// Route returns the current page path for scenario derivation.
func (p *RodPage) Route() (string, error) {
	info, err := p.page.Info()
	if err != nil {
		return "", fmt.Errorf("dom: page info: %w", err)
	}
	return info.URL, nil
}

// Close disconnects from the browser.
func (p *RodPage) Close() error {
	return p.browser.Close()
}

type rodElement struct {
	el *rod.Element
}

func (r *rodElement) Click() error {
	if err := r.el.ScrollIntoView(); err != nil {
		return fmt.Errorf("scroll into view: %w", err)
	}
	return r.el.Click(proto.InputMouseButtonLeft, 1)
}

func (r *rodElement) SubmitForm() error {
	_, err := r.el.Eval(`() => {
		const form = this.closest('form');
		if (!form) throw new Error('no enclosing form');
		if (form.requestSubmit) form.requestSubmit(); else form.submit();
	}`)
	return err
}

func (r *rodElement) SetValue(v string) error {
	_, err := r.el.Eval(`(v) => {
		this.value = v;
		this.dispatchEvent(new Event('input', { bubbles: true }));
		this.dispatchEvent(new Event('change', { bubbles: true }));
	}`, v)
	return err
}

func (r *rodElement) Text() (string, error) {
	obj, err := r.el.Eval(`() => {
		if (this.value !== undefined && this.value !== null && this.value !== '') {
			return String(this.value);
		}
		return this.innerText || this.textContent || '';
	}`)
	if err != nil {
		return "", err
	}
	return obj.Value.Str(), nil
}
