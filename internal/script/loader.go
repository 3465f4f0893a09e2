package script

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ozdriver/ozdriver/internal/observability"
)

// Loader fetches scenario documents from the backend, with an optional
// local directory override for offline runs.
type Loader struct {
	base   string // backend HTTP base, e.g. "http://127.0.0.1:8080"
	dir    string // local override; checked before the backend when set
	client *http.Client
	log    *observability.Logger
}

// NewLoader creates a scenario loader. base is the backend HTTP base URL;
// dir may be empty.
func NewLoader(base, dir string, log *observability.Logger) *Loader {
	if log == nil {
		log = observability.NewLogger("script", nil)
	}
	return &Loader{
		base:   base,
		dir:    dir,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
}

// Load fetches, decodes, and validates the named scenario. Validation
// warnings are logged, not returned.
func (l *Loader) Load(ctx context.Context, name string) (*Script, error) {
	data, err := l.fetch(ctx, name)
	if err != nil {
		return nil, err
	}

	s, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", name, err)
	}
	if s.Name == "" {
		s.Name = name
	}

	warnings, err := s.Validate()
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", name, err)
	}
	for _, w := range warnings {
		l.log.Warn("scenario validation", "scenario", name, "warning", w)
	}
	return s, nil
}

func (l *Loader) fetch(ctx context.Context, name string) ([]byte, error) {
	if l.dir != "" {
		path := filepath.Join(l.dir, name+".json")
		data, err := os.ReadFile(path)
		if err == nil {
			l.log.Debug("scenario loaded from dir", "path", path)
			return data, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read scenario %q: %w", path, err)
		}
	}

	url := fmt.Sprintf("%s/assets/scenarios/%s.json", l.base, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("scenario request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch scenario %q: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch scenario %q: status %d", name, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
