package stock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrUnavailable is returned when the stock source cannot be read.
var ErrUnavailable = errors.New("stock unavailable")

// Source loads a fresh snapshot on every call.
type Source interface {
	Load(ctx context.Context) (*Snapshot, error)
}

// remoteItem is the inventory service product representation.
type remoteItem struct {
	ID           json.RawMessage `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Quantity     int             `json:"quantity"`
	CreatedAt    string          `json:"createdAt"`
	UpdatedAt    string          `json:"updatedAt"`
	CategoryName string          `json:"categoryName"`
}

// HTTPSource reads stock from the inventory service (GET {base}/products).
type HTTPSource struct {
	baseURL    string
	client     *http.Client
	thresholds Thresholds
	now        func() time.Time
}

// NewHTTPSource creates a source for the inventory service at baseURL.
func NewHTTPSource(baseURL string, timeout time.Duration, thresholds Thresholds) *HTTPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: timeout},
		thresholds: thresholds,
		now:        time.Now,
	}
}

// Load fetches the product list.
func (s *HTTPSource) Load(ctx context.Context) (*Snapshot, error) {
	url := s.baseURL + "/products"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build inventory request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrUnavailable, url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: get %s: status %d", ErrUnavailable, url, resp.StatusCode)
	}

	var items []remoteItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("%w: decode products: %v", ErrUnavailable, err)
	}

	levels := make([]Level, 0, len(items))
	for _, it := range items {
		l := Level{
			Key:         NormalizeKey(it.Name),
			Name:        it.Name,
			Quantity:    it.Quantity,
			Category:    it.CategoryName,
			Description: it.Description,
		}
		s.thresholds.apply(&l)
		levels = append(levels, l)
	}
	return NewSnapshot(levels, s.now()), nil
}

// stockFile is the local stock file layout.
type stockFile struct {
	Estoque   map[string]fileItem `json:"estoque" yaml:"estoque"`
	UpdatedAt string              `json:"ultima_atualizacao" yaml:"ultima_atualizacao"`
}

type fileItem struct {
	Name        string `json:"nome_completo" yaml:"nome_completo"`
	Quantity    int    `json:"quantidade_atual" yaml:"quantidade_atual"`
	Category    string `json:"categoria" yaml:"categoria"`
	Description string `json:"descricao" yaml:"descricao"`
	Low         *int   `json:"limite_baixo" yaml:"limite_baixo"`
	Critical    *int   `json:"limite_critico" yaml:"limite_critico"`
}

// levelThresholds returns the item's own thresholds, falling back to
// defaults for the ones the file leaves out. An explicit 0 is kept.
func (it fileItem) levelThresholds(defaults Thresholds) (low, critical int) {
	low, critical = defaults.Low, defaults.Critical
	if it.Low != nil {
		low = *it.Low
	}
	if it.Critical != nil {
		critical = *it.Critical
	}
	return low, critical
}

// FileSource reads stock from a local JSON or YAML file. The file is re-read on
// every Load so edits are picked up without a restart.
type FileSource struct {
	path       string
	thresholds Thresholds
	now        func() time.Time
}

// NewFileSource creates a source backed by path. The format is chosen by extension.
func NewFileSource(path string, thresholds Thresholds) *FileSource {
	return &FileSource{path: path, thresholds: thresholds, now: time.Now}
}

// Load reads and parses the stock file.
func (s *FileSource) Load(_ context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnavailable, s.path, err)
	}

	var f stockFile
	switch strings.ToLower(filepath.Ext(s.path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	default:
		err = json.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrUnavailable, s.path, err)
	}

	levels := make([]Level, 0, len(f.Estoque))
	for rawKey, it := range f.Estoque {
		name := it.Name
		if name == "" {
			name = rawKey
		}
		description := it.Description
		if description == "" {
			description = name
		}
		low, critical := it.levelThresholds(s.thresholds)
		levels = append(levels, Level{
			Key:               NormalizeKey(name),
			Name:              name,
			Quantity:          it.Quantity,
			LowThreshold:      low,
			CriticalThreshold: critical,
			Category:          it.Category,
			Description:       description,
			Aliases:           []string{rawKey},
		})
	}
	return NewSnapshot(levels, s.now()), nil
}

// StaticSource serves in-memory levels. Set swaps them atomically.
type StaticSource struct {
	mu     sync.RWMutex
	levels []Level
	err    error
}

// NewStaticSource creates a source serving levels.
func NewStaticSource(levels ...Level) *StaticSource {
	return &StaticSource{levels: append([]Level(nil), levels...)}
}

// Set replaces the served levels.
func (s *StaticSource) Set(levels ...Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.levels = append([]Level(nil), levels...)
	s.err = nil
}

// Fail makes subsequent loads return err until the next Set.
func (s *StaticSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Load returns a snapshot of the current levels.
func (s *StaticSource) Load(_ context.Context) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, s.err)
	}
	levels := make([]Level, len(s.levels))
	copy(levels, s.levels)
	defaults := DefaultThresholds()
	for i := range levels {
		defaults.apply(&levels[i])
	}
	return NewSnapshot(levels, time.Now()), nil
}
