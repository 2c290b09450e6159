package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/face-harvester/internal/crawler"
)

// Store implements crawler.Store in memory.
type Store struct {
	mu sync.RWMutex

	sources map[string]crawler.Source
	jobs    map[string]crawler.Job

	images         map[string]crawler.DownloadedImage
	imageByURL     map[string]string
	imageByContent map[string]string

	faces map[string]crawler.IndexedFace

	proxies map[string]crawler.ProxyEndpoint
}

var _ crawler.Store = (*Store)(nil)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		sources:        make(map[string]crawler.Source),
		jobs:           make(map[string]crawler.Job),
		images:         make(map[string]crawler.DownloadedImage),
		imageByURL:     make(map[string]string),
		imageByContent: make(map[string]string),
		faces:          make(map[string]crawler.IndexedFace),
		proxies:        make(map[string]crawler.ProxyEndpoint),
	}
}

// Close is a no-op.
func (s *Store) Close() {}

// CreateSource stores a new source; names are unique.
func (s *Store) CreateSource(_ context.Context, src crawler.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sources[src.ID]; exists {
		return fmt.Errorf("source %s: %w", src.ID, crawler.ErrDuplicate)
	}
	for _, existing := range s.sources {
		if existing.Name == src.Name {
			return fmt.Errorf("source name %q: %w", src.Name, crawler.ErrDuplicate)
		}
	}
	s.sources[src.ID] = cloneSource(src)
	return nil
}

// GetSource fetches a source by ID.
func (s *Store) GetSource(_ context.Context, id string) (crawler.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	if !ok {
		return crawler.Source{}, fmt.Errorf("source %s: %w", id, crawler.ErrNotFound)
	}
	return cloneSource(src), nil
}

// GetSourceByName fetches a source by its unique name.
func (s *Store) GetSourceByName(_ context.Context, name string) (crawler.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, src := range s.sources {
		if src.Name == name {
			return cloneSource(src), nil
		}
	}
	return crawler.Source{}, fmt.Errorf("source %q: %w", name, crawler.ErrNotFound)
}

// ListSources returns every source ordered by name.
func (s *Store) ListSources(_ context.Context) ([]crawler.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Source, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, cloneSource(src))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpdateSource replaces operator-editable fields, keeping counters intact.
func (s *Store) UpdateSource(_ context.Context, src crawler.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sources[src.ID]
	if !ok {
		return fmt.Errorf("source %s: %w", src.ID, crawler.ErrNotFound)
	}
	for id, existing := range s.sources {
		if id != src.ID && existing.Name == src.Name {
			return fmt.Errorf("source name %q: %w", src.Name, crawler.ErrDuplicate)
		}
	}
	current.Name = src.Name
	current.Kind = src.Kind
	current.BaseURL = src.BaseURL
	current.Enabled = src.Enabled
	current.Config = src.Config
	current.Schedule = src.Schedule
	current.UpdatedAt = src.UpdatedAt
	s.sources[src.ID] = cloneSource(current)
	return nil
}

// RecordSourceRun folds a finished job into the source's rolling counters.
func (s *Store) RecordSourceRun(
	_ context.Context,
	id string,
	counters crawler.JobCounters,
	status crawler.JobStatus,
	at time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return fmt.Errorf("source %s: %w", id, crawler.ErrNotFound)
	}
	src.ImagesFound += int64(counters.ImagesFound)
	src.FacesIndexed += int64(counters.FacesIndexed)
	src.LastStatus = status
	src.LastCrawledAt = pointerTime(at)
	src.UpdatedAt = at
	s.sources[id] = src
	return nil
}

// DeleteSource removes a source and its job history; refused while a job is queued or running.
func (s *Store) DeleteSource(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[id]; !ok {
		return fmt.Errorf("source %s: %w", id, crawler.ErrNotFound)
	}
	for _, job := range s.jobs {
		if job.SourceID == id && job.Status.Active() {
			return fmt.Errorf("source %s: %w", id, crawler.ErrSourceInUse)
		}
	}
	for jobID, job := range s.jobs {
		if job.SourceID == id {
			delete(s.jobs, jobID)
		}
	}
	delete(s.sources, id)
	return nil
}

func cloneSource(src crawler.Source) crawler.Source {
	src.Config.Profiles = slices.Clone(src.Config.Profiles)
	if src.LastCrawledAt != nil {
		src.LastCrawledAt = pointerTime(*src.LastCrawledAt)
	}
	return src
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
