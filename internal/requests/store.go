// Package requests keeps the request templates batches refer to by id.
package requests

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/raysh454/racer/internal/compare"
	"github.com/raysh454/racer/internal/logging"
	"github.com/raysh454/racer/internal/model"
)

// Getter resolves a request id to its template.
type Getter interface {
	Get(id string) (*model.RequestTemplate, error)
}

// Store is an in-memory, concurrency-safe set of request templates. Ids are
// decimal strings handed out in increasing order starting at "0".
type Store struct {
	mu     sync.RWMutex
	items  map[string]*model.RequestTemplate
	logger logging.Logger
	now    func() time.Time
}

func NewStore(logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Store{
		items:  make(map[string]*model.RequestTemplate),
		logger: logger.With(logging.Field{Key: "component", Value: "requests"}),
		now:    time.Now,
	}
}

// Get returns a copy of the template with the given id.
func (s *Store) Get(id string) (*model.RequestTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("request %q: %w", id, model.ErrNotFound)
	}
	return t.Clone(), nil
}

// Add stores t under a fresh id unless a template with the same content is
// already present, in which case that template's id is returned and
// duplicate is true. The caller's template is not modified.
func (s *Store) Add(t *model.RequestTemplate) (id string, duplicate bool, err error) {
	if t == nil {
		return "", false, fmt.Errorf("nil request: %w", model.ErrInvalidArgument)
	}
	if strings.TrimSpace(t.URL) == "" {
		return "", false, fmt.Errorf("request without url: %w", model.ErrInvalidArgument)
	}
	if strings.TrimSpace(t.Method) == "" {
		return "", false, fmt.Errorf("request without method: %w", model.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.items {
		if existing.SameContent(t) {
			s.logger.Debug("request already stored", logging.Field{Key: "id", Value: existing.ID})
			return existing.ID, true, nil
		}
	}
	cp := t.Clone()
	cp.ID = s.nextIDLocked()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	s.items[cp.ID] = cp
	s.logger.Info("request added",
		logging.Field{Key: "id", Value: cp.ID},
		logging.Field{Key: "method", Value: cp.Method},
		logging.Field{Key: "url", Value: cp.URL})
	return cp.ID, false, nil
}

func (s *Store) nextIDLocked() string {
	highest := -1
	for id := range s.items {
		if n, err := strconv.Atoi(id); err == nil && n > highest {
			highest = n
		}
	}
	return strconv.Itoa(highest + 1)
}

// Remove deletes the template with the given id.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return fmt.Errorf("request %q: %w", id, model.ErrNotFound)
	}
	delete(s.items, id)
	s.logger.Info("request removed", logging.Field{Key: "id", Value: id})
	return nil
}

// Len returns the number of stored templates.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// List returns copies of all templates ordered by id.
func (s *Store) List() []*model.RequestTemplate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.sortedIDsLocked()
	out := make([]*model.RequestTemplate, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.items[id].Clone())
	}
	return out
}

func (s *Store) sortedIDsLocked() []string {
	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return model.LessID(ids[i], ids[j]) })
	return ids
}

// Replace swaps the whole content for templates, keeping their ids. Used when
// loading persisted state.
func (s *Store) Replace(templates []*model.RequestTemplate) error {
	items := make(map[string]*model.RequestTemplate, len(templates))
	for _, t := range templates {
		if t == nil || t.ID == "" {
			return fmt.Errorf("request without id: %w", model.ErrCorruptState)
		}
		if _, dup := items[t.ID]; dup {
			return fmt.Errorf("request id %q stored twice: %w", t.ID, model.ErrCorruptState)
		}
		items[t.ID] = t.Clone()
	}
	s.mu.Lock()
	s.items = items
	s.mu.Unlock()
	return nil
}

// LowerIDs renumbers the templates to 0..n-1 keeping their order and returns
// the ids that changed as old→new. An empty map means nothing changed.
func (s *Store) LowerIDs() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := make(map[string]string)
	ids := s.sortedIDsLocked()
	items := make(map[string]*model.RequestTemplate, len(ids))
	for i, id := range ids {
		t := s.items[id]
		newID := strconv.Itoa(i)
		if newID != id {
			changed[id] = newID
			t.ID = newID
		}
		items[newID] = t
	}
	s.items = items
	if len(changed) > 0 {
		s.logger.Info("request ids lowered", logging.Field{Key: "changed", Value: len(changed)})
	}
	return changed
}

// Compare compares two stored templates field by field.
func (s *Store) Compare(id1, id2 string) (compare.Comparison, error) {
	a, err := s.Get(id1)
	if err != nil {
		return compare.Comparison{}, err
	}
	b, err := s.Get(id2)
	if err != nil {
		return compare.Comparison{}, err
	}
	return compare.CompareRequests(a, b), nil
}
