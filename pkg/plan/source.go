package plan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"
)

// Source defines how the plan catalog is loaded into the engine.
type Source interface {
	Load(ctx context.Context) (map[ID]Plan, error)
}

// inMemSource serves a fixed catalog from memory.
type inMemSource struct {
	mu    sync.RWMutex
	plans map[ID]Plan
}

// NewInMemSource returns a Source backed by a deep copy of the given catalog.
func NewInMemSource(plans map[ID]Plan) Source {
	return &inMemSource{plans: clonePlans(plans)}
}

func (s *inMemSource) Load(ctx context.Context) (map[ID]Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clonePlans(s.plans), nil
}

// fileSource loads the catalog from a YAML file, letting operators manage
// plans without a redeploy.
type fileSource struct {
	path string
}

// NewFileSource returns a Source that reads a YAML catalog from disk.
func NewFileSource(path string) Source {
	return &fileSource{path: path}
}

func (s *fileSource) Load(ctx context.Context) (map[ID]Plan, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadCatalog, err)
	}

	var doc struct {
		Plans []Plan `yaml:"plans"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Join(ErrFailedToLoadCatalog, err)
	}

	plans := make(map[ID]Plan, len(doc.Plans))
	for _, p := range doc.Plans {
		if _, exists := plans[p.ID]; exists {
			return nil, errors.Join(ErrInvalidCatalog, fmt.Errorf("duplicate plan id %q", p.ID))
		}
		plans[p.ID] = p
	}

	if err := Validate(plans); err != nil {
		return nil, err
	}

	return plans, nil
}

// Validate checks the catalog for configuration mistakes that would otherwise
// surface as runtime entitlement bugs.
func Validate(plans map[ID]Plan) error {
	if _, ok := plans[PlanAttendee]; !ok {
		return errors.Join(ErrInvalidCatalog, errors.New("catalog must contain the attendee plan"))
	}
	for id, p := range plans {
		if p.ID != id {
			return errors.Join(ErrInvalidCatalog, fmt.Errorf("plan id mismatch: key %q != plan.ID %q", id, p.ID))
		}
		if p.TrialDays < 0 {
			return errors.Join(ErrInvalidCatalog, fmt.Errorf("plan %q has negative trial days", id))
		}
		if p.IncludedSeats < 0 {
			return errors.Join(ErrInvalidCatalog, fmt.Errorf("plan %q has negative included seats", id))
		}
		for _, limit := range []*int64{
			p.Limits.EventsPerPeriod,
			p.Limits.CoursesPerPeriod,
			p.Limits.CertificatesPerPeriod,
			p.Limits.MaxAttendeesPerEvent,
		} {
			if limit != nil && *limit < 0 {
				return errors.Join(ErrInvalidCatalog, fmt.Errorf("plan %q has a negative limit", id))
			}
		}
	}
	return nil
}

func clonePlans(plans map[ID]Plan) map[ID]Plan {
	out := make(map[ID]Plan, len(plans))
	for id, p := range plans {
		p.Features = slices.Clone(p.Features)
		p.Limits = p.Limits.clone()
		out[id] = p
	}
	return out
}
