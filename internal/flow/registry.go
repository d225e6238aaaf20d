package flow

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/solarflow/solarflow/internal/models"
)

// Registry holds the loaded flow definitions as an immutable snapshot that is
// swapped atomically on reload. The engine reads from the registry instead of
// any ambient global state, so a reload mid-traffic is safe: in-flight turns
// finish against the snapshot they started with.
type Registry struct {
	mu      sync.RWMutex
	flows   map[string]*models.Flow
	ordered []*models.Flow // active flows in (priority, name) order
}

// NewRegistry creates a registry from validated flow definitions.
func NewRegistry(flows []models.Flow) (*Registry, error) {
	r := &Registry{}
	if err := r.Load(flows); err != nil {
		return nil, err
	}
	return r, nil
}

// Load validates the definitions and swaps them in as the new snapshot.
func (r *Registry) Load(flows []models.Flow) error {
	byName := make(map[string]*models.Flow, len(flows))
	var ordered []*models.Flow
	for i := range flows {
		f := flows[i]
		if err := f.Validate(); err != nil {
			return fmt.Errorf("load flow definitions: %w", err)
		}
		if _, dup := byName[f.Name]; dup {
			return fmt.Errorf("load flow definitions: duplicate flow %q", f.Name)
		}
		byName[f.Name] = &f
		if f.Active {
			ordered = append(ordered, &f)
		}
	}
	// Deterministic trigger precedence: priority ascending, then name. The
	// winning flow for an overlapping keyword is therefore well defined.
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].Name < ordered[j].Name
	})

	r.mu.Lock()
	r.flows = byName
	r.ordered = ordered
	r.mu.Unlock()
	slog.Info("Registry loaded flow definitions", "flows", len(byName), "active", len(ordered))
	return nil
}

// Get returns the named flow definition.
func (r *Registry) Get(name string) (*models.Flow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flows[name]
	return f, ok
}

// Active returns the active flows in trigger-precedence order.
func (r *Registry) Active() []*models.Flow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ordered
}

// MatchFlowResponse returns the highest-precedence active flow that routes
// structured WhatsApp Flow submissions from its entry point. Form
// submissions carry no trigger text, so this is their activation path for
// idle contacts.
func (r *Registry) MatchFlowResponse() (*models.Flow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range r.ordered {
		if f.HandlesFlowResponses() {
			return f, true
		}
	}
	return nil, false
}

// MatchTrigger returns the highest-precedence active flow whose trigger
// keywords contain the given text (case-insensitive, trimmed).
func (r *Registry) MatchTrigger(text string) (*models.Flow, bool) {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range r.ordered {
		for _, kw := range f.TriggerKeywords {
			if strings.ToLower(strings.TrimSpace(kw)) == needle {
				return f, true
			}
		}
	}
	return nil, false
}
