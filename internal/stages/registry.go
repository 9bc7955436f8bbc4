// Package stages holds the per-org catalog of workflow stages with a short
// read cache in front of the store.
package stages

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"factorypulse/internal/domain"
	"factorypulse/internal/repo"
)

// ErrNoStages means the org has zero active stages. Callers must treat this
// as a configuration fault, not an empty-but-fine catalog.
var ErrNoStages = errors.New("no active workflow stages configured")

var ErrUnknownStage = errors.New("unknown stage")

const defaultTTL = 30 * time.Second

type cacheEntry struct {
	stages  []domain.WorkflowStage
	fetched time.Time
}

type Registry struct {
	Repo repo.Repo
	TTL  time.Duration
	Now  func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

func NewRegistry(r repo.Repo) *Registry {
	return &Registry{Repo: r, TTL: defaultTTL, cache: map[string]cacheEntry{}}
}

func (g *Registry) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// WorkflowStages returns the org's active stages in ascending order. An org
// with no active stages is an error.
func (g *Registry) WorkflowStages(ctx context.Context, orgID string) ([]domain.WorkflowStage, error) {
	g.mu.RLock()
	entry, ok := g.cache[orgID]
	g.mu.RUnlock()
	if ok && g.now().Sub(entry.fetched) < g.ttl() {
		return entry.stages, nil
	}
	list, err := g.Repo.ListActiveStages(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("org %s: %w", orgID, ErrNoStages)
	}
	g.mu.Lock()
	if g.cache == nil {
		g.cache = map[string]cacheEntry{}
	}
	g.cache[orgID] = cacheEntry{stages: list, fetched: g.now()}
	g.mu.Unlock()
	return list, nil
}

// StageByID resolves a stage id inside one org. Ids belonging to another
// org come back as unknown.
func (g *Registry) StageByID(ctx context.Context, orgID, stageID string) (domain.WorkflowStage, error) {
	list, err := g.WorkflowStages(ctx, orgID)
	if err != nil {
		return domain.WorkflowStage{}, err
	}
	for _, s := range list {
		if s.ID == stageID {
			return s, nil
		}
	}
	return domain.WorkflowStage{}, fmt.Errorf("stage %s: %w", stageID, ErrUnknownStage)
}

func (g *Registry) StageByName(ctx context.Context, orgID, name string) (domain.WorkflowStage, error) {
	list, err := g.WorkflowStages(ctx, orgID)
	if err != nil {
		return domain.WorkflowStage{}, err
	}
	for _, s := range list {
		if s.Name == name {
			return s, nil
		}
	}
	return domain.WorkflowStage{}, fmt.Errorf("stage %q: %w", name, ErrUnknownStage)
}

// NextStage returns the stage after current in the ordered catalog. A nil
// current means the project has not entered the workflow yet, so the first
// stage is next. ok is false when current is the final stage.
func (g *Registry) NextStage(ctx context.Context, orgID string, currentID *string) (domain.WorkflowStage, bool, error) {
	list, err := g.WorkflowStages(ctx, orgID)
	if err != nil {
		return domain.WorkflowStage{}, false, err
	}
	if currentID == nil {
		return list[0], true, nil
	}
	for i, s := range list {
		if s.ID == *currentID {
			if i+1 < len(list) {
				return list[i+1], true, nil
			}
			return domain.WorkflowStage{}, false, nil
		}
	}
	return domain.WorkflowStage{}, false, fmt.Errorf("stage %s: %w", *currentID, ErrUnknownStage)
}

// TransitionValidity is the structural verdict on a proposed move. Valid
// false means the catalog itself rules the move out; Reason is also set on
// valid but out-of-order moves so callers can flag them before executing.
type TransitionValidity struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// ValidateStageTransition checks a move purely against the org's catalog,
// ignoring prerequisite rules: both stages must belong to the org, and the
// move should advance the order by one. Skips and backward moves stay valid
// but carry a reason. A nil from means the project has not entered the
// workflow, so the first stage is the expected target.
func (g *Registry) ValidateStageTransition(ctx context.Context, orgID string, fromStageID *string, toStageID string) (TransitionValidity, error) {
	list, err := g.WorkflowStages(ctx, orgID)
	if err != nil {
		return TransitionValidity{}, err
	}
	byID := func(id string) *domain.WorkflowStage {
		for i := range list {
			if list[i].ID == id {
				return &list[i]
			}
		}
		return nil
	}
	target := byID(toStageID)
	if target == nil {
		return TransitionValidity{Reason: fmt.Sprintf("stage %s does not exist in this organization", toStageID)}, nil
	}
	expected := list[0].Order
	var from *domain.WorkflowStage
	if fromStageID != nil {
		from = byID(*fromStageID)
		if from == nil {
			return TransitionValidity{Reason: fmt.Sprintf("stage %s does not exist in this organization", *fromStageID)}, nil
		}
		expected = from.Order + 1
	}
	if from != nil && target.Order <= from.Order {
		return TransitionValidity{Valid: true, Reason: fmt.Sprintf("%q (order %d) does not advance past %q (order %d)",
			target.Name, target.Order, from.Name, from.Order)}, nil
	}
	if target.Order != expected {
		return TransitionValidity{Valid: true, Reason: fmt.Sprintf("%q (order %d) skips the usual sequence",
			target.Name, target.Order)}, nil
	}
	return TransitionValidity{Valid: true}, nil
}

// Refresh drops the cached catalog for an org so the next read hits the
// store. Called after stage admin changes.
func (g *Registry) Refresh(orgID string) {
	g.mu.Lock()
	delete(g.cache, orgID)
	g.mu.Unlock()
}

func (g *Registry) ttl() time.Duration {
	if g.TTL > 0 {
		return g.TTL
	}
	return defaultTTL
}
