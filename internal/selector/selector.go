// Package selector picks one agent out of the currently available set.
//
// The candidate slice handed to Pick is already filtered (enabled,
// connected, not cooling down, under quota) and ordered priority desc then
// id asc; the selector only decides which of the survivors goes next.
package selector

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"courier/internal/registry"
	"courier/pkg/logx"
)

const (
	StrategyRoundRobin  = "round_robin"
	StrategyPriority    = "priority"
	StrategyLeastLoaded = "least_loaded"
	StrategyRandom      = "random"
)

// Selector is safe for concurrent use.
type Selector struct {
	log logx.Logger

	mu     sync.Mutex
	cursor int
	lastID int64
	rng    *rand.Rand
}

func New(log logx.Logger) *Selector {
	return &Selector{
		log: log.With(logx.String("component", "selector")),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Pick chooses one agent from candidates according to strategy. hourLoad
// reports the agent's current hour-window count; it is consulted only by
// load-aware strategies. Returns false when candidates is empty.
//
// An unknown strategy logs once per call and falls back to round robin
// rather than stalling deliveries.
func (s *Selector) Pick(strategy string, candidates []registry.Agent, hourLoad func(int64) int) (registry.Agent, bool) {
	if len(candidates) == 0 {
		return registry.Agent{}, false
	}

	switch strategy {
	case StrategyRoundRobin, "":
		return s.roundRobin(candidates), true
	case StrategyPriority:
		return s.byPriority(candidates, hourLoad), true
	case StrategyLeastLoaded:
		return s.leastLoaded(candidates, hourLoad), true
	case StrategyRandom:
		return s.random(candidates), true
	default:
		s.log.Warn("unknown selection strategy, using round robin",
			logx.String("strategy", strategy))
		return s.roundRobin(candidates), true
	}
}

// roundRobin rotates a cursor over the candidate list. When more than one
// agent is available it never returns the same agent twice in a row, even
// if the candidate set changed between calls.
func (s *Selector) roundRobin(candidates []registry.Agent) registry.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursor = s.cursor % len(candidates)
	picked := candidates[s.cursor]
	if picked.ID == s.lastID && len(candidates) > 1 {
		s.cursor = (s.cursor + 1) % len(candidates)
		picked = candidates[s.cursor]
	}
	s.cursor = (s.cursor + 1) % len(candidates)
	s.lastID = picked.ID
	return picked
}

// byPriority picks the highest-priority agent, breaking ties by the lower
// current hour load, then by id for determinism.
func (s *Selector) byPriority(candidates []registry.Agent, hourLoad func(int64) int) registry.Agent {
	best := candidates[0]
	bestLoad := load(hourLoad, best.ID)
	for _, c := range candidates[1:] {
		l := load(hourLoad, c.ID)
		switch {
		case c.Priority > best.Priority:
			best, bestLoad = c, l
		case c.Priority == best.Priority && l < bestLoad:
			best, bestLoad = c, l
		case c.Priority == best.Priority && l == bestLoad && c.ID < best.ID:
			best, bestLoad = c, l
		}
	}
	s.remember(best.ID)
	return best
}

// leastLoaded picks the agent with the fewest deliveries in the current
// hour window, ties broken by id.
func (s *Selector) leastLoaded(candidates []registry.Agent, hourLoad func(int64) int) registry.Agent {
	sorted := make([]registry.Agent, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		li, lj := load(hourLoad, sorted[i].ID), load(hourLoad, sorted[j].ID)
		if li != lj {
			return li < lj
		}
		return sorted[i].ID < sorted[j].ID
	})
	s.remember(sorted[0].ID)
	return sorted[0]
}

func (s *Selector) random(candidates []registry.Agent) registry.Agent {
	s.mu.Lock()
	picked := candidates[s.rng.Intn(len(candidates))]
	s.lastID = picked.ID
	s.mu.Unlock()
	return picked
}

func (s *Selector) remember(id int64) {
	s.mu.Lock()
	s.lastID = id
	s.mu.Unlock()
}

func load(hourLoad func(int64) int, id int64) int {
	if hourLoad == nil {
		return 0
	}
	return hourLoad(id)
}
