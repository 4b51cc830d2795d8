package safety

import (
	"sync"
)

// Tier is the escalation level assigned to a detected distress signal.
type Tier string

const (
	TierNone   Tier = "none"
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

func (t Tier) rank() int {
	switch t {
	case TierLow:
		return 1
	case TierMedium:
		return 2
	case TierHigh:
		return 3
	default:
		return 0
	}
}

// Exceeds reports whether t ranks above o.
func (t Tier) Exceeds(o Tier) bool { return t.rank() > o.rank() }

func ValidTier(t Tier) bool {
	switch t {
	case TierLow, TierMedium, TierHigh:
		return true
	default:
		return false
	}
}

// Source distinguishes who raised a tier. The keyword backstop runs ahead of
// the model and never notifies anyone on its own; only model-confirmed high
// triggers external notification.
type Source string

const (
	SourceBackstop Source = "backstop"
	SourceModel    Source = "model"
)

// State tracks the tiers triggered during one call, split by source.
// It lives only for the session's lifetime.
type State struct {
	mu       sync.Mutex
	backstop map[Tier]bool
	model    map[Tier]bool
}

func NewState() *State {
	return &State{
		backstop: make(map[Tier]bool),
		model:    make(map[Tier]bool),
	}
}

// Record marks a tier triggered. Returns true when this is the first
// model-confirmed high of the call, the single condition that escalates to
// trusted contacts.
func (s *State) Record(source Source, tier Tier) (notify bool) {
	if !ValidTier(tier) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch source {
	case SourceBackstop:
		s.backstop[tier] = true
		return false
	case SourceModel:
		first := !s.model[tier]
		s.model[tier] = true
		return first && tier == TierHigh
	default:
		return false
	}
}

// Highest returns the highest tier recorded for a source, or TierNone.
func (s *State) Highest(source Source) Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.model
	if source == SourceBackstop {
		m = s.backstop
	}
	out := TierNone
	for t := range m {
		if t.rank() > out.rank() {
			out = t
		}
	}
	return out
}

// Summary compares backstop hits against model confirmations so backstop
// false positives can be surfaced for tuning.
type Summary struct {
	BackstopHighest  Tier   `json:"backstop_highest"`
	ModelHighest     Tier   `json:"model_highest"`
	UnconfirmedTiers []Tier `json:"unconfirmed_tiers,omitempty"`
}

func (s *State) Summarize() Summary {
	out := Summary{
		BackstopHighest: s.Highest(SourceBackstop),
		ModelHighest:    s.Highest(SourceModel),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range []Tier{TierLow, TierMedium, TierHigh} {
		if s.backstop[t] && !s.model[t] {
			out.UnconfirmedTiers = append(out.UnconfirmedTiers, t)
		}
	}
	return out
}

// Registry holds per-session safety state. It replaces a module-level map:
// the owner creates it once, hands it to collaborators, and removes entries
// during call teardown so no state outlives its session.
type Registry struct {
	mu     sync.Mutex
	states map[string]*State
}

func NewRegistry() *Registry {
	return &Registry{states: make(map[string]*State)}
}

// Get returns the state for a session, creating it on first use.
func (r *Registry) Get(sessionID string) *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[sessionID]
	if !ok {
		st = NewState()
		r.states[sessionID] = st
	}
	return st
}

// Remove discards a session's state and returns its final summary.
func (r *Registry) Remove(sessionID string) Summary {
	r.mu.Lock()
	st, ok := r.states[sessionID]
	delete(r.states, sessionID)
	r.mu.Unlock()
	if !ok {
		return Summary{BackstopHighest: TierNone, ModelHighest: TierNone}
	}
	return st.Summarize()
}
