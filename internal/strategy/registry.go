package strategy

import "log"

// Registry holds strategies in declaration order. Declaration order is the
// tie-break when two candidates score equal confidence, so it is stable and
// deliberate.
type Registry struct {
	strategies []Strategy
	byID       map[string]Strategy
}

// NewRegistry builds the default strategy set. enabled filters by ID; an
// empty list enables everything.
func NewRegistry(enabled []string) *Registry {
	all := []Strategy{
		NewEMACross(),
		NewEMAPullback(),
		NewRangeBreakout(),
		NewVWAPReclaim(),
		NewORB(),
		NewBollingerSqueeze(),
		NewRSIFade(),
		NewVolumeSpike(),
		NewFakeoutFade(),
		NewWickReversal(),
	}
	r := &Registry{byID: make(map[string]Strategy)}
	allow := make(map[string]bool, len(enabled))
	for _, id := range enabled {
		allow[id] = true
	}
	for _, s := range all {
		if len(enabled) > 0 && !allow[s.ID()] {
			continue
		}
		r.strategies = append(r.strategies, s)
		r.byID[s.ID()] = s
	}
	log.Printf("[strategy] registry loaded with %d strategies", len(r.strategies))
	return r
}

// All returns the enabled strategies in declaration order.
func (r *Registry) All() []Strategy { return r.strategies }

// Get returns the strategy with the given ID, or nil.
func (r *Registry) Get(id string) Strategy { return r.byID[id] }

// IDs returns the enabled strategy IDs in declaration order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.strategies))
	for _, s := range r.strategies {
		ids = append(ids, s.ID())
	}
	return ids
}
