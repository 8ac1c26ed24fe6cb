package eventinput

import (
	"fmt"
	"sort"

	"github.com/arborhs/homeserver/internal/authchain"
	"github.com/arborhs/homeserver/internal/shortid"
)

// EventMeta is the subset of an event's fields state resolution v2
// needs to order and auth-check candidates.
type EventMeta struct {
	Type           string
	StateKey       string
	ShortStateKey  shortid.ShortStateKey // interned (Type, StateKey); zero if not a state event
	Sender         string
	PowerLevel     int64
	OriginServerTS int64
	AuthEvents     []shortid.ShortEventID
}

// MetaFetcher looks up EventMeta for a short event ID, e.g. backed by
// the outlier/timeline stores.
type MetaFetcher interface {
	EventMeta(short shortid.ShortEventID) (EventMeta, error)
}

// AuthChecker decides whether candidate is allowed given the state it
// would be authed against. Implementations encode the room-version auth
// rules (m.room.create, power levels, join rules, membership, ...).
type AuthChecker interface {
	Allowed(roomVersion string, candidate shortid.ShortEventID, candidateMeta EventMeta, state map[shortid.ShortStateKey]shortid.ShortEventID) (bool, error)
}

// controlEventTypes are auth-relevant state events ordered and applied
// before the remainder of the conflicted set, per state resolution v2.
var controlEventTypes = map[string]bool{
	"m.room.power_levels":      true,
	"m.room.join_rules":        true,
	"m.room.third_party_invite": true,
	"m.room.member":            true,
}

// Resolver computes the state resolution v2 result over a set of
// conflicting forks.
type Resolver struct {
	auth   AuthChecker
	meta   MetaFetcher
	chains *authchain.Cache
}

// NewResolver constructs a Resolver.
func NewResolver(auth AuthChecker, meta MetaFetcher, chains *authchain.Cache) *Resolver {
	return &Resolver{auth: auth, meta: meta, chains: chains}
}

// Resolve computes a single state map from forks, each a
// ShortStateKey->ShortEventID mapping representing one prev_event's
// state, following the Matrix state-resolution-v2 algorithm: split
// conflicted/unconflicted, compute the full conflicted set (conflicted
// union auth difference), order control events by reverse power level
// and apply them with auth checks, then apply the remaining conflicted
// events with auth checks in that same order. No mainline ordering is
// done for the remainder.
func (r *Resolver) Resolve(roomVersion string, forks []map[shortid.ShortStateKey]shortid.ShortEventID) (map[shortid.ShortStateKey]shortid.ShortEventID, error) {
	if len(forks) == 0 {
		return map[shortid.ShortStateKey]shortid.ShortEventID{}, nil
	}
	if len(forks) == 1 {
		out := make(map[shortid.ShortStateKey]shortid.ShortEventID, len(forks[0]))
		for k, v := range forks[0] {
			out[k] = v
		}
		return out, nil
	}

	unconflicted, conflicted := splitForks(forks)

	var conflictedEvents []shortid.ShortEventID
	for _, candidates := range conflicted {
		conflictedEvents = append(conflictedEvents, candidates...)
	}
	var forkRoots []shortid.ShortEventID
	for _, f := range forks {
		for _, v := range f {
			forkRoots = append(forkRoots, v)
		}
	}
	diff, err := r.chains.Difference(conflictedEvents, forkRoots)
	if err != nil {
		return nil, fmt.Errorf("eventinput: auth difference: %w", err)
	}
	fullConflicted := make(map[shortid.ShortEventID]struct{}, len(conflictedEvents)+len(diff))
	for _, e := range conflictedEvents {
		fullConflicted[e] = struct{}{}
	}
	for e := range diff {
		fullConflicted[e] = struct{}{}
	}

	resolved := make(map[shortid.ShortStateKey]shortid.ShortEventID, len(unconflicted))
	for k, v := range unconflicted {
		resolved[k] = v
	}

	control, remainder, err := r.partitionByControl(fullConflicted)
	if err != nil {
		return nil, err
	}

	if err := r.applyOrdered(roomVersion, control, resolved); err != nil {
		return nil, err
	}
	if err := r.applyOrdered(roomVersion, remainder, resolved); err != nil {
		return nil, err
	}
	return resolved, nil
}

func splitForks(forks []map[shortid.ShortStateKey]shortid.ShortEventID) (unconflicted map[shortid.ShortStateKey]shortid.ShortEventID, conflicted map[shortid.ShortStateKey][]shortid.ShortEventID) {
	seen := make(map[shortid.ShortStateKey]map[shortid.ShortEventID]bool)
	for _, f := range forks {
		for k, v := range f {
			if seen[k] == nil {
				seen[k] = make(map[shortid.ShortEventID]bool)
			}
			seen[k][v] = true
		}
	}
	unconflicted = make(map[shortid.ShortStateKey]shortid.ShortEventID)
	conflicted = make(map[shortid.ShortStateKey][]shortid.ShortEventID)
	for k, vs := range seen {
		if len(vs) == 1 {
			for v := range vs {
				unconflicted[k] = v
			}
			continue
		}
		var list []shortid.ShortEventID
		for v := range vs {
			list = append(list, v)
		}
		sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
		conflicted[k] = list
	}
	return unconflicted, conflicted
}

func (r *Resolver) partitionByControl(events map[shortid.ShortEventID]struct{}) (control, remainder []shortid.ShortEventID, err error) {
	for e := range events {
		meta, merr := r.meta.EventMeta(e)
		if merr != nil {
			return nil, nil, fmt.Errorf("eventinput: meta for %d: %w", e, merr)
		}
		if controlEventTypes[meta.Type] {
			control = append(control, e)
		} else {
			remainder = append(remainder, e)
		}
	}
	return control, remainder, nil
}

// applyOrdered orders events by reverse power level (then origin_server_ts,
// then event ID for determinism) and applies each with an auth check
// against the accumulating resolved state, skipping any that fail.
func (r *Resolver) applyOrdered(roomVersion string, events []shortid.ShortEventID, resolved map[shortid.ShortStateKey]shortid.ShortEventID) error {
	type ordered struct {
		id   shortid.ShortEventID
		meta EventMeta
	}
	var list []ordered
	for _, e := range events {
		meta, err := r.meta.EventMeta(e)
		if err != nil {
			return fmt.Errorf("eventinput: meta for %d: %w", e, err)
		}
		list = append(list, ordered{id: e, meta: meta})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].meta.PowerLevel != list[j].meta.PowerLevel {
			return list[i].meta.PowerLevel > list[j].meta.PowerLevel
		}
		if list[i].meta.OriginServerTS != list[j].meta.OriginServerTS {
			return list[i].meta.OriginServerTS < list[j].meta.OriginServerTS
		}
		return list[i].id < list[j].id
	})

	for _, o := range list {
		ok, err := r.auth.Allowed(roomVersion, o.id, o.meta, resolved)
		if err != nil {
			return fmt.Errorf("eventinput: auth check for %d: %w", o.id, err)
		}
		if !ok || o.meta.ShortStateKey == 0 {
			continue
		}
		if _, exists := resolved[o.meta.ShortStateKey]; exists {
			// A higher-precedence candidate for this key already won;
			// later candidates in the order are not reconsidered.
			continue
		}
		resolved[o.meta.ShortStateKey] = o.id
	}
	return nil
}
