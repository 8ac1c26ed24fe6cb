// Package authchain implements component E, the Auth Chain Cache: the
// transitive closure of an event's auth_events, used for auth-chain
// difference computation during state resolution v2.
package authchain

import (
	"fmt"
	"sort"

	"github.com/dgraph-io/ristretto"

	"github.com/arborhs/homeserver/internal/kvstore"
	"github.com/arborhs/homeserver/internal/shortid"
)

// AuthEventsFetcher looks up the direct auth_events short IDs of a short
// event ID, e.g. via the timeline/outlier stores. Implemented by the
// ingestion pipeline; abstracted here so this package stays a pure cache.
type AuthEventsFetcher interface {
	DirectAuthEvents(short shortid.ShortEventID) ([]shortid.ShortEventID, error)
}

// Cache computes and caches transitive auth-chain closures. A closure
// for a single event is persisted to disk, since it is reused heavily
// and cheap to key on one short ID. A closure for a set of events
// (the common case, requesting the auth chain of several state events
// at once) is only ever cached in RAM: the key space is combinatorial
// and not worth persisting.
type Cache struct {
	kv      *kvstore.Store
	fetcher AuthEventsFetcher
	ram     *ristretto.Cache
}

// New constructs a Cache over kv, consulting fetcher on a miss.
func New(kv *kvstore.Store, fetcher AuthEventsFetcher) (*Cache, error) {
	ram, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     1 << 26,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("authchain: new cache: %w", err)
	}
	return &Cache{kv: kv, fetcher: fetcher, ram: ram}, nil
}

// ForEvent returns the full transitive auth-chain closure of a single
// event (not including the event itself), persisting the result.
func (c *Cache) ForEvent(event shortid.ShortEventID) (map[shortid.ShortEventID]struct{}, error) {
	if raw, err := c.kv.Get("shorteventid_authchain", kvstore.U64(uint64(event))); err != nil {
		return nil, fmt.Errorf("authchain: lookup cached chain: %w", err)
	} else if raw != nil {
		return decodeChain(raw), nil
	}

	chain, err := c.compute([]shortid.ShortEventID{event})
	if err != nil {
		return nil, err
	}
	delete(chain, event)
	if err := c.kv.Put("shorteventid_authchain", kvstore.U64(uint64(event)), encodeChain(chain)); err != nil {
		return nil, fmt.Errorf("authchain: persist chain: %w", err)
	}
	return chain, nil
}

// ForEvents returns the union of the transitive auth-chain closures of
// every event in the set, including the events themselves. Results for
// more than one event are cached in RAM only, keyed by the sorted input.
func (c *Cache) ForEvents(events []shortid.ShortEventID) (map[shortid.ShortEventID]struct{}, error) {
	if len(events) == 1 {
		chain, err := c.ForEvent(events[0])
		if err != nil {
			return nil, err
		}
		out := map[shortid.ShortEventID]struct{}{events[0]: {}}
		for e := range chain {
			out[e] = struct{}{}
		}
		return out, nil
	}

	key := ramKey(events)
	if v, ok := c.ram.Get(key); ok {
		return v.(map[shortid.ShortEventID]struct{}), nil
	}

	chain, err := c.compute(events)
	if err != nil {
		return nil, err
	}
	c.ram.Set(key, chain, int64(len(chain)))
	return chain, nil
}

// compute walks the auth_events DAG from roots breadth-first, returning
// the set of roots plus every event transitively reachable through
// auth_events edges.
func (c *Cache) compute(roots []shortid.ShortEventID) (map[shortid.ShortEventID]struct{}, error) {
	seen := make(map[shortid.ShortEventID]struct{}, len(roots)*4)
	queue := append([]shortid.ShortEventID(nil), roots...)
	for _, r := range roots {
		seen[r] = struct{}{}
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		parents, err := c.fetcher.DirectAuthEvents(cur)
		if err != nil {
			return nil, fmt.Errorf("authchain: fetch auth events of %d: %w", cur, err)
		}
		for _, p := range parents {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			queue = append(queue, p)
		}
	}
	return seen, nil
}

// Difference returns the events present in the auth chain of a but not
// in the auth chain of b, the primitive state resolution v2 needs when
// computing the auth-difference between conflicting state sets.
func (c *Cache) Difference(a, b []shortid.ShortEventID) (map[shortid.ShortEventID]struct{}, error) {
	chainA, err := c.ForEvents(a)
	if err != nil {
		return nil, err
	}
	chainB, err := c.ForEvents(b)
	if err != nil {
		return nil, err
	}
	out := make(map[shortid.ShortEventID]struct{})
	for e := range chainA {
		if _, ok := chainB[e]; !ok {
			out[e] = struct{}{}
		}
	}
	return out, nil
}

func ramKey(events []shortid.ShortEventID) string {
	sorted := append([]shortid.ShortEventID(nil), events...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	buf := make([]byte, 0, len(sorted)*8)
	for _, e := range sorted {
		buf = append(buf, kvstore.U64(uint64(e))...)
	}
	return string(buf)
}

func encodeChain(chain map[shortid.ShortEventID]struct{}) []byte {
	ids := make([]shortid.ShortEventID, 0, len(chain))
	for e := range chain {
		ids = append(ids, e)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	buf := make([]byte, 0, len(ids)*8)
	for _, e := range ids {
		buf = append(buf, kvstore.U64(uint64(e))...)
	}
	return buf
}

func decodeChain(raw []byte) map[shortid.ShortEventID]struct{} {
	out := make(map[shortid.ShortEventID]struct{}, len(raw)/8)
	for i := 0; i+8 <= len(raw); i += 8 {
		v, _ := kvstore.ParseU64(raw[i : i+8])
		out[shortid.ShortEventID(v)] = struct{}{}
	}
	return out
}
