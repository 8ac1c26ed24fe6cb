// Package statecompressor implements component D, the State Compressor:
// room state snapshots stored as a parent-pointer chain of deltas rather
// than full copies, with periodic flattening so resolution never walks
// an unbounded chain.
package statecompressor

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/arborhs/homeserver/internal/kvstore"
	"github.com/arborhs/homeserver/internal/shortid"
)

// ShortStateHash is a non-zero 64-bit surrogate for a resolved room state
// snapshot. Zero means "no state" (the state before the room's create
// event).
type ShortStateHash uint64

// diffParentLimit bounds how many links a snapshot's parent chain may
// grow before the next write flattens it into a fresh root. Without this
// a long-lived room's chain would grow without bound and every
// resolution would walk it in full.
const diffParentLimit = 64

const counterName = "shortstatehash"

// Compressor stores and resolves state snapshots over kv.
type Compressor struct {
	kv *kvstore.Store
}

// New constructs a Compressor over kv.
func New(kv *kvstore.Store) *Compressor {
	return &Compressor{kv: kv}
}

type snapshot struct {
	depth   uint64
	parent  ShortStateHash
	added   []kvPair
	removed []shortid.ShortStateKey
}

type kvPair struct {
	key shortid.ShortStateKey
	val shortid.ShortEventID
}

// AllocateSnapshot records a new state snapshot as the delta (added,
// removed) applied on top of parent, allocating and returning its short
// hash. parent may be 0 to start a fresh root (e.g. a room's create
// event). When the resulting chain would exceed diffParentLimit links,
// the snapshot is flattened: its full resolved state is computed and
// stored as a new root instead of another diff link.
func (c *Compressor) AllocateSnapshot(parent ShortStateHash, added map[shortid.ShortStateKey]shortid.ShortEventID, removed []shortid.ShortStateKey) (ShortStateHash, error) {
	var parentDepth uint64
	if parent != 0 {
		p, err := c.loadSnapshot(parent)
		if err != nil {
			return 0, err
		}
		parentDepth = p.depth
	}

	depth := parentDepth + 1
	snap := snapshot{depth: depth, parent: parent, removed: removed}
	for k, v := range added {
		snap.added = append(snap.added, kvPair{key: k, val: v})
	}
	sortPairs(snap.added)
	sort.Slice(snap.removed, func(i, j int) bool { return snap.removed[i] < snap.removed[j] })

	if depth > diffParentLimit {
		full, err := c.resolve(parent)
		if err != nil {
			return 0, err
		}
		for _, k := range removed {
			delete(full, k)
		}
		for k, v := range added {
			full[k] = v
		}
		snap = snapshot{depth: 0, parent: 0}
		for k, v := range full {
			snap.added = append(snap.added, kvPair{key: k, val: v})
		}
		sortPairs(snap.added)
	}

	next, err := c.kv.NextCounter(counterName)
	if err != nil {
		return 0, fmt.Errorf("statecompressor: allocate hash: %w", err)
	}
	hash := ShortStateHash(next)
	if err := c.kv.Put("shortstatehash_statediff", kvstore.U64(uint64(hash)), encodeSnapshot(snap)); err != nil {
		return 0, fmt.Errorf("statecompressor: persist snapshot: %w", err)
	}
	return hash, nil
}

// ResolveState returns the full (type,state_key)->event_id mapping for
// hash, walking its parent chain from root to leaf and applying each
// link's added/removed sets in order.
func (c *Compressor) ResolveState(hash ShortStateHash) (map[shortid.ShortStateKey]shortid.ShortEventID, error) {
	return c.resolve(hash)
}

func (c *Compressor) resolve(hash ShortStateHash) (map[shortid.ShortStateKey]shortid.ShortEventID, error) {
	if hash == 0 {
		return map[shortid.ShortStateKey]shortid.ShortEventID{}, nil
	}

	var chain []snapshot
	cur := hash
	for cur != 0 {
		snap, err := c.loadSnapshot(cur)
		if err != nil {
			return nil, err
		}
		chain = append(chain, snap)
		cur = snap.parent
	}

	out := make(map[shortid.ShortStateKey]shortid.ShortEventID)
	for i := len(chain) - 1; i >= 0; i-- {
		snap := chain[i]
		for _, k := range snap.removed {
			delete(out, k)
		}
		for _, kv := range snap.added {
			out[kv.key] = kv.val
		}
	}
	return out, nil
}

func (c *Compressor) loadSnapshot(hash ShortStateHash) (snapshot, error) {
	raw, err := c.kv.Get("shortstatehash_statediff", kvstore.U64(uint64(hash)))
	if err != nil {
		return snapshot{}, fmt.Errorf("statecompressor: load snapshot %d: %w", hash, err)
	}
	if raw == nil {
		return snapshot{}, fmt.Errorf("statecompressor: unknown snapshot %d", hash)
	}
	return decodeSnapshot(raw)
}

// encodeSnapshot lays out a snapshot as:
//
//	depth(BE-u64) || parent(BE-u64) || added* || sentinel(8 zero bytes) || removed*
//
// where each added entry is ShortStateKey(BE-u64) || ShortEventID(BE-u64)
// and each removed entry is ShortStateKey(BE-u64). A zero ShortStateKey
// can never occur as a real entry, so it safely terminates the added
// run.
func encodeSnapshot(s snapshot) []byte {
	buf := make([]byte, 0, 16+len(s.added)*16+8+len(s.removed)*8)
	buf = appendU64(buf, s.depth)
	buf = appendU64(buf, uint64(s.parent))
	for _, kv := range s.added {
		buf = appendU64(buf, uint64(kv.key))
		buf = appendU64(buf, uint64(kv.val))
	}
	buf = appendU64(buf, 0)
	for _, k := range s.removed {
		buf = appendU64(buf, uint64(k))
	}
	return buf
}

func decodeSnapshot(raw []byte) (snapshot, error) {
	if len(raw) < 16 {
		return snapshot{}, fmt.Errorf("statecompressor: truncated snapshot record")
	}
	s := snapshot{
		depth:  binary.BigEndian.Uint64(raw[0:8]),
		parent: ShortStateHash(binary.BigEndian.Uint64(raw[8:16])),
	}
	rest := raw[16:]
	if len(rest)%8 != 0 {
		return snapshot{}, fmt.Errorf("statecompressor: malformed snapshot record")
	}
	words := make([]uint64, len(rest)/8)
	for i := range words {
		words[i] = binary.BigEndian.Uint64(rest[i*8 : i*8+8])
	}

	i := 0
	for ; i+1 < len(words); i += 2 {
		if words[i] == 0 {
			i++
			break
		}
		s.added = append(s.added, kvPair{key: shortid.ShortStateKey(words[i]), val: shortid.ShortEventID(words[i+1])})
	}
	for ; i < len(words); i++ {
		s.removed = append(s.removed, shortid.ShortStateKey(words[i]))
	}
	return s, nil
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func sortPairs(p []kvPair) {
	sort.Slice(p, func(i, j int) bool { return p[i].key < p[j].key })
}
