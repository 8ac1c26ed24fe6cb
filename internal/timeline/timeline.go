// Package timeline implements the timeline half of component G: per-room
// PduCount allocation, event storage keyed by (ShortRoomId, PduCount),
// forward-extremity maintenance, and the secondary indexes the spec's
// persisted layout names (referenced events, soft-fail marks, relations,
// thread participants, tokenized full-text search).
package timeline

import (
	"sort"
	"strings"
	"sync"
	"unicode"

	"go.etcd.io/bbolt"

	"github.com/arborhs/homeserver/internal/kvstore"
	"github.com/arborhs/homeserver/internal/shortid"
)

// PduCount is a per-room monotone counter. Two disjoint spaces are used:
// positive counts allocated at commit time for live events, and negative
// counts allocated in descending order for backfilled history, so
// backfill never collides with concurrently-arriving live events.
type PduCount int64

// Timeline stores committed events and their indexes for one KV store
// shared across all rooms, serialising per-room counter allocation with
// an in-process mutex per room ID.
type Timeline struct {
	kv *kvstore.Store

	mu        sync.Mutex
	roomLocks map[shortid.ShortRoomID]*sync.Mutex
}

// New constructs a Timeline over kv.
func New(kv *kvstore.Store) *Timeline {
	return &Timeline{kv: kv, roomLocks: make(map[shortid.ShortRoomID]*sync.Mutex)}
}

func (t *Timeline) lockFor(room shortid.ShortRoomID) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.roomLocks[room]
	if !ok {
		l = &sync.Mutex{}
		t.roomLocks[room] = l
	}
	return l
}

// CommitEvent appends event as the next live PduCount in room, records
// its (event_id -> PduCount) mapping, marks every prev_event referenced,
// and indexes sender/type/search terms. It returns the PduCount assigned.
func (t *Timeline) CommitEvent(room shortid.ShortRoomID, eventID string, shortEvent shortid.ShortEventID, sender, eventType string, prevEventIDs []string, canonicalJSON []byte, searchTerms string) (PduCount, error) {
	lock := t.lockFor(room)
	lock.Lock()
	defer lock.Unlock()

	next, err := t.kv.NextCounter(roomCounterName(room))
	if err != nil {
		return 0, err
	}
	count := PduCount(next)

	if err := t.store(room, count, eventID, sender, eventType, prevEventIDs, canonicalJSON, searchTerms); err != nil {
		return 0, err
	}
	return count, nil
}

// CommitBackfilledEvent appends event as the next backfilled PduCount in
// room (descending from the minimum previously-used value), used when
// historical events arrive via /backfill rather than live federation.
func (t *Timeline) CommitBackfilledEvent(room shortid.ShortRoomID, eventID string, shortEvent shortid.ShortEventID, sender, eventType string, prevEventIDs []string, canonicalJSON []byte, searchTerms string) (PduCount, error) {
	lock := t.lockFor(room)
	lock.Lock()
	defer lock.Unlock()

	min, err := t.minBackfillCount(room)
	if err != nil {
		return 0, err
	}
	count := min - 1

	if err := t.store(room, count, eventID, sender, eventType, prevEventIDs, canonicalJSON, searchTerms); err != nil {
		return 0, err
	}
	return count, nil
}

func (t *Timeline) minBackfillCount(room shortid.ShortRoomID) (PduCount, error) {
	min := PduCount(0)
	prefix := kvstore.U64(uint64(room))
	err := t.kv.PrefixIter("pduid_pdu", prefix, func(k, _ []byte) error {
		count := decodePduCount(k[8:])
		if count < min {
			min = count
		}
		return nil
	})
	return min, err
}

func (t *Timeline) store(room shortid.ShortRoomID, count PduCount, eventID, sender, eventType string, prevEventIDs []string, canonicalJSON []byte, searchTerms string) error {
	pduID := encodePduID(room, count)

	if err := t.kv.Put("pduid_pdu", pduID, canonicalJSON); err != nil {
		return err
	}
	if err := t.kv.Put("eventid_pduid", []byte(eventID), pduID); err != nil {
		return err
	}
	senderKey := kvstore.JoinKey(kvstore.U64(uint64(room)), []byte(sender), []byte(eventType), kvstore.U64(uint64(count)))
	if err := t.kv.Put("sender_type_pduid", senderKey, nil); err != nil {
		return err
	}
	for _, prev := range prevEventIDs {
		if err := t.kv.Put("referencedevents", kvstore.JoinKey(kvstore.U64(uint64(room)), []byte(prev)), nil); err != nil {
			return err
		}
	}
	for _, word := range tokenize(searchTerms) {
		key := kvstore.JoinKey(kvstore.U64(uint64(room)), []byte(word), pduID)
		if err := t.kv.Put("tokenids", key, nil); err != nil {
			return err
		}
	}
	return nil
}

// GetEventJSON returns the stored canonical JSON for a committed
// eventID, e.g. to serve it back over federation's /event endpoint.
func (t *Timeline) GetEventJSON(eventID string) ([]byte, bool, error) {
	pduID, err := t.kv.Get("eventid_pduid", []byte(eventID))
	if err != nil || pduID == nil {
		return nil, false, err
	}
	raw, err := t.kv.Get("pduid_pdu", pduID)
	if err != nil || raw == nil {
		return nil, false, err
	}
	return raw, true, nil
}

// GetPduCount returns the PduCount assigned to eventID.
func (t *Timeline) GetPduCount(eventID string) (PduCount, bool, error) {
	raw, err := t.kv.Get("eventid_pduid", []byte(eventID))
	if err != nil || raw == nil {
		return 0, false, err
	}
	return decodePduCount(raw[8:]), true, nil
}

// IsReferenced reports whether eventID is anyone's prev_event in room,
// i.e. it is not (or no longer) a forward extremity candidate.
func (t *Timeline) IsReferenced(room shortid.ShortRoomID, eventID string) (bool, error) {
	return t.kv.Has("referencedevents", kvstore.JoinKey(kvstore.U64(uint64(room)), []byte(eventID)))
}

// MarkSoftFailed records eventID as soft-failed: stored, but never used
// as a state event or selected as a forward extremity.
func (t *Timeline) MarkSoftFailed(eventID string) error {
	return t.kv.Put("softfailedeventids", []byte(eventID), nil)
}

// IsSoftFailed reports whether eventID was marked soft-failed.
func (t *Timeline) IsSoftFailed(eventID string) (bool, error) {
	return t.kv.Has("softfailedeventids", []byte(eventID))
}

// ForwardExtremities returns the current set of forward-extremity event
// IDs for room.
func (t *Timeline) ForwardExtremities(room shortid.ShortRoomID) ([]string, error) {
	var out []string
	err := t.kv.PrefixIter("room_extremities", kvstore.U64(uint64(room)), func(k, _ []byte) error {
		out = append(out, string(k[8:]))
		return nil
	})
	return out, err
}

// SetForwardExtremities atomically replaces room's forward-extremity set:
// every existing entry for room is deleted and eventIDs are written in
// its place, inside one bbolt transaction.
func (t *Timeline) SetForwardExtremities(room shortid.ShortRoomID, eventIDs []string) error {
	prefix := kvstore.U64(uint64(room))
	return t.kv.Batch(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte("room_extremities"))
		c := b.Cursor()
		var stale [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		for _, eventID := range eventIDs {
			key := append(append([]byte(nil), prefix...), []byte(eventID)...)
			if err := b.Put(key, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// AddRelation records that fromShort references targetShort (edits,
// threads, annotations).
func (t *Timeline) AddRelation(targetShort, fromShort shortid.ShortEventID) error {
	key := kvstore.JoinKey(kvstore.U64(uint64(targetShort)), kvstore.U64(uint64(fromShort)))
	return t.kv.Put("tofrom_relation", key, nil)
}

// RelationsOf returns every short event ID that references targetShort.
func (t *Timeline) RelationsOf(targetShort shortid.ShortEventID) ([]shortid.ShortEventID, error) {
	var out []shortid.ShortEventID
	prefix := kvstore.U64(uint64(targetShort))
	err := t.kv.PrefixIter("tofrom_relation", prefix, func(k, _ []byte) error {
		v, perr := kvstore.ParseU64(k[9:])
		if perr != nil {
			return perr
		}
		out = append(out, shortid.ShortEventID(v))
		return nil
	})
	return out, err
}

// AddThreadParticipant records userID as a participant of the thread
// rooted at threadRootEventID.
func (t *Timeline) AddThreadParticipant(threadRootEventID, userID string) error {
	key := kvstore.JoinKey([]byte(threadRootEventID), []byte(userID))
	return t.kv.Put("threadid_userids", key, nil)
}

// ThreadParticipants returns the participants recorded for the thread
// rooted at threadRootEventID.
func (t *Timeline) ThreadParticipants(threadRootEventID string) ([]string, error) {
	var out []string
	prefix := kvstore.JoinKey([]byte(threadRootEventID))
	err := t.kv.PrefixIter("threadid_userids", prefix, func(k, _ []byte) error {
		parts := k[len(prefix)+1:]
		out = append(out, string(parts))
		return nil
	})
	return out, err
}

// Search returns PduCounts in room whose indexed text contained query,
// intersecting the per-word postings for every token in query.
func (t *Timeline) Search(room shortid.ShortRoomID, query string) ([]PduCount, error) {
	words := tokenize(query)
	if len(words) == 0 {
		return nil, nil
	}

	var sets [][]PduCount
	for _, w := range words {
		var hits []PduCount
		prefix := kvstore.JoinKey(kvstore.U64(uint64(room)), []byte(w))
		err := t.kv.PrefixIter("tokenids", prefix, func(k, _ []byte) error {
			pduID := k[len(prefix)+1:]
			hits = append(hits, decodePduCount(pduID[8:]))
			return nil
		})
		if err != nil {
			return nil, err
		}
		sets = append(sets, hits)
	}

	sort.Slice(sets, func(i, j int) bool { return len(sets[i]) < len(sets[j]) })
	result := toSet(sets[0])
	for _, s := range sets[1:] {
		result = intersect(result, toSet(s))
	}

	out := make([]PduCount, 0, len(result))
	for c := range result {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out, nil
}

func toSet(cs []PduCount) map[PduCount]struct{} {
	m := make(map[PduCount]struct{}, len(cs))
	for _, c := range cs {
		m[c] = struct{}{}
	}
	return m
}

func intersect(a, b map[PduCount]struct{}) map[PduCount]struct{} {
	out := make(map[PduCount]struct{})
	for c := range a {
		if _, ok := b[c]; ok {
			out[c] = struct{}{}
		}
	}
	return out
}

// tokenize splits s into lowercase words on non-alphanumeric runes,
// dropping tokens longer than 50 bytes.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) <= 50 {
			out = append(out, f)
		}
	}
	return out
}

func roomCounterName(room shortid.ShortRoomID) string {
	return "pducount\xFF" + string(kvstore.U64(uint64(room)))
}

func encodePduID(room shortid.ShortRoomID, count PduCount) []byte {
	buf := make([]byte, 16)
	copy(buf[:8], kvstore.U64(uint64(room)))
	copy(buf[8:], encodePduCount(count))
	return buf
}

// encodePduCount maps the signed PduCount space onto an unsigned BE
// encoding that preserves ordering, by XORing the sign bit so negative
// (backfilled) counts sort before zero and zero sorts before positive
// (live) counts.
func encodePduCount(c PduCount) []byte {
	u := uint64(c) ^ (1 << 63)
	return kvstore.U64(u)
}

func decodePduCount(b []byte) PduCount {
	u, _ := kvstore.ParseU64(b)
	return PduCount(u ^ (1 << 63))
}
