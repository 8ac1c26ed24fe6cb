// Package eventinput implements component F, the ingestion pipeline:
// the single entry point incoming PDUs (federation or local) pass
// through on their way to becoming committed timeline events.
package eventinput

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/arborhs/homeserver/internal/authchain"
	"github.com/arborhs/homeserver/internal/hserr"
	"github.com/arborhs/homeserver/internal/keystore"
	"github.com/arborhs/homeserver/internal/kvstore"
	"github.com/arborhs/homeserver/internal/outlier"
	"github.com/arborhs/homeserver/internal/shortid"
	"github.com/arborhs/homeserver/internal/statecompressor"
	"github.com/arborhs/homeserver/internal/timeline"
	"github.com/arborhs/homeserver/pkg/pdu"
)

// maxFetchPrevEvents bounds the total number of ancestor fetches a
// single HandleIncomingPDU call will perform, protecting against a
// pathologically deep or cyclic prev_events graph.
const maxFetchPrevEvents = 128

const (
	fetchBackoffBase = 5 * time.Minute
	fetchBackoffMax  = 24 * time.Hour
)

// FederationFetcher retrieves events over federation: a single missing
// ancestor (FetchEvent, stage 5's gap-fill) or a page of history before
// a boundary (Backfill, the walk described in spec.md §8 scenario 4).
type FederationFetcher interface {
	FetchEvent(ctx context.Context, origin, roomID, eventID string, fallbackServers []string) (rawJSON []byte, err error)
	Backfill(ctx context.Context, origin, roomID string, v []string, limit int) (pdus [][]byte, err error)
}

// AccessControl gates stage 1 of the pipeline: administratively disabled
// rooms, ACL-denied origins, and server-wide forbidden lists.
type AccessControl interface {
	RoomDisabledForFederation(roomID string) bool
	ServerForbidden(server string) bool
	ACLDenies(roomID, server string) bool
}

// AllowAll is the permissive default AccessControl.
type AllowAll struct{}

func (AllowAll) RoomDisabledForFederation(string) bool { return false }
func (AllowAll) ServerForbidden(string) bool           { return false }
func (AllowAll) ACLDenies(string, string) bool         { return false }

// RoomVersionLookup returns the room version of an already-known room.
type RoomVersionLookup interface {
	RoomVersion(roomID string) (string, error)
}

// Handler runs the ingestion pipeline described in §4.2: acceptance
// gating, canonicalisation, signature verification, outlier insertion,
// ancestor resolution, topological sort, and per-event auth/state-res/
// commit, with soft-fail semantics and per-room serialisation.
type Handler struct {
	kv        *kvstore.Store
	interner  *shortid.Interner
	keys      *keystore.Keystore
	outliers  *outlier.Store
	compressor *statecompressor.Compressor
	chains    *authchain.Cache
	tl        *timeline.Timeline
	resolver  *Resolver
	auth      AuthChecker
	fetcher   FederationFetcher
	access    AccessControl
	rooms     RoomVersionLookup

	roomLocksMu sync.Mutex
	roomLocks   map[string]*sync.Mutex

	inflight *inflightTracker
}

// NewHandler constructs a Handler wiring every upstream component.
func NewHandler(
	kv *kvstore.Store,
	interner *shortid.Interner,
	keys *keystore.Keystore,
	outliers *outlier.Store,
	compressor *statecompressor.Compressor,
	chains *authchain.Cache,
	tl *timeline.Timeline,
	resolver *Resolver,
	auth AuthChecker,
	fetcher FederationFetcher,
	access AccessControl,
	rooms RoomVersionLookup,
) *Handler {
	if access == nil {
		access = AllowAll{}
	}
	return &Handler{
		kv: kv, interner: interner, keys: keys, outliers: outliers,
		compressor: compressor, chains: chains, tl: tl, resolver: resolver,
		auth: auth, fetcher: fetcher, access: access, rooms: rooms,
		roomLocks: make(map[string]*sync.Mutex),
		inflight:  newInflightTracker(),
	}
}

func (h *Handler) roomLock(roomID string) *sync.Mutex {
	h.roomLocksMu.Lock()
	defer h.roomLocksMu.Unlock()
	l, ok := h.roomLocks[roomID]
	if !ok {
		l = &sync.Mutex{}
		h.roomLocks[roomID] = l
	}
	return l
}

// HandleIncomingPDU is the pipeline's single public entry point.
// Duplicate concurrent calls for the same (room_id, event_id) share one
// execution: the first caller does the work, later callers await it.
func (h *Handler) HandleIncomingPDU(ctx context.Context, origin, roomID, eventID string, rawJSON []byte, isTimelineEvent bool) (string, bool, error) {
	key := roomID + "\xFF" + eventID
	waitCh, owner := h.inflight.begin(key)
	if !owner {
		select {
		case res := <-waitCh:
			return res.acceptedEventID, res.softFailed, res.err
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}

	acceptedID, softFailed, err := h.handle(ctx, origin, roomID, eventID, rawJSON, isTimelineEvent)
	h.inflight.finish(key, result{acceptedEventID: acceptedID, softFailed: softFailed, err: err})
	return acceptedID, softFailed, err
}

func (h *Handler) handle(ctx context.Context, origin, roomID, eventID string, rawJSON []byte, isTimelineEvent bool) (string, bool, error) {
	// 1. Acceptance gate.
	if h.access.RoomDisabledForFederation(roomID) {
		return "", false, hserr.Forbidden("room disabled for federation")
	}
	if h.access.ServerForbidden(origin) {
		return "", false, hserr.Forbidden("origin server is forbidden")
	}
	if h.access.ACLDenies(roomID, origin) {
		return "", false, hserr.Forbidden("server ACL denies origin")
	}

	roomVersion, err := h.rooms.RoomVersion(roomID)
	if err != nil {
		return "", false, hserr.NotFound("room %s not found", roomID)
	}

	// 2. Canonicalisation.
	event, err := pdu.Parse(rawJSON)
	if err != nil {
		return "", false, hserr.BadJSON("parse incoming pdu: %v", err)
	}
	if event.RoomID != roomID {
		return "", false, hserr.InvalidParam("event room_id does not match the transaction's room_id")
	}
	derivedID, err := pdu.DeriveEventID(rawJSON, roomVersion)
	if err != nil {
		return "", false, hserr.BadJSON("derive event id: %v", err)
	}
	if derivedID != eventID {
		return "", false, hserr.Signatures(origin, "event id mismatch: received %s, derived %s", eventID, derivedID)
	}
	// Room versions >= 3 derive event_id from the hash and must never
	// carry a transmitted one in the stored/canonical form; v1/v2 events
	// legitimately transmit event_id as part of the signed content.
	stripped := rawJSON
	if roomVersion != "1" && roomVersion != "2" {
		stripped, err = pdu.StripEventID(rawJSON)
		if err != nil {
			return "", false, hserr.BadJSON("strip event id: %v", err)
		}
	}
	canon, err := pdu.CanonicalJSON(stripped)
	if err != nil {
		return "", false, hserr.BadJSON("canonicalise event: %v", err)
	}

	// 3. Signature and hash check.
	requiredServers := []string{event.Sender[indexOfColon(event.Sender)+1:]}
	if origin != requiredServers[0] {
		requiredServers = append(requiredServers, origin)
	}
	if err := h.keys.VerifyEvent(ctx, canon, roomVersion, requiredServers, event.OriginServerTS); err != nil {
		return "", false, err
	}

	// 4. Early outlier insert (idempotent).
	if err := h.outliers.Put(eventID, canon); err != nil {
		return "", false, err
	}

	// 5. Ancestor resolution.
	visiting := map[string]bool{eventID: true}
	fetched := 0
	var ancestors []fetchedAncestor
	if err := h.resolveAncestors(ctx, origin, roomID, roomVersion, event.PrevEvents, visiting, &fetched, &ancestors); err != nil {
		return "", false, err
	}

	roomLock := h.roomLock(roomID)
	roomLock.Lock()
	defer roomLock.Unlock()

	shortRoom, err := h.interner.InternRoomID(roomID)
	if err != nil {
		return "", false, hserr.Database(err, "intern room id")
	}

	// 6-7 (ancestors). Lexicographically topologically sort the
	// ancestors resolveAncestors just fetched and commit each in turn,
	// so commitEvent's fork walk for the target event (and for any
	// later ancestor depending on an earlier one) finds the
	// shorteventid_shortstatehash of every prev_event that is a
	// committed, non-soft-failed state event; other prev_events have no
	// such entry and are skipped by the walk.
	if err := h.commitAncestors(shortRoom, roomVersion, ancestors); err != nil {
		return "", false, err
	}

	shortEvent, err := h.interner.InternEventID(eventID)
	if err != nil {
		return "", false, hserr.Database(err, "intern event id")
	}

	// 7 (target event).
	softFailed, err := h.commitEvent(shortRoom, shortEvent, eventID, event, canon, roomVersion, isTimelineEvent)
	if err != nil {
		return "", false, err
	}

	// 8. Mark parents referenced: handled by timeline.CommitEvent itself,
	// which records every prev_event as referenced at commit time.

	return eventID, softFailed, nil
}

// fetchedAncestor is a prev_event resolveAncestors retrieved over
// federation this call, carried forward so commitAncestors can
// topologically sort and commit the batch without re-parsing it.
type fetchedAncestor struct {
	eventID string
	event   *pdu.PDU
	canon   []byte
}

// resolveAncestors recursively fetches and verifies any prev_event not
// already known, bounded by maxFetchPrevEvents and guarded against
// cycles via visiting. Every event it fetches is appended to
// *ancestors for the caller to commit once resolution finishes.
func (h *Handler) resolveAncestors(ctx context.Context, origin, roomID, roomVersion string, prevEventIDs []string, visiting map[string]bool, fetched *int, ancestors *[]fetchedAncestor) error {
	for _, prevID := range prevEventIDs {
		if visiting[prevID] {
			return hserr.Database(nil, "cycle detected in prev_events graph at %s", prevID)
		}
		known, err := h.outliers.Has(prevID)
		if err != nil {
			return err
		}
		if known {
			continue
		}
		if _, ok, err := h.tl.GetPduCount(prevID); err != nil {
			return err
		} else if ok {
			continue
		}

		if *fetched >= maxFetchPrevEvents {
			return hserr.Database(nil, "missing ancestors: fetch budget exhausted at %s", prevID)
		}
		*fetched++

		if err := h.fetchWithBackoff(ctx, origin, roomID, prevID); err != nil {
			return err
		}

		raw, err := h.fetcher.FetchEvent(ctx, origin, roomID, prevID, nil)
		if err != nil {
			h.recordFetchFailure(roomID, prevID)
			return hserr.BadServerResponse(origin, "fetch ancestor %s: %v", prevID, err)
		}
		ancestor, err := pdu.Parse(raw)
		if err != nil {
			return hserr.BadJSON("parse ancestor %s: %v", prevID, err)
		}
		canon, err := pdu.CanonicalJSON(raw)
		if err != nil {
			return hserr.BadJSON("canonicalise ancestor %s: %v", prevID, err)
		}
		if err := h.keys.VerifyEvent(ctx, canon, roomVersion, []string{origin}, ancestor.OriginServerTS); err != nil {
			h.recordFetchFailure(roomID, prevID)
			return err
		}
		if err := h.outliers.Put(prevID, canon); err != nil {
			return err
		}
		*ancestors = append(*ancestors, fetchedAncestor{eventID: prevID, event: ancestor, canon: canon})

		visiting[prevID] = true
		err = h.resolveAncestors(ctx, origin, roomID, roomVersion, ancestor.PrevEvents, visiting, fetched, ancestors)
		delete(visiting, prevID)
		if err != nil {
			return err
		}
	}
	return nil
}

// commitAncestors performs pipeline stages 6-7 for the ancestors
// resolveAncestors fetched over federation this call: lexicographically
// topologically sort them (power_level, origin_server_ts, event_id),
// then commit each as a non-head timeline event in that order, exactly
// as conduwuit's fetch_prev.rs sorts a fetched batch and
// handle_prev_pdu.rs then upgrades each one in turn before the target
// event is handled. Like fetch_prev.rs's own event_fetch, this always
// keys the sort on a power level of 0: the real power level isn't
// known until the event's state is resolved, which is exactly what
// this commit loop is about to do, so origin_server_ts and event_id
// carry the ordering in practice.
func (h *Handler) commitAncestors(shortRoom shortid.ShortRoomID, roomVersion string, ancestors []fetchedAncestor) error {
	if len(ancestors) == 0 {
		return nil
	}
	byID := make(map[string]fetchedAncestor, len(ancestors))
	cands := make([]candidate, len(ancestors))
	for i, a := range ancestors {
		byID[a.eventID] = a
		cands[i] = candidate{
			eventID:        a.eventID,
			prevEventIDs:   a.event.PrevEvents,
			powerLevel:     0,
			originServerTS: a.event.OriginServerTS,
		}
	}
	for _, c := range lexicographicTopologicalSort(cands) {
		a := byID[c.eventID]
		shortEvent, err := h.interner.InternEventID(a.eventID)
		if err != nil {
			return hserr.Database(err, "intern ancestor event id")
		}
		if _, err := h.commitEvent(shortRoom, shortEvent, a.eventID, a.event, a.canon, roomVersion, false); err != nil {
			return err
		}
	}
	return nil
}

// BackfillRoom implements the backfill walk (spec.md §8 scenario 4):
// when a local read runs off the end of the history this server holds,
// request up to limit earlier events from origin with v set to the
// known boundary event(s), verify each one's signature, insert it as
// an outlier, and commit it with a descending backfilled PduCount. Per
// spec.md §4.2's Open Questions, backfilled events are fillers for
// history visibility only: they are never auth-checked or fed into
// state resolution here, only signature-verified and stored, mirroring
// the reverse-chronological order origin returned them in. It returns
// the event IDs committed, in that same order.
func (h *Handler) BackfillRoom(ctx context.Context, origin, roomID string, boundary []string, limit int) ([]string, error) {
	roomVersion, err := h.rooms.RoomVersion(roomID)
	if err != nil {
		return nil, hserr.NotFound("room %s not found", roomID)
	}

	pdus, err := h.fetcher.Backfill(ctx, origin, roomID, boundary, limit)
	if err != nil {
		return nil, hserr.BadServerResponse(origin, "backfill %s: %v", roomID, err)
	}

	roomLock := h.roomLock(roomID)
	roomLock.Lock()
	defer roomLock.Unlock()

	shortRoom, err := h.interner.InternRoomID(roomID)
	if err != nil {
		return nil, hserr.Database(err, "intern room id")
	}

	committed := make([]string, 0, len(pdus))
	for _, raw := range pdus {
		event, err := pdu.Parse(raw)
		if err != nil {
			return committed, hserr.BadJSON("parse backfilled event: %v", err)
		}
		if event.RoomID != roomID {
			return committed, hserr.InvalidParam("backfilled event room_id does not match %s", roomID)
		}
		derivedID, err := pdu.DeriveEventID(raw, roomVersion)
		if err != nil {
			return committed, hserr.BadJSON("derive backfilled event id: %v", err)
		}
		stripped := raw
		if roomVersion != "1" && roomVersion != "2" {
			stripped, err = pdu.StripEventID(raw)
			if err != nil {
				return committed, hserr.BadJSON("strip backfilled event id: %v", err)
			}
		}
		canon, err := pdu.CanonicalJSON(stripped)
		if err != nil {
			return committed, hserr.BadJSON("canonicalise backfilled event: %v", err)
		}
		if err := h.keys.VerifyEvent(ctx, canon, roomVersion, []string{origin}, event.OriginServerTS); err != nil {
			logrus.WithError(err).WithField("event_id", derivedID).Warn("eventinput: discarding unverifiable backfilled event")
			continue
		}
		if err := h.outliers.Put(derivedID, canon); err != nil {
			return committed, err
		}

		shortEvent, err := h.interner.InternEventID(derivedID)
		if err != nil {
			return committed, hserr.Database(err, "intern backfilled event id")
		}
		searchTerms := extractSearchTerms(event)
		if _, err := h.tl.CommitBackfilledEvent(shortRoom, derivedID, shortEvent, event.Sender, event.Type, event.PrevEvents, canon, searchTerms); err != nil {
			return committed, err
		}
		committed = append(committed, derivedID)
	}
	return committed, nil
}

// fetchWithBackoff consults and updates a persisted per-(room,event)
// failure counter so repeated fetch attempts for a stubborn ancestor
// back off exponentially (min 5 min, max 24 h, doubling) instead of
// hammering the remote server on every retry.
func (h *Handler) fetchWithBackoff(ctx context.Context, origin, roomID, eventID string) error {
	key := kvstore.JoinKey([]byte(roomID), []byte(eventID))
	raw, err := h.kv.Get("room_inflight", key)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	attempts, lastAttemptUnix := decodeBackoffRecord(raw)
	shift := attempts - 1
	if shift < 0 {
		shift = 0
	}
	delay := fetchBackoffBase * time.Duration(1<<uint(minInt(shift, 9)))
	if delay > fetchBackoffMax {
		delay = fetchBackoffMax
	}
	nextAllowed := time.Unix(lastAttemptUnix, 0).Add(delay)
	if time.Now().Before(nextAllowed) {
		select {
		case <-time.After(time.Until(nextAllowed)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (h *Handler) recordFetchFailure(roomID, eventID string) {
	key := kvstore.JoinKey([]byte(roomID), []byte(eventID))
	raw, _ := h.kv.Get("room_inflight", key)
	attempts, _ := decodeBackoffRecord(raw)
	_ = h.kv.Put("room_inflight", key, encodeBackoffRecord(attempts+1, time.Now().Unix()))
}

func decodeBackoffRecord(raw []byte) (attempts int, lastAttemptUnix int64) {
	if len(raw) != 12 {
		return 0, 0
	}
	a, _ := kvstore.ParseU64(raw[:8])
	t, _ := kvstore.ParseU64(append(make([]byte, 4), raw[8:]...))
	return int(a), int64(t)
}

func encodeBackoffRecord(attempts int, lastAttemptUnix int64) []byte {
	buf := make([]byte, 12)
	copy(buf[:8], kvstore.U64(uint64(attempts)))
	copy(buf[8:], kvstore.U64(uint64(lastAttemptUnix))[4:])
	return buf
}

// commitEvent performs pipeline stage 7 for a single event: compute
// state at the event, auth it, commit to the timeline, and update
// forward extremities.
func (h *Handler) commitEvent(shortRoom shortid.ShortRoomID, shortEvent shortid.ShortEventID, eventID string, event *pdu.PDU, canon []byte, roomVersion string, isTimelineEvent bool) (bool, error) {
	var forks []map[shortid.ShortStateKey]shortid.ShortEventID
	for _, prevID := range event.PrevEvents {
		prevShort, err := h.interner.InternEventID(prevID)
		if err != nil {
			return false, hserr.Database(err, "intern prev event")
		}
		hashRaw, err := h.kv.Get("shorteventid_shortstatehash", kvstore.U64(uint64(prevShort)))
		if err != nil {
			return false, err
		}
		if hashRaw == nil {
			continue
		}
		hashVal, _ := kvstore.ParseU64(hashRaw)
		state, err := h.compressor.ResolveState(statecompressor.ShortStateHash(hashVal))
		if err != nil {
			return false, err
		}
		forks = append(forks, state)
	}

	stateAtEvent, err := h.resolver.Resolve(roomVersion, forks)
	if err != nil {
		return false, hserr.Database(err, "state resolution")
	}

	meta := EventMeta{
		Type:           event.Type,
		StateKey:       derefStateKey(event.StateKey),
		Sender:         event.Sender,
		OriginServerTS: event.OriginServerTS,
	}
	if event.IsStateEvent() {
		sk, err := h.interner.InternStateKey(event.Type, derefStateKey(event.StateKey))
		if err != nil {
			return false, hserr.Database(err, "intern state key")
		}
		meta.ShortStateKey = sk
	}

	allowed, err := h.auth.Allowed(roomVersion, shortEvent, meta, stateAtEvent)
	if err != nil {
		return false, err
	}
	softFailed := !allowed
	if softFailed {
		if err := h.tl.MarkSoftFailed(eventID); err != nil {
			return false, err
		}
		logrus.WithField("event_type", event.Type).Warn("eventinput: event failed auth, marking soft-failed")
	}

	var postStateHash statecompressor.ShortStateHash
	if event.IsStateEvent() && !softFailed {
		postStateHash, err = h.compressor.AllocateSnapshot(0, map[shortid.ShortStateKey]shortid.ShortEventID{meta.ShortStateKey: shortEvent}, nil)
		if err != nil {
			return false, err
		}
		if err := h.kv.Put("shorteventid_shortstatehash", kvstore.U64(uint64(shortEvent)), kvstore.U64(uint64(postStateHash))); err != nil {
			return false, err
		}
	}

	searchTerms := extractSearchTerms(event)
	_, err = h.tl.CommitEvent(shortRoom, eventID, shortEvent, event.Sender, event.Type, event.PrevEvents, canon, searchTerms)
	if err != nil {
		return false, err
	}

	if !softFailed && isTimelineEvent {
		if err := h.updateForwardExtremities(shortRoom, eventID, event); err != nil {
			return false, err
		}
	}

	return softFailed, nil
}

func (h *Handler) updateForwardExtremities(shortRoom shortid.ShortRoomID, eventID string, event *pdu.PDU) error {
	existing, err := h.tl.ForwardExtremities(shortRoom)
	if err != nil {
		return err
	}
	set := make(map[string]bool, len(existing)+1)
	for _, e := range existing {
		set[e] = true
	}
	for _, prev := range event.PrevEvents {
		delete(set, prev)
	}
	set[eventID] = true

	out := make([]string, 0, len(set))
	for e := range set {
		out = append(out, e)
	}
	return h.tl.SetForwardExtremities(shortRoom, out)
}

func extractSearchTerms(event *pdu.PDU) string {
	if event.Type != "m.room.message" {
		return ""
	}
	return gjson.GetBytes(event.Content, "body").String()
}

func derefStateKey(sk *string) string {
	if sk == nil {
		return ""
	}
	return *sk
}

func indexOfColon(s string) int {
	for i, c := range s {
		if c == ':' {
			return i
		}
	}
	return -1
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
