package eventinput

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/arborhs/homeserver/internal/outlier"
	"github.com/arborhs/homeserver/internal/shortid"
)

// EventMetaStore reconstructs EventMeta from whatever is already
// persisted in the outlier store (every event ever accepted, soft-failed
// or not, per the pipeline's stage-4 early insert) and the shortid
// interner. No separate storage is needed: everything EventMeta carries
// other than PowerLevel is present in the event's own canonical JSON.
type EventMetaStore struct {
	outliers *outlier.Store
	interner *shortid.Interner
}

// NewEventMetaStore constructs an EventMetaStore, satisfying MetaFetcher.
func NewEventMetaStore(outliers *outlier.Store, interner *shortid.Interner) *EventMetaStore {
	return &EventMetaStore{outliers: outliers, interner: interner}
}

// EventMeta implements MetaFetcher. PowerLevel is left at its zero value:
// reconstructing it would require replaying auth state for short's room,
// which this store has no notion of; applyOrdered's reverse-power-level
// sort falls back to its timestamp/event-ID tie-break for any two events
// this leaves level, which keeps the ordering deterministic even though
// it no longer distinguishes by level alone.
func (s *EventMetaStore) EventMeta(short shortid.ShortEventID) (EventMeta, error) {
	eventID, ok, err := s.interner.EventIDForShort(short)
	if err != nil {
		return EventMeta{}, err
	}
	if !ok {
		return EventMeta{}, fmt.Errorf("eventinput: no event id interned for short id %d", short)
	}
	raw, ok, err := s.outliers.Get(eventID)
	if err != nil {
		return EventMeta{}, err
	}
	if !ok {
		return EventMeta{}, fmt.Errorf("eventinput: event %s not recorded as an outlier", eventID)
	}

	meta := EventMeta{
		Type:           gjson.GetBytes(raw, "type").String(),
		Sender:         gjson.GetBytes(raw, "sender").String(),
		OriginServerTS: gjson.GetBytes(raw, "origin_server_ts").Int(),
	}
	if sk := gjson.GetBytes(raw, "state_key"); sk.Exists() {
		meta.StateKey = sk.String()
		shortKey, err := s.interner.InternStateKey(meta.Type, meta.StateKey)
		if err != nil {
			return EventMeta{}, err
		}
		meta.ShortStateKey = shortKey
	}
	for _, a := range gjson.GetBytes(raw, "auth_events").Array() {
		authShort, err := s.interner.InternEventID(a.String())
		if err != nil {
			return EventMeta{}, err
		}
		meta.AuthEvents = append(meta.AuthEvents, authShort)
	}
	return meta, nil
}

// DirectAuthEvents implements authchain.AuthEventsFetcher: an event's
// direct auth_events are already part of the EventMeta this store
// reconstructs from the outlier record.
func (s *EventMetaStore) DirectAuthEvents(short shortid.ShortEventID) ([]shortid.ShortEventID, error) {
	meta, err := s.EventMeta(short)
	if err != nil {
		return nil, err
	}
	return meta.AuthEvents, nil
}

// eventJSON returns the canonical JSON recorded for short, the same
// lookup EventMeta performs, exposed for DefaultAuthChecker's need to
// read a candidate or state event's content rather than just its meta.
func (s *EventMetaStore) eventJSON(short shortid.ShortEventID) ([]byte, bool, error) {
	eventID, ok, err := s.interner.EventIDForShort(short)
	if err != nil || !ok {
		return nil, false, err
	}
	return s.outliers.Get(eventID)
}
