package eventinput

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/arborhs/homeserver/internal/shortid"
)

// powerLevels is the subset of an m.room.power_levels event's content
// this checker reasons about. Field names mirror the Matrix content
// schema directly so json.Unmarshal needs no tags for the nested maps
// (map keys, which are arbitrary user IDs or event types containing
// dots, rule out a gjson dotted-path lookup for those two fields).
type powerLevels struct {
	UsersDefault  int64            `json:"users_default"`
	Users         map[string]int64 `json:"users"`
	EventsDefault *int64           `json:"events_default"`
	StateDefault  *int64           `json:"state_default"`
	Events        map[string]int64 `json:"events"`
	Ban           *int64           `json:"ban"`
	Kick          *int64           `json:"kick"`
	Invite        *int64           `json:"invite"`
}

func (pl powerLevels) userLevel(userID string) int64 {
	if lvl, ok := pl.Users[userID]; ok {
		return lvl
	}
	return pl.UsersDefault
}

func (pl powerLevels) eventLevel(eventType string, isState bool) int64 {
	if lvl, ok := pl.Events[eventType]; ok {
		return lvl
	}
	if isState {
		if pl.StateDefault != nil {
			return *pl.StateDefault
		}
		return 50
	}
	if pl.EventsDefault != nil {
		return *pl.EventsDefault
	}
	return 0
}

func (pl powerLevels) banLevel() int64 {
	if pl.Ban != nil {
		return *pl.Ban
	}
	return 50
}

func (pl powerLevels) kickLevel() int64 {
	if pl.Kick != nil {
		return *pl.Kick
	}
	return 50
}

func (pl powerLevels) inviteLevel() int64 {
	if pl.Invite != nil {
		return *pl.Invite
	}
	return 0
}

// DefaultAuthChecker implements a deliberately simplified subset of the
// room-version auth rules: m.room.create uniqueness, power-level gating
// of state and message events, and the common membership transitions
// (join/invite/leave/ban). It does not implement join_rules-restricted
// or knock joins, third_party_invite, or per-room-version variation in
// the auth rules (e.g. v1's auth_events-shape checks) — see DESIGN.md.
type DefaultAuthChecker struct {
	meta  MetaFetcher
	store *EventMetaStore
}

// NewDefaultAuthChecker constructs a DefaultAuthChecker. store doubles as
// the MetaFetcher it needs to resolve the sender of other state events
// already present in the state it is authing against (e.g. the room's
// creator).
func NewDefaultAuthChecker(store *EventMetaStore) *DefaultAuthChecker {
	return &DefaultAuthChecker{meta: store, store: store}
}

func (a *DefaultAuthChecker) stateEventJSON(state map[shortid.ShortStateKey]shortid.ShortEventID, eventType, stateKey string, interner *shortid.Interner) ([]byte, bool, error) {
	key, err := interner.InternStateKey(eventType, stateKey)
	if err != nil {
		return nil, false, err
	}
	short, ok := state[key]
	if !ok {
		return nil, false, nil
	}
	return a.store.eventJSON(short)
}

// Allowed implements AuthChecker.
func (a *DefaultAuthChecker) Allowed(roomVersion string, candidate shortid.ShortEventID, candidateMeta EventMeta, state map[shortid.ShortStateKey]shortid.ShortEventID) (bool, error) {
	interner := a.store.interner
	createKey, err := interner.InternStateKey("m.room.create", "")
	if err != nil {
		return false, err
	}
	createShort, hasCreate := state[createKey]

	if candidateMeta.Type == "m.room.create" {
		return !hasCreate, nil
	}
	if !hasCreate {
		return false, nil
	}

	creatorSender := candidateMeta.Sender
	if createMeta, err := a.meta.EventMeta(createShort); err == nil {
		creatorSender = createMeta.Sender
	}

	pl, havePL, err := a.powerLevelsOf(state, interner)
	if err != nil {
		return false, err
	}
	senderLevel := pl.userLevel(candidateMeta.Sender)
	if !havePL && candidateMeta.Sender == creatorSender {
		senderLevel = 100
	}

	if candidateMeta.Type == "m.room.member" {
		return a.allowedMembership(candidate, pl, senderLevel, candidateMeta, state, interner)
	}

	required := pl.eventLevel(candidateMeta.Type, candidateMeta.ShortStateKey != 0)
	if senderLevel < required {
		return false, nil
	}
	if candidateMeta.Type == "m.room.power_levels" {
		return a.allowedPowerLevelChange(candidate, senderLevel)
	}
	return true, nil
}

func (a *DefaultAuthChecker) powerLevelsOf(state map[shortid.ShortStateKey]shortid.ShortEventID, interner *shortid.Interner) (powerLevels, bool, error) {
	raw, ok, err := a.stateEventJSON(state, "m.room.power_levels", "", interner)
	if err != nil || !ok {
		return powerLevels{}, false, err
	}
	var pl powerLevels
	if err := json.Unmarshal([]byte(gjson.GetBytes(raw, "content").Raw), &pl); err != nil {
		return powerLevels{}, false, nil
	}
	return pl, true, nil
}

// allowedPowerLevelChange additionally enforces that nobody can grant a
// user a level higher than their own.
func (a *DefaultAuthChecker) allowedPowerLevelChange(candidate shortid.ShortEventID, senderLevel int64) (bool, error) {
	raw, ok, err := a.store.eventJSON(candidate)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	var newPL powerLevels
	if err := json.Unmarshal([]byte(gjson.GetBytes(raw, "content").Raw), &newPL); err != nil {
		return true, nil
	}
	for _, lvl := range newPL.Users {
		if lvl > senderLevel {
			return false, nil
		}
	}
	return true, nil
}

func (a *DefaultAuthChecker) allowedMembership(candidate shortid.ShortEventID, pl powerLevels, senderLevel int64, meta EventMeta, state map[shortid.ShortStateKey]shortid.ShortEventID, interner *shortid.Interner) (bool, error) {
	target := meta.StateKey

	existingMembership := "leave"
	if raw, ok, err := a.stateEventJSON(state, "m.room.member", target, interner); err != nil {
		return false, err
	} else if ok {
		existingMembership = gjson.GetBytes(raw, "content.membership").String()
	}

	raw, ok, err := a.store.eventJSON(candidate)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	newMembership := gjson.GetBytes(raw, "content.membership").String()

	switch newMembership {
	case "join":
		if meta.Sender != target {
			return false, nil
		}
		return existingMembership != "ban", nil
	case "invite":
		if existingMembership == "ban" || existingMembership == "join" {
			return false, nil
		}
		return senderLevel >= pl.inviteLevel(), nil
	case "leave":
		if meta.Sender == target {
			return true, nil
		}
		if existingMembership == "ban" {
			return senderLevel >= pl.banLevel(), nil
		}
		return senderLevel >= pl.kickLevel(), nil
	case "ban":
		return senderLevel >= pl.banLevel(), nil
	default:
		return false, nil
	}
}
