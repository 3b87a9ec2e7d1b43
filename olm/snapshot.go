package olm

import (
	"encoding/json"
	"fmt"
)

// sessionState is one serialized session. Keys are raw private material, so a
// snapshot must only ever be handed to an encrypting store.
type sessionState struct {
	ID           string `json:"id"`
	SendKey      []byte `json:"send_key"`
	RecvKey      []byte `json:"recv_key"`
	PreKey       bool   `json:"pre_key,omitempty"`
	EphemeralPub []byte `json:"ephemeral_pub,omitempty"`
	OneTimePub   []byte `json:"one_time_pub,omitempty"`
}

type sessionSnapshot struct {
	Outbound map[string]sessionState `json:"outbound"` // peer identity key -> session
	Inbound  map[string]sessionState `json:"inbound"`  // session id -> session
}

// SnapshotSessions serializes all established sessions for persistence.
func (d *Device) SnapshotSessions() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := sessionSnapshot{
		Outbound: make(map[string]sessionState, len(d.outbound)),
		Inbound:  make(map[string]sessionState, len(d.inbound)),
	}
	for peer, s := range d.outbound {
		snap.Outbound[peer] = serializeSession(s)
	}
	for id, s := range d.inbound {
		snap.Inbound[id] = serializeSession(s)
	}
	return json.Marshal(&snap)
}

// RestoreSessions replaces the session tables with a previously snapshotted
// state.
func (d *Device) RestoreSessions(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	var snap sessionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal session snapshot: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.outbound = make(map[string]*session, len(snap.Outbound))
	d.inbound = make(map[string]*session, len(snap.Inbound))
	for peer, state := range snap.Outbound {
		d.outbound[peer] = deserializeSession(state)
	}
	for id, state := range snap.Inbound {
		d.inbound[id] = deserializeSession(state)
	}
	return nil
}

func serializeSession(s *session) sessionState {
	state := sessionState{
		ID:      s.id,
		SendKey: append([]byte(nil), s.sendKey[:]...),
		RecvKey: append([]byte(nil), s.recvKey[:]...),
		PreKey:  s.preKey,
	}
	if s.preKey {
		state.EphemeralPub = append([]byte(nil), s.ephemeralPub[:]...)
		state.OneTimePub = append([]byte(nil), s.oneTimePub[:]...)
	}
	return state
}

func deserializeSession(state sessionState) *session {
	s := &session{
		id:     state.ID,
		preKey: state.PreKey,
	}
	copy(s.sendKey[:], state.SendKey)
	copy(s.recvKey[:], state.RecvKey)
	copy(s.ephemeralPub[:], state.EphemeralPub)
	copy(s.oneTimePub[:], state.OneTimePub)
	return s
}
