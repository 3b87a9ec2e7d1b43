package e2ee

// Protocol event types handled by this module.
const (
	EventTypeRoomKey    = "m.room_key"
	EventTypeNewDevice  = "m.new_device"
	EventTypeEncryption = "m.room.encryption"
	EventTypeMember     = "m.room.member"
	EventTypeEncrypted  = "m.room.encrypted"
)

// Event is the slice of the protocol event model this module needs: enough to
// route to-device and room-timeline events and to carry decryption results.
type Event struct {
	Type        string
	EventID     string
	Sender      string
	RoomID      string
	StateKey    string
	Content     map[string]any
	PrevContent map[string]any

	// ClearContent and ClearType hold the decrypted payload once a decryptor
	// has processed an m.room.encrypted event.
	ClearContent map[string]any
	ClearType    string

	// DecryptError is the non-fatal failure marker set when no decryptor
	// resolves or the ciphertext is rejected.
	DecryptError *DecryptionFailure
}

// StringField returns the named content field if it is a string.
func (e *Event) StringField(name string) string {
	if e.Content == nil {
		return ""
	}
	s, _ := e.Content[name].(string)
	return s
}

// StringsField returns the named content field if it is a list of strings.
func (e *Event) StringsField(name string) []string {
	if e.Content == nil {
		return nil
	}
	raw, ok := e.Content[name].([]any)
	if !ok {
		if ss, ok := e.Content[name].([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Membership values forwarded to room encryptors.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
)

// MembershipChange is the delta handed to a room encryptor when a member's
// state changes.
type MembershipChange struct {
	RoomID        string
	UserID        string
	Membership    string
	OldMembership string
}
