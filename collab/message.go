package collab

import (
	"encoding/json"
	"fmt"
)

// the wire contract over one room connection.
//
// sends are fire-and-forget. The transport preserves ordering between
// two messages from the same client; ordering between clients is
// arrival order only, and the reconciler tolerates arbitrary
// cross-client interleavings.
type MessageType string

const (
	// client -> relay, first frame after the upgrade
	MessageTypeAuth MessageType = "auth"
	// both directions
	MessageTypeUpdate MessageType = "update"
	// relay -> client, full snapshot on join
	MessageTypePresence MessageType = "presence"
	// relay -> client, deltas
	MessageTypeUserJoined MessageType = "user_joined"
	MessageTypeUserLeft   MessageType = "user_left"
	// liveness
	MessageTypePing MessageType = "ping"
	MessageTypePong MessageType = "pong"
	// non-fatal
	MessageTypeError MessageType = "error"
)

// one live participant in a document's room. The registry is the single
// source of truth; clients only replay snapshots and join/leave deltas.
type Presence struct {
	ConnId   Id     `json:"conn_id"`
	UserId   Id     `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	JoinedAt int64  `json:"joined_at"`
}

type Message struct {
	Type MessageType `json:"type"`

	// auth
	Token string `json:"token,omitempty"`
	// update
	Event *UpdateEvent `json:"event,omitempty"`
	// presence. Self is the receiving connection's own record.
	Presences []*Presence `json:"presences,omitempty"`
	Self      *Presence   `json:"self,omitempty"`
	// user_joined/user_left
	Presence *Presence `json:"presence,omitempty"`
	// error
	Message string `json:"message,omitempty"`
}

func EncodeMessage(message *Message) ([]byte, error) {
	return json.Marshal(message)
}

func RequireEncodeMessage(message *Message) []byte {
	b, err := EncodeMessage(message)
	if err != nil {
		panic(err)
	}
	return b
}

func DecodeMessage(b []byte) (*Message, error) {
	message := &Message{}
	if err := json.Unmarshal(b, message); err != nil {
		return nil, err
	}
	if message.Type == "" {
		return nil, fmt.Errorf("message is missing a type")
	}
	return message, nil
}
