package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/chatsync/internal/models"
)

// Kind names a push frame.
type Kind string

const (
	// KindJoin is the only outbound frame: it tells the server which user
	// this connection belongs to so it can route events here.
	KindJoin Kind = "join"

	KindMessageArrived        Kind = "message-arrived"
	KindConversationDeleted   Kind = "conversation-deleted"
	KindFriendRequestReceived Kind = "friend-request-received"
	KindFriendRequestAccepted Kind = "friend-request-accepted"
)

// ErrUnknownKind is returned by Decode for frames this client does not handle.
var ErrUnknownKind = errors.New("unknown event kind")

// Envelope is the JSON frame exchanged with the push server:
//
//	{"type": "message-arrived", "payload": {"conversationId": "..."}}
type Envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is a decoded inbound push event. Exactly one of the kind-specific
// fields is set, matching Kind.
type Event struct {
	Kind Kind

	// ConversationID is set for message-arrived and conversation-deleted.
	ConversationID uuid.UUID

	// Request is set for friend-request-received.
	Request *models.FriendRequest

	// Friend is set for friend-request-accepted.
	Friend *models.User
}

type joinPayload struct {
	UserID uuid.UUID `json:"userId"`
}

type conversationPayload struct {
	ConversationID uuid.UUID `json:"conversationId"`
}

type friendRequestPayload struct {
	RequestID      uuid.UUID `json:"requestId"`
	RequesterID    uuid.UUID `json:"requesterId"`
	RequesterName  string    `json:"requesterName"`
	RequesterEmail string    `json:"requesterEmail"`
	SentAt         time.Time `json:"sentAt"`
}

type friendAcceptedPayload struct {
	FriendID   uuid.UUID `json:"friendId"`
	FriendName string    `json:"friendName"`
}

// JoinEnvelope builds the join announcement for a user.
func JoinEnvelope(userID uuid.UUID) Envelope {
	payload, _ := json.Marshal(joinPayload{UserID: userID})
	return Envelope{Type: KindJoin, Payload: payload}
}

// NewEnvelope encodes an inbound event back into a frame. Push servers and
// tests use it; the client itself only decodes.
func NewEnvelope(ev Event) (Envelope, error) {
	var payload any
	switch ev.Kind {
	case KindMessageArrived, KindConversationDeleted:
		payload = conversationPayload{ConversationID: ev.ConversationID}
	case KindFriendRequestReceived:
		if ev.Request == nil {
			return Envelope{}, fmt.Errorf("encode %s: missing request", ev.Kind)
		}
		payload = friendRequestPayload{
			RequestID:      ev.Request.ID,
			RequesterID:    ev.Request.RequesterID,
			RequesterName:  ev.Request.RequesterName,
			RequesterEmail: ev.Request.RequesterEmail,
			SentAt:         ev.Request.SentAt,
		}
	case KindFriendRequestAccepted:
		if ev.Friend == nil {
			return Envelope{}, fmt.Errorf("encode %s: missing friend", ev.Kind)
		}
		payload = friendAcceptedPayload{FriendID: ev.Friend.ID, FriendName: ev.Friend.DisplayName}
	default:
		return Envelope{}, fmt.Errorf("encode %q: %w", ev.Kind, ErrUnknownKind)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", ev.Kind, err)
	}
	return Envelope{Type: ev.Kind, Payload: raw}, nil
}

// Decode turns an inbound frame into a typed Event.
func Decode(env Envelope) (Event, error) {
	switch env.Type {
	case KindMessageArrived, KindConversationDeleted:
		var p conversationPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Event{}, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if p.ConversationID == uuid.Nil {
			return Event{}, fmt.Errorf("decode %s: missing conversationId", env.Type)
		}
		return Event{Kind: env.Type, ConversationID: p.ConversationID}, nil

	case KindFriendRequestReceived:
		var p friendRequestPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Event{}, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if p.RequestID == uuid.Nil {
			return Event{}, fmt.Errorf("decode %s: missing requestId", env.Type)
		}
		return Event{Kind: env.Type, Request: &models.FriendRequest{
			ID:             p.RequestID,
			RequesterID:    p.RequesterID,
			RequesterName:  p.RequesterName,
			RequesterEmail: p.RequesterEmail,
			SentAt:         p.SentAt,
			State:          models.RequestPending,
		}}, nil

	case KindFriendRequestAccepted:
		var p friendAcceptedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Event{}, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if p.FriendID == uuid.Nil {
			return Event{}, fmt.Errorf("decode %s: missing friendId", env.Type)
		}
		return Event{Kind: env.Type, Friend: &models.User{ID: p.FriendID, DisplayName: p.FriendName}}, nil
	}
	return Event{}, fmt.Errorf("decode %q: %w", env.Type, ErrUnknownKind)
}
