package models

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Presence is advisory only. Nothing in the sync engine branches on it.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceAway    Presence = "away"
	PresenceOffline Presence = "offline"
)

// User is a person the session can talk to (or the session owner).
type User struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
	Presence    Presence  `json:"presence,omitempty"`
}

// Conversation is a one-to-one chat summary as shown in the conversation list.
//
// UnreadCount is derived: the server reports it, the reconciler clamps and
// recomputes it against ReadMarker and the open thread. UI code never sets it.
//
// ReadMarker is local state: the time this session last marked the
// conversation read. Server summaries whose LastActivityAt is not after the
// marker describe activity we have already seen.
type Conversation struct {
	ID                 uuid.UUID    `json:"id"`
	Participants       [2]uuid.UUID `json:"participants"`
	Counterpart        User         `json:"counterpart"`
	LastMessagePreview string       `json:"last_message_preview"`
	LastActivityAt     time.Time    `json:"last_activity_at"`
	UnreadCount        int          `json:"unread_count"`
	Active             bool         `json:"active"`
	ReadMarker         time.Time    `json:"read_marker,omitempty"`
}

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	// StatusFailed marks an optimistic send the server rejected. The message
	// stays in the thread so it can be retried.
	StatusFailed MessageStatus = "failed"
)

// Message is a single chat message inside a conversation.
//
// ID is the canonical server id and stays 0 until the server confirms the
// message. Optimistic sends carry a ClientID ("tmp-<uuid>") instead; once
// confirmed the same slot takes the canonical ID.
type Message struct {
	ID             int64         `json:"id"`
	ClientID       string        `json:"client_id,omitempty"`
	ConversationID uuid.UUID     `json:"conversation_id"`
	SenderID       uuid.UUID     `json:"sender_id"`
	Content        string        `json:"content"`
	CreatedAt      time.Time     `json:"created_at"`
	Status         MessageStatus `json:"status"`
	Own            bool          `json:"own"`
}

// Confirmed reports whether the server has assigned a canonical id.
func (m Message) Confirmed() bool {
	return m.ID != 0
}

// Key identifies the message inside its thread.
func (m Message) Key() string {
	if m.ID != 0 {
		return strconv.FormatInt(m.ID, 10)
	}
	return m.ClientID
}

// SortMessages orders a thread oldest first, tie-broken by key.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].Key() < msgs[j].Key()
	})
}

// FriendRequestState is the lifecycle of a friend request. Only pending
// requests are ever held in the local queue.
type FriendRequestState string

const (
	RequestPending  FriendRequestState = "pending"
	RequestAccepted FriendRequestState = "accepted"
	RequestDeclined FriendRequestState = "declined"
)

// FriendRequest is an incoming request waiting for this session's answer.
type FriendRequest struct {
	ID             uuid.UUID          `json:"id"`
	RequesterID    uuid.UUID          `json:"requester_id"`
	RequesterName  string             `json:"requester_name"`
	RequesterEmail string             `json:"requester_email"`
	SentAt         time.Time          `json:"sent_at"`
	State          FriendRequestState `json:"state"`
}

// NotificationType enumerates known notification kinds. The set is open:
// unknown types are carried through untouched.
type NotificationType string

const (
	NotificationCourseInvite          NotificationType = "course-invite"
	NotificationFriendRequest         NotificationType = "friend-request"
	NotificationFriendRequestAccepted NotificationType = "friend-request-accepted"
)

// Notification is a system notification. Payload shape depends on Type.
//
// RefID names the entity the notification is about (a request id, a friend
// id, ...). Two notifications with the same Type and RefID are the same
// logical event even when their ids differ, e.g. one synthesized from a push
// event and one returned by the REST list.
type Notification struct {
	ID         uuid.UUID        `json:"id"`
	Type       NotificationType `json:"type"`
	SenderID   uuid.UUID        `json:"sender_id"`
	SenderName string           `json:"sender_name"`
	Message    string           `json:"message"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
	RefID      string           `json:"ref_id,omitempty"`
	Read       bool             `json:"read"`
	CreatedAt  time.Time        `json:"created_at"`

	// Local is true for notifications synthesized from push events. A server
	// copy of the same logical event always replaces a local one.
	Local bool `json:"local,omitempty"`
}

// Ref returns RefID, or derives it from the payload when the server left it
// out: request_id for a friend request, friend_id (else the sender) for an
// accepted one. Other types have no derived ref.
func (n Notification) Ref() string {
	if n.RefID != "" {
		return n.RefID
	}
	var body struct {
		RequestID string `json:"request_id"`
		FriendID  string `json:"friend_id"`
	}
	if len(n.Payload) > 0 {
		if err := json.Unmarshal(n.Payload, &body); err != nil {
			body.RequestID, body.FriendID = "", ""
		}
	}
	switch n.Type {
	case NotificationFriendRequest:
		return canonicalRef(body.RequestID)
	case NotificationFriendRequestAccepted:
		if ref := canonicalRef(body.FriendID); ref != "" {
			return ref
		}
		if n.SenderID != uuid.Nil {
			return n.SenderID.String()
		}
	}
	return ""
}

func canonicalRef(s string) string {
	if id, err := uuid.Parse(s); err == nil {
		return id.String()
	}
	return s
}

// LogicalKey is the deduplication key for notifications.
func (n Notification) LogicalKey() string {
	if ref := n.Ref(); ref != "" {
		return string(n.Type) + ":" + ref
	}
	return n.ID.String()
}

// ConnState is the state of the session's push connection.
type ConnState int

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
	ConnReconnecting
)

func (s ConnState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnReconnecting:
		return "reconnecting"
	default:
		return "invalid(" + strconv.Itoa(int(s)) + ")"
	}
}

// MarshalText renders the state by name in JSON and logs.
func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
