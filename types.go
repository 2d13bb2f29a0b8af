package vynqtalk

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// Envelope is the response wrapper used by every REST endpoint.
type Envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the Data field into the provided value.
func (e *Envelope) Decode(v interface{}) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return &ParseError{Source: "response data", Err: err}
	}
	return nil
}

// Timestamp accepts RFC 3339 and zone-less ISO local date-times.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

// Now returns the current time as a Timestamp.
func Now() Timestamp { return Timestamp{time.Now()} }

// ============================================================================
// Directory projections
// ============================================================================

// UserRef is the read-only view of a user attached to messages.
type UserRef struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// GroupRef is the read-only view of a group attached to messages.
type GroupRef struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// User is the full profile returned by the users API.
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Avatar    string    `json:"avatar,omitempty"`
	Bio       string    `json:"bio,omitempty"`
	Status    string    `json:"status,omitempty"`
	UserRole  string    `json:"userRole,omitempty"`
	IsBlocked bool      `json:"isBlocked,omitempty"`
	IsOnline  bool      `json:"isOnline,omitempty"`
	LastSeen  Timestamp `json:"lastSeen"`
	CreatedAt Timestamp `json:"createdAt"`
}

// Ref projects a User down to a UserRef.
func (u User) Ref() UserRef {
	return UserRef{ID: u.ID, Name: u.Name, Avatar: u.Avatar}
}

// IsAdmin reports whether the user carries the admin role.
func (u User) IsAdmin() bool {
	return strings.EqualFold(u.UserRole, "ADMIN")
}

// Group is a chat group with its members.
type Group struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Avatar      string    `json:"avatar,omitempty"`
	IsPrivate   bool      `json:"isPrivate"`
	CreatedBy   *UserRef  `json:"createdBy,omitempty"`
	Members     []UserRef `json:"members,omitempty"`
	CreatedAt   Timestamp `json:"createdAt"`
}

// Ref projects a Group down to a GroupRef.
func (g Group) Ref() GroupRef {
	return GroupRef{ID: g.ID, Name: g.Name, Avatar: g.Avatar}
}

// ============================================================================
// Messages
// ============================================================================

// MessageType is the content kind of a message.
type MessageType string

const (
	MessageText  MessageType = "TEXT"
	MessageImage MessageType = "IMAGE"
	MessageAudio MessageType = "AUDIO"
	MessageFile  MessageType = "FILE"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageAudio, MessageFile:
		return true
	}
	return false
}

// Reaction is one user's emoji on a message.
type Reaction struct {
	UserID int64  `json:"userId"`
	Emoji  string `json:"emoji"`
}

// Message is a direct or group chat message. Exactly one of Receiver and Group is set.
// Locally created messages carry a negative placeholder ID until the server echo arrives.
type Message struct {
	ID        int64       `json:"id"`
	ClientID  string      `json:"clientId,omitempty"`
	Sender    UserRef     `json:"sender"`
	Receiver  *UserRef    `json:"receiver,omitempty"`
	Group     *GroupRef   `json:"group,omitempty"`
	Content   string      `json:"content"`
	Timestamp Timestamp   `json:"timestamp"`
	Type      MessageType `json:"type"`
	FileName  string      `json:"fileName,omitempty"`
	Reactions []Reaction  `json:"reactions"`
	ReplyTo   *Message    `json:"replyTo,omitempty"`
	Edited    bool        `json:"edited"`
}

// Pending reports whether the message still carries a local placeholder id.
func (m Message) Pending() bool { return m.ID < 0 }

// ReactionEvent is pushed on the reactions topic and published by the react destinations.
type ReactionEvent struct {
	MessageID int64      `json:"messageId"`
	GroupID   int64      `json:"groupId,omitempty"`
	Reactions []Reaction `json:"reactions"`
}

// MessageEdit is pushed on the edit topic and published by the edit destinations.
type MessageEdit struct {
	MessageID int64  `json:"messageId"`
	GroupID   int64  `json:"groupId,omitempty"`
	Content   string `json:"content"`
}

// MessageDeletion is pushed on the deletion topic and published by the delete destinations.
type MessageDeletion struct {
	MessageID int64 `json:"messageId"`
	GroupID   int64 `json:"groupId,omitempty"`
}

// SystemMetrics is the periodic server health push consumed by admin views.
type SystemMetrics struct {
	CPUUsage          float64 `json:"cpuUsage"`
	MemoryUsage       float64 `json:"memoryUsage"`
	ActiveUsers       int     `json:"activeUsers"`
	ActiveConnections int     `json:"activeConnections"`
	MessagesPerMinute float64 `json:"messagesPerMinute"`
	Uptime            int64   `json:"uptime"`
}

// ============================================================================
// Auth
// ============================================================================

// TokenPair is the persisted session credential.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// LoginRequest is the body of the login endpoint.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignupRequest is the body of the signup endpoint.
type SignupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResult is returned by login and signup.
type AuthResult struct {
	User         User   `json:"user"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// ============================================================================
// Settings, notifications, admin
// ============================================================================

// UserSettings is the per-user preference blob.
type UserSettings struct {
	Theme                string `json:"theme,omitempty"`
	Language             string `json:"language,omitempty"`
	NotificationsEnabled bool   `json:"notificationsEnabled"`
	SoundEnabled         bool   `json:"soundEnabled"`
}

// ProfileUpdate carries the mutable profile fields.
type ProfileUpdate struct {
	Name   string `json:"name,omitempty"`
	Bio    string `json:"bio,omitempty"`
	Status string `json:"status,omitempty"`
}

// Notification is an entry in the user's notification inbox.
type Notification struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	IsRead    bool      `json:"isRead"`
	CreatedAt Timestamp `json:"createdAt"`
}

// PushSubscription registers a web push endpoint with the backend.
type PushSubscription struct {
	Endpoint string            `json:"endpoint"`
	Keys     map[string]string `json:"keys"`
}

// MaintenanceStatus is returned by the system status endpoint.
type MaintenanceStatus struct {
	MaintenanceMode bool   `json:"maintenanceMode"`
	Message         string `json:"message,omitempty"`
}

// Blocks reports whether maintenance mode hides the chat surface from u.
func (s MaintenanceStatus) Blocks(u User) bool {
	return s.MaintenanceMode && !u.IsAdmin()
}

// DashboardMetrics is the admin overview.
type DashboardMetrics struct {
	TotalUsers    int           `json:"totalUsers"`
	OnlineUsers   int           `json:"onlineUsers"`
	TotalGroups   int           `json:"totalGroups"`
	TotalMessages int           `json:"totalMessages"`
	System        SystemMetrics `json:"system"`
}

// Page is a paginated list result.
type Page[T any] struct {
	Content       []T `json:"content"`
	TotalElements int `json:"totalElements"`
	TotalPages    int `json:"totalPages"`
	Number        int `json:"number"`
	Size          int `json:"size"`
}

// PageOptions controls pagination on list endpoints.
type PageOptions struct {
	Page int
	Size int
}
