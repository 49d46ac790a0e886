// ABOUTME: Conversation and message types shared by every support-chat component
// ABOUTME: Mirrors the JSON shapes returned by the shop's chat API and stream

package chat

import "time"

// Role identifies which side of a support conversation a participant is on.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// Roles lists every role that carries an unread counter.
var Roles = []Role{RoleCustomer, RoleAdmin}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleAdmin
}

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// Unread holds the per-role unread counters of a conversation.
// It is a value type so copies never alias.
type Unread struct {
	Customer int `json:"customer"`
	Admin    int `json:"admin"`
}

// Get returns the counter for role.
func (u Unread) Get(role Role) int {
	if role == RoleAdmin {
		return u.Admin
	}
	return u.Customer
}

// With returns a copy of u with the counter for role set to n.
func (u Unread) With(role Role, n int) Unread {
	if n < 0 {
		n = 0
	}
	if role == RoleAdmin {
		u.Admin = n
	} else {
		u.Customer = n
	}
	return u
}

// Conversation is a durable thread between one customer and the admin pool.
type Conversation struct {
	ID            string    `json:"id"`
	CustomerID    string    `json:"customerId"`
	Status        Status    `json:"status"`
	LastMessage   string    `json:"lastMessage"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	Unread        Unread    `json:"unreadCount"`
}

// ConversationPatch carries the fields present in a partial remote update.
// Nil fields were absent and must be left untouched.
type ConversationPatch struct {
	CustomerID    *string    `json:"customerId,omitempty"`
	Status        *Status    `json:"status,omitempty"`
	LastMessage   *string    `json:"lastMessage,omitempty"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	Unread        *Unread    `json:"unreadCount,omitempty"`
}

// Empty reports whether the patch carries no fields.
func (p ConversationPatch) Empty() bool {
	return p.CustomerID == nil && p.Status == nil && p.LastMessage == nil &&
		p.LastMessageAt == nil && p.Unread == nil
}

// Apply merges the present fields of p into c and returns the result.
func (p ConversationPatch) Apply(c Conversation) Conversation {
	if p.CustomerID != nil {
		c.CustomerID = *p.CustomerID
	}
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.LastMessage != nil {
		c.LastMessage = *p.LastMessage
	}
	if p.LastMessageAt != nil {
		c.LastMessageAt = *p.LastMessageAt
	}
	if p.Unread != nil {
		c.Unread = *p.Unread
	}
	return c
}

// MimeClass is the coarse media class of an attachment.
type MimeClass string

const (
	MimeImage MimeClass = "image"
	MimeVideo MimeClass = "video"
	MimeAudio MimeClass = "audio"
	MimeFile  MimeClass = "file"
)

// Attachment describes an uploaded file referenced by a message.
type Attachment struct {
	URL       string    `json:"url"`
	MimeClass MimeClass `json:"mimeClass"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
}

// Message is a single entry in a conversation's log. IDs are always server-assigned.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderRole     Role        `json:"senderRole"`
	Body           string      `json:"body,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	IsRead         bool        `json:"isRead"`
}
