package models

import "time"

type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

const (
	TableTickets   = "tickets"
	TableBookmarks = "bookmarks"
)

// Change is one record of the server change stream delivered to a user's
// devices.
type Change struct {
	Type     ChangeType `json:"type"`
	Table    string     `json:"table"`
	UserID   string     `json:"user_id"`
	Key      string     `json:"key"`
	Ticket   *Ticket    `json:"ticket,omitempty"`
	Bookmark *Bookmark  `json:"bookmark,omitempty"`
	At       time.Time  `json:"at"`
}

// UserChannel is the PubNub channel carrying a user's change stream.
func UserChannel(userID string) string { return "user-" + userID }

func TicketKey(ticketID string) string { return "ticket:" + ticketID }

func BookmarkKey(eventID string) string { return "bookmark:" + eventID }

// TicketNotification is published for the device notification service.
type TicketNotification struct {
	TicketID     string       `json:"ticket_id"`
	TicketNumber string       `json:"ticket_number"`
	EventID      string       `json:"event_id"`
	UserID       string       `json:"user_id"`
	Status       TicketStatus `json:"status"`
	Reason       string       `json:"reason"`
	OccurredAt   string       `json:"occurred_at"`
}
