package models

import "time"

type BookmarkStatus string

const (
	BookmarkActive  BookmarkStatus = "active"
	BookmarkDeleted BookmarkStatus = "deleted"
)

type Bookmark struct {
	UserID    string         `json:"user_id"`
	EventID   string         `json:"event_id"`
	Status    BookmarkStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
