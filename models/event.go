package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Event struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	VenueID     string          `json:"venue_id"`
	Timezone    string          `json:"timezone"`
	MaxTickets  int             `json:"max_tickets"`
	TicketsSold int             `json:"tickets_sold"`
	Price       decimal.Decimal `json:"price"`
	StartTime   time.Time       `json:"start_time"`
	EndTime     time.Time       `json:"end_time"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Remaining is the number of tickets still for sale.
func (e *Event) Remaining() int {
	if e.TicketsSold >= e.MaxTickets {
		return 0
	}
	return e.MaxTickets - e.TicketsSold
}

// Location resolves the venue's calendar. Unknown zones fall back to UTC.
func (e *Event) Location() *time.Location {
	if e.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsOnDay reports whether t falls on the event's start date in the venue's
// local calendar.
func (e *Event) IsOnDay(t time.Time) bool {
	loc := e.Location()
	ey, em, ed := e.StartTime.In(loc).Date()
	ty, tm, td := t.In(loc).Date()
	return ey == ty && em == tm && ed == td
}

type CreateEventRequest struct {
	Name       string          `json:"name"`
	VenueID    string          `json:"venue_id"`
	Timezone   string          `json:"timezone"`
	MaxTickets int             `json:"max_tickets"`
	Price      decimal.Decimal `json:"price"`
	StartTime  time.Time       `json:"start_time"`
	EndTime    time.Time       `json:"end_time"`
}
