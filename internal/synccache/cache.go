// Package synccache keeps a device's view of its tickets and bookmarks in
// step with the server. A single actor goroutine owns the state; user
// actions and change stream deliveries are serialized through it.
package synccache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"venue-ticket/models"
)

var ErrStopped = errors.New("synccache: cache is not running")

// Remote is the server side of the cache.
type Remote interface {
	ListTickets(ctx context.Context) ([]*models.Ticket, error)
	ListBookmarks(ctx context.Context) ([]*models.Bookmark, error)
	AddBookmark(ctx context.Context, eventID string) (*models.Bookmark, error)
	RemoveBookmark(ctx context.Context, eventID string) (*models.Bookmark, error)
}

type EntryState string

const (
	// StateSynced mirrors the server.
	StateSynced EntryState = "synced"
	// StatePendingLocal holds an optimistic write the server has not
	// answered yet.
	StatePendingLocal EntryState = "pending_local"
	// StateTombstone remembers a delete so replays of older changes are
	// ignored.
	StateTombstone EntryState = "tombstone"
)

// Entry is one cached record. Version is the server's updated_at in unix
// milliseconds and only ever grows for a key.
type Entry struct {
	Key      string
	State    EntryState
	Version  int64
	Ticket   *models.Ticket
	Bookmark *models.Bookmark

	// Base is the server state a pending entry rolls back to. Nil when the
	// key did not exist before the local write.
	Base *Entry
}

func (e *Entry) clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Ticket != nil {
		t := *e.Ticket
		c.Ticket = &t
	}
	if e.Bookmark != nil {
		b := *e.Bookmark
		c.Bookmark = &b
	}
	c.Base = e.Base.clone()
	return &c
}

type entry struct {
	Entry
	// op identifies the latest local write on this key.
	op uint64
}

type state struct {
	entries map[string]*entry
	ops     uint64
}

type Cache struct {
	remote       Remote
	writeTimeout time.Duration
	now          func() time.Time

	cmds    chan func(*state)
	stopped chan struct{}
}

type Option func(*Cache)

// WithWriteTimeout bounds each remote bookmark write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Cache) { c.writeTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(remote Remote, opts ...Option) *Cache {
	c := &Cache{
		remote:       remote,
		writeTimeout: 10 * time.Second,
		now:          time.Now,
		cmds:         make(chan func(*state)),
		stopped:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run owns the cache state until ctx is done. It must be called exactly
// once.
func (c *Cache) Run(ctx context.Context) {
	defer close(c.stopped)

	st := &state{entries: make(map[string]*entry)}
	for {
		select {
		case cmd := <-c.cmds:
			cmd(st)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Cache) exec(ctx context.Context, fn func(*state)) error {
	done := make(chan struct{})
	cmd := func(st *state) {
		fn(st)
		close(done)
	}

	select {
	case c.cmds <- cmd:
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// Follow applies changes until the channel closes or ctx is done. Each
// signal on resync, which may be nil, triggers a full Load.
func (c *Cache) Follow(ctx context.Context, changes <-chan models.Change, resync <-chan struct{}) error {
	for {
		select {
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			if err := c.Apply(ctx, change); err != nil {
				return err
			}
		case <-resync:
			if err := c.Load(ctx); err != nil {
				if errors.Is(err, ErrStopped) || ctx.Err() != nil {
					return err
				}
				slog.Warn("resync after reconnect failed", "error", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Load fetches the user's tickets and bookmarks. Synced entries the server
// no longer lists become tombstones; pending entries only get a new base.
func (c *Cache) Load(ctx context.Context) error {
	tickets, err := c.remote.ListTickets(ctx)
	if err != nil {
		return fmt.Errorf("load tickets: %w", err)
	}
	bookmarks, err := c.remote.ListBookmarks(ctx)
	if err != nil {
		return fmt.Errorf("load bookmarks: %w", err)
	}

	return c.exec(ctx, func(st *state) {
		seen := make(map[string]bool, len(tickets)+len(bookmarks))
		for _, t := range tickets {
			e := ticketEntry(t)
			seen[e.Key] = true
			st.merge(e)
		}
		for _, b := range bookmarks {
			e := bookmarkEntry(b)
			seen[e.Key] = true
			st.merge(e)
		}
		for key, e := range st.entries {
			if !seen[key] && e.State == StateSynced {
				e.State = StateTombstone
			}
		}
	})
}

// Apply merges one server change.
func (c *Cache) Apply(ctx context.Context, change models.Change) error {
	var incoming *Entry
	switch {
	case change.Ticket != nil:
		incoming = ticketEntry(change.Ticket)
	case change.Bookmark != nil:
		incoming = bookmarkEntry(change.Bookmark)
	default:
		incoming = &Entry{Key: change.Key}
	}
	if change.Key != "" {
		incoming.Key = change.Key
	}
	if v := change.At.UnixMilli(); !change.At.IsZero() && v > incoming.Version {
		incoming.Version = v
	}
	if change.Type == models.ChangeDelete {
		incoming.State = StateTombstone
	}

	return c.exec(ctx, func(st *state) {
		st.merge(incoming)
	})
}

// merge applies a server record, ignoring anything not newer than what is
// already known.
func (st *state) merge(incoming *Entry) {
	current, ok := st.entries[incoming.Key]
	if !ok {
		st.entries[incoming.Key] = &entry{Entry: *incoming}
		return
	}

	if current.State == StatePendingLocal {
		if current.Base == nil || incoming.Version > current.Base.Version {
			current.Base = incoming.clone()
		}
		return
	}
	if incoming.Version <= current.Version {
		return
	}
	current.Entry = *incoming
}

func ticketEntry(t *models.Ticket) *Entry {
	cp := *t
	return &Entry{
		Key:     models.TicketKey(t.ID),
		State:   StateSynced,
		Version: t.UpdatedAt.UnixMilli(),
		Ticket:  &cp,
	}
}

func bookmarkEntry(b *models.Bookmark) *Entry {
	cp := *b
	e := &Entry{
		Key:      models.BookmarkKey(b.EventID),
		State:    StateSynced,
		Version:  b.UpdatedAt.UnixMilli(),
		Bookmark: &cp,
	}
	if b.Status == models.BookmarkDeleted {
		e.State = StateTombstone
	}
	return e
}

func (c *Cache) AddBookmark(ctx context.Context, eventID string) error {
	return c.writeBookmark(ctx, eventID, func(*entry) models.BookmarkStatus { return models.BookmarkActive })
}

func (c *Cache) RemoveBookmark(ctx context.Context, eventID string) error {
	return c.writeBookmark(ctx, eventID, func(*entry) models.BookmarkStatus { return models.BookmarkDeleted })
}

// ToggleBookmark adds the bookmark when it is not visible and removes it
// otherwise. Pending writes count, so rapid toggles alternate.
func (c *Cache) ToggleBookmark(ctx context.Context, eventID string) error {
	return c.writeBookmark(ctx, eventID, func(e *entry) models.BookmarkStatus {
		if e != nil && visibleBookmark(&e.Entry) {
			return models.BookmarkDeleted
		}
		return models.BookmarkActive
	})
}

// writeBookmark applies the status chosen by target optimistically, writes
// it to the server and settles the entry. target runs inside the same actor
// step that marks the entry pending; it gets nil for an unknown key.
func (c *Cache) writeBookmark(ctx context.Context, eventID string, target func(*entry) models.BookmarkStatus) error {
	key := models.BookmarkKey(eventID)

	var (
		op     uint64
		status models.BookmarkStatus
	)
	if err := c.exec(ctx, func(st *state) {
		st.ops++
		op = st.ops
		now := c.now()

		e, ok := st.entries[key]
		status = target(e)
		if !ok {
			e = &entry{}
			st.entries[key] = e
		} else if e.State != StatePendingLocal {
			e.Base = e.Entry.clone()
			e.Base.Base = nil
		}

		version := e.Version
		if e.Base != nil {
			version = e.Base.Version
		}
		e.Key = key
		e.State = StatePendingLocal
		e.Version = version
		e.op = op
		e.Ticket = nil
		e.Bookmark = &models.Bookmark{EventID: eventID, Status: status, UpdatedAt: now}
		if e.Base != nil && e.Base.Bookmark != nil {
			e.Bookmark.UserID = e.Base.Bookmark.UserID
			e.Bookmark.CreatedAt = e.Base.Bookmark.CreatedAt
		}
		if e.Bookmark.CreatedAt.IsZero() {
			e.Bookmark.CreatedAt = now
		}
	}); err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	var (
		record *models.Bookmark
		err    error
	)
	if status == models.BookmarkActive {
		record, err = c.remote.AddBookmark(writeCtx, eventID)
	} else {
		record, err = c.remote.RemoveBookmark(writeCtx, eventID)
	}

	// Settle even when the caller has gone away, so no entry stays pending.
	settleCtx := context.WithoutCancel(ctx)
	if execErr := c.exec(settleCtx, func(st *state) {
		if err != nil {
			st.rollback(key, op)
			return
		}
		st.confirm(key, op, bookmarkEntry(record))
	}); execErr != nil {
		return execErr
	}
	return err
}

func (st *state) confirm(key string, op uint64, server *Entry) {
	e, ok := st.entries[key]
	if !ok {
		return
	}
	if e.State != StatePendingLocal || e.op != op {
		// A later local write owns the entry; the server record becomes
		// its base.
		if e.State == StatePendingLocal && (e.Base == nil || server.Version > e.Base.Version) {
			e.Base = server.clone()
		}
		return
	}
	if e.Base != nil && e.Base.Version > server.Version {
		// A newer change arrived while the write was in flight.
		server = e.Base
	}
	e.Entry = *server.clone()
	e.Base = nil
}

func (st *state) rollback(key string, op uint64) {
	e, ok := st.entries[key]
	if !ok || e.State != StatePendingLocal || e.op != op {
		return
	}
	if e.Base == nil {
		delete(st.entries, key)
		return
	}
	e.Entry = *e.Base.clone()
}

func visibleBookmark(e *Entry) bool {
	return e.State != StateTombstone && e.Bookmark != nil && e.Bookmark.Status != models.BookmarkDeleted
}

// Tickets returns the visible tickets, newest first.
func (c *Cache) Tickets() []*models.Ticket {
	var out []*models.Ticket
	_ = c.exec(context.Background(), func(st *state) {
		for _, e := range sorted(st.entries) {
			if e.State == StateTombstone || e.Ticket == nil {
				continue
			}
			t := *e.Ticket
			out = append(out, &t)
		}
	})
	return out
}

// Bookmarks returns the visible bookmarks, newest first.
func (c *Cache) Bookmarks() []*models.Bookmark {
	var out []*models.Bookmark
	_ = c.exec(context.Background(), func(st *state) {
		for _, e := range sorted(st.entries) {
			if !visibleBookmark(&e.Entry) {
				continue
			}
			b := *e.Bookmark
			out = append(out, &b)
		}
	})
	return out
}

// Entry returns a copy of the internal state for key.
func (c *Cache) Entry(key string) (Entry, bool) {
	var (
		out Entry
		ok  bool
	)
	_ = c.exec(context.Background(), func(st *state) {
		e, found := st.entries[key]
		if !found {
			return
		}
		out, ok = *e.Entry.clone(), true
	})
	return out, ok
}

// sorted orders entries newest first. Pending entries sort by the time of
// the local write.
func sorted(entries map[string]*entry) []*entry {
	out := make([]*entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := recency(out[i]), recency(out[j])
		if ti != tj {
			return ti > tj
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func recency(e *entry) int64 {
	if e.State == StatePendingLocal && e.Bookmark != nil {
		return e.Bookmark.UpdatedAt.UnixMilli()
	}
	return e.Version
}
