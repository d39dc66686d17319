package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"venue-ticket/internal/status"
	"venue-ticket/models"
	"venue-ticket/security"

	"github.com/pocketbase/dbx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// 10:00 UTC; test events start at 20:00 the same day.
var ledgerNow = time.Date(2026, 6, 12, 10, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu      sync.Mutex
	changes []models.Change
}

func (p *recordingPublisher) Publish(_ context.Context, change models.Change) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, change)
}

func (p *recordingPublisher) all() []models.Change {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Change(nil), p.changes...)
}

type mapResolver map[string]string

func (m mapResolver) ResolveUserID(_ context.Context, recipient string) (string, error) {
	if id, ok := m[recipient]; ok {
		return id, nil
	}
	return "", status.ErrRecipientNotFound
}

type ledgerFixture struct {
	ledger    *LedgerService
	db        *dbx.DB
	codec     *security.Codec
	publisher *recordingPublisher
	clock     *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()

	db, err := OpenLedger("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, MigrateLedger(context.Background(), db))

	clock := &testClock{now: ledgerNow}
	codec, err := security.NewCodec([]byte("ledger-test-secret"), security.WithClock(clock.Now))
	require.NoError(t, err)

	publisher := &recordingPublisher{}
	ledger := NewLedgerService(db, codec,
		WithLedgerClock(clock.Now),
		WithChangePublisher(publisher),
		WithAccountResolver(mapResolver{
			"bob@example.com":   "user-bob",
			"carol@example.com": "user-carol",
			"user-alice":        "user-alice",
		}),
	)

	return &ledgerFixture{ledger: ledger, db: db, codec: codec, publisher: publisher, clock: clock}
}

func (f *ledgerFixture) createEvent(t *testing.T, venueID string, maxTickets int, startsAt time.Time) *models.Event {
	t.Helper()
	event, err := f.ledger.CreateEvent(context.Background(), models.CreateEventRequest{
		Name:       "Concert",
		VenueID:    venueID,
		Timezone:   "UTC",
		MaxTickets: maxTickets,
		Price:      decimal.RequireFromString("25.50"),
		StartTime:  startsAt,
		EndTime:    startsAt.Add(3 * time.Hour),
	})
	require.NoError(t, err)
	return event
}

func (f *ledgerFixture) purchase(t *testing.T, eventID, userID string) *models.Ticket {
	t.Helper()
	ticket, err := f.ledger.Purchase(context.Background(), models.PurchaseRequest{
		EventID:          eventID,
		UserID:           userID,
		PaymentReference: "pay-" + userID + "-" + eventID,
	})
	require.NoError(t, err)
	return ticket
}

func tonight() time.Time { return ledgerNow.Add(10 * time.Hour) }

func TestLedger_Purchase_IssuesSignedTicket(t *testing.T) {
	f := newLedgerFixture(t)
	event := f.createEvent(t, "venue-1", 10, tonight())

	ticket := f.purchase(t, event.ID, "user-alice")

	assert.Equal(t, models.TicketConfirmed, ticket.Status)
	assert.Regexp(t, `^TKT-[0-9A-F]{10}$`, ticket.TicketNumber)
	assert.True(t, decimal.RequireFromString("25.50").Equal(ticket.TotalPrice))

	decoded := f.codec.Verify(ticket.QRPayload)
	require.Equal(t, security.Valid, decoded.Kind)
	assert.Equal(t, ticket.ID, decoded.TicketID)
	assert.Equal(t, event.ID, decoded.EventID)
	assert.Equal(t, "user-alice", decoded.UserID)
	assert.Equal(t, ticket.TicketNumber, decoded.TicketNumber)

	stored, err := f.ledger.GetTicket(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, ticket.QRPayload, stored.QRPayload)
	assert.Equal(t, "pay-user-alice-"+event.ID, stored.PaymentReference)

	reloaded, err := f.ledger.GetEvent(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.TicketsSold)

	changes := f.publisher.all()
	require.Len(t, changes, 1)
	assert.Equal(t, models.ChangeInsert, changes[0].Type)
	assert.Equal(t, "user-alice", changes[0].UserID)
	assert.Equal(t, models.TicketKey(ticket.ID), changes[0].Key)
}

func TestLedger_Purchase_NoOversell(t *testing.T) {
	f := newLedgerFixture(t)
	const capacity, extra = 5, 15
	event := f.createEvent(t, "venue-1", capacity, tonight())

	var (
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	var g errgroup.Group
	for i := 0; i < capacity+extra; i++ {
		userID := fmt.Sprintf("user-%02d", i)
		g.Go(func() error {
			_, err := f.ledger.Purchase(context.Background(), models.PurchaseRequest{
				EventID:          event.ID,
				UserID:           userID,
				PaymentReference: "pay-" + userID,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, status.ErrCapacityExceeded):
				rejected++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, capacity, succeeded)
	assert.Equal(t, extra, rejected)

	reloaded, err := f.ledger.GetEvent(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, capacity, reloaded.TicketsSold)
}

func TestLedger_Purchase_IdempotentReplay(t *testing.T) {
	f := newLedgerFixture(t)
	event := f.createEvent(t, "venue-1", 10, tonight())
	req := models.PurchaseRequest{EventID: event.ID, UserID: "user-alice", PaymentReference: "pay-123"}

	first, err := f.ledger.Purchase(context.Background(), req)
	require.NoError(t, err)

	var g errgroup.Group
	ids := make([]string, 8)
	for i := range ids {
		g.Go(func() error {
			ticket, err := f.ledger.Purchase(context.Background(), req)
			if err != nil {
				return err
			}
			ids[i] = ticket.ID
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, id := range ids {
		assert.Equal(t, first.ID, id)
	}

	reloaded, err := f.ledger.GetEvent(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.TicketsSold)
	assert.Len(t, f.publisher.all(), 1, "replays publish nothing")
}

func TestLedger_Purchase_Rejections(t *testing.T) {
	f := newLedgerFixture(t)
	event := f.createEvent(t, "venue-1", 10, tonight())
	f.purchase(t, event.ID, "user-alice")
	ctx := context.Background()

	t.Run("Payment reference of another user", func(t *testing.T) {
		_, err := f.ledger.Purchase(ctx, models.PurchaseRequest{
			EventID: event.ID, UserID: "user-bob", PaymentReference: "pay-user-alice-" + event.ID,
		})
		assert.ErrorIs(t, err, status.ErrPaymentRefMismatch)
	})

	t.Run("Second ticket for the same user", func(t *testing.T) {
		_, err := f.ledger.Purchase(ctx, models.PurchaseRequest{
			EventID: event.ID, UserID: "user-alice", PaymentReference: "pay-other",
		})
		assert.ErrorIs(t, err, status.ErrDuplicatePurchase)
	})

	t.Run("Unknown event", func(t *testing.T) {
		_, err := f.ledger.Purchase(ctx, models.PurchaseRequest{
			EventID: "missing", UserID: "user-bob", PaymentReference: "pay-x",
		})
		assert.ErrorIs(t, err, status.ErrEventNotFound)
	})

	t.Run("Event already started", func(t *testing.T) {
		started := f.createEvent(t, "venue-1", 10, ledgerNow.Add(-time.Minute))
		_, err := f.ledger.Purchase(ctx, models.PurchaseRequest{
			EventID: started.ID, UserID: "user-bob", PaymentReference: "pay-late",
		})
		assert.ErrorIs(t, err, status.ErrEventEnded)
	})

	reloaded, err := f.ledger.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.TicketsSold, "rejected purchases leave no trace")
}

func TestLedger_MarkUsed_ExactlyOnce(t *testing.T) {
	f := newLedgerFixture(t)
	event := f.createEvent(t, "venue-1", 10, tonight())
	ticket := f.purchase(t, event.ID, "user-alice")

	const scanners = 12
	outcomes := make([]models.ScanOutcome, scanners)
	var g errgroup.Group
	for i := 0; i < scanners; i++ {
		g.Go(func() error {
			out, err := f.ledger.MarkUsed(context.Background(), ticket.ID, fmt.Sprintf("scanner-%d", i), "user-alice")
			outcomes[i] = out
			return err
		})
	}
	require.NoError(t, g.Wait())

	var winner string
	successes := 0
	for i, out := range outcomes {
		switch out.Outcome {
		case models.ScanSuccess:
			successes++
			winner = fmt.Sprintf("scanner-%d", i)
		case models.ScanAlreadyUsed:
		default:
			t.Fatalf("unexpected outcome %q", out.Outcome)
		}
	}
	require.Equal(t, 1, successes)

	for _, out := range outcomes {
		if out.Outcome == models.ScanAlreadyUsed {
			assert.Equal(t, winner, out.ScannedBy)
			assert.NotNil(t, out.UsedAt)
		}
	}

	stored, err := f.ledger.GetTicket(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketUsed, stored.Status)
	assert.Equal(t, winner, stored.ScannedByUserID)
}

func TestLedger_MarkUsed_Outcomes(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	t.Run("Wrong day leaves ticket untouched", func(t *testing.T) {
		tomorrow := f.createEvent(t, "venue-1", 10, tonight().Add(24*time.Hour))
		ticket := f.purchase(t, tomorrow.ID, "user-alice")

		out, err := f.ledger.MarkUsed(ctx, ticket.ID, "scanner-1", "user-alice")
		require.NoError(t, err)
		assert.Equal(t, models.ScanWrongDay, out.Outcome)

		stored, _ := f.ledger.GetTicket(ctx, ticket.ID)
		assert.Equal(t, models.TicketConfirmed, stored.Status)
	})

	t.Run("Cancelled", func(t *testing.T) {
		event := f.createEvent(t, "venue-1", 10, tonight())
		ticket := f.purchase(t, event.ID, "user-bob")
		_, err := f.ledger.Cancel(ctx, ticket.ID)
		require.NoError(t, err)

		out, err := f.ledger.MarkUsed(ctx, ticket.ID, "scanner-1", "user-bob")
		require.NoError(t, err)
		assert.Equal(t, models.ScanCancelled, out.Outcome)
	})

	t.Run("Owner mismatch", func(t *testing.T) {
		event := f.createEvent(t, "venue-1", 10, tonight())
		ticket := f.purchase(t, event.ID, "user-carol")

		out, err := f.ledger.MarkUsed(ctx, ticket.ID, "scanner-1", "user-mallory")
		require.NoError(t, err)
		assert.Equal(t, models.ScanInvalidCode, out.Outcome)
	})

	t.Run("Unknown ticket", func(t *testing.T) {
		out, err := f.ledger.MarkUsed(ctx, "missing", "scanner-1", "")
		require.NoError(t, err)
		assert.Equal(t, models.ScanInvalidCode, out.Outcome)
	})
}

func TestLedger_Cancel_DoesNotReleaseCapacity(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	event := f.createEvent(t, "venue-1", 1, tonight())
	ticket := f.purchase(t, event.ID, "user-alice")

	cancelled, err := f.ledger.Cancel(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketCancelled, cancelled.Status)

	_, err = f.ledger.Cancel(ctx, ticket.ID)
	assert.ErrorIs(t, err, status.ErrInvalidTransition)

	_, err = f.ledger.Purchase(ctx, models.PurchaseRequest{EventID: event.ID, UserID: "user-bob", PaymentReference: "pay-bob"})
	assert.ErrorIs(t, err, status.ErrCapacityExceeded)
}

func TestLedger_Transfer(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	event := f.createEvent(t, "venue-1", 10, tonight())
	ticket := f.purchase(t, event.ID, "user-alice")
	oldCode := f.codec.Verify(ticket.QRPayload)

	moved, err := f.ledger.Transfer(ctx, models.TransferRequest{
		TicketID: ticket.ID, FromUserID: "user-alice", Recipient: "bob@example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, ticket.ID, moved.ID)
	assert.Equal(t, ticket.TicketNumber, moved.TicketNumber)
	assert.Equal(t, "user-bob", moved.OwnerUserID)
	assert.Equal(t, "user-alice", moved.TransferredFromUserID)
	require.NotNil(t, moved.TransferredAt)

	newCode := f.codec.Verify(moved.QRPayload)
	require.Equal(t, security.Valid, newCode.Kind)
	assert.Equal(t, "user-bob", newCode.UserID)

	history, err := f.ledger.TransferHistory(ctx, ticket.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "user-alice", history[0].FromUserID)
	assert.Equal(t, "user-bob", history[0].ToUserID)

	// The old owner can neither transfer again nor get in with the old code.
	_, err = f.ledger.Transfer(ctx, models.TransferRequest{
		TicketID: ticket.ID, FromUserID: "user-alice", Recipient: "carol@example.com",
	})
	assert.ErrorIs(t, err, status.ErrNotOwner)

	out, err := f.ledger.MarkUsed(ctx, ticket.ID, "scanner-1", oldCode.UserID)
	require.NoError(t, err)
	assert.Equal(t, models.ScanInvalidCode, out.Outcome)

	out, err = f.ledger.MarkUsed(ctx, ticket.ID, "scanner-1", newCode.UserID)
	require.NoError(t, err)
	assert.Equal(t, models.ScanSuccess, out.Outcome)

	aliceTickets, err := f.ledger.ListTicketsByOwner(ctx, "user-alice")
	require.NoError(t, err)
	assert.Empty(t, aliceTickets)

	var kinds []string
	for _, c := range f.publisher.all() {
		kinds = append(kinds, string(c.Type)+":"+c.UserID)
	}
	assert.Contains(t, kinds, "delete:user-alice")
	assert.Contains(t, kinds, "insert:user-bob")
}

func TestLedger_Transfer_Rejections(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	event := f.createEvent(t, "venue-1", 10, tonight())
	ticket := f.purchase(t, event.ID, "user-alice")

	tests := []struct {
		name     string
		req      models.TransferRequest
		expected error
	}{
		{"Unknown ticket", models.TransferRequest{TicketID: "missing", FromUserID: "user-alice", Recipient: "bob@example.com"}, status.ErrTicketNotFound},
		{"Not the owner", models.TransferRequest{TicketID: ticket.ID, FromUserID: "user-bob", Recipient: "carol@example.com"}, status.ErrNotOwner},
		{"Unknown recipient", models.TransferRequest{TicketID: ticket.ID, FromUserID: "user-alice", Recipient: "nobody@example.com"}, status.ErrRecipientNotFound},
		{"Self transfer", models.TransferRequest{TicketID: ticket.ID, FromUserID: "user-alice", Recipient: "user-alice"}, status.ErrSelfTransfer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.Transfer(ctx, tt.req)
			assert.ErrorIs(t, err, tt.expected)
		})
	}

	t.Run("Recipient already holds a ticket", func(t *testing.T) {
		f.purchase(t, event.ID, "user-bob")
		_, err := f.ledger.Transfer(ctx, models.TransferRequest{TicketID: ticket.ID, FromUserID: "user-alice", Recipient: "bob@example.com"})
		assert.ErrorIs(t, err, status.ErrRecipientHasTicket)
	})

	t.Run("Used ticket", func(t *testing.T) {
		out, err := f.ledger.MarkUsed(ctx, ticket.ID, "scanner-1", "user-alice")
		require.NoError(t, err)
		require.Equal(t, models.ScanSuccess, out.Outcome)

		_, err = f.ledger.Transfer(ctx, models.TransferRequest{TicketID: ticket.ID, FromUserID: "user-alice", Recipient: "carol@example.com"})
		assert.ErrorIs(t, err, status.ErrNotTransferable)
	})
}

func TestLedger_Transfer_ConcurrentRecipients(t *testing.T) {
	f := newLedgerFixture(t)
	event := f.createEvent(t, "venue-1", 10, tonight())
	ticket := f.purchase(t, event.ID, "user-alice")

	errs := make([]error, 2)
	var g errgroup.Group
	for i, recipient := range []string{"bob@example.com", "carol@example.com"} {
		g.Go(func() error {
			_, errs[i] = f.ledger.Transfer(context.Background(), models.TransferRequest{
				TicketID: ticket.ID, FromUserID: "user-alice", Recipient: recipient,
			})
			return nil
		})
	}
	require.NoError(t, g.Wait())

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, status.ErrNotOwner)
		}
	}
	assert.Equal(t, 1, wins)

	history, err := f.ledger.TransferHistory(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

// traceLocks makes row-locking reads visible on SQLite by swapping the lock
// clause for a comment and recording which table each locking read hit.
func (f *ledgerFixture) traceLocks() func() []string {
	const marker = " /* row lock */"
	f.ledger.forUpdate = marker

	var (
		mu    sync.Mutex
		locks []string
	)
	f.db.QueryLogFunc = func(_ context.Context, _ time.Duration, query string, _ *sql.Rows, _ error) {
		if !strings.Contains(query, marker) {
			return
		}
		table := "other"
		switch {
		case strings.Contains(query, "FROM events"):
			table = "events"
		case strings.Contains(query, "FROM tickets"):
			table = "tickets"
		}
		mu.Lock()
		locks = append(locks, table)
		mu.Unlock()
	}
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		out := locks
		locks = nil
		return out
	}
}

func TestLedger_LockOrder(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	event := f.createEvent(t, "venue-1", 10, tonight())
	locks := f.traceLocks()

	ticket := f.purchase(t, event.ID, "user-alice")
	purchaseLocks := locks()
	require.NotEmpty(t, purchaseLocks)
	assert.Equal(t, "events", purchaseLocks[0])

	_, err := f.ledger.Transfer(ctx, models.TransferRequest{TicketID: ticket.ID, FromUserID: "user-alice", Recipient: "bob@example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"events", "tickets"}, locks(), "transfer holds the event before the ticket, like purchase")

	out, err := f.ledger.MarkUsed(ctx, ticket.ID, "scanner-1", "user-bob")
	require.NoError(t, err)
	require.Equal(t, models.ScanSuccess, out.Outcome)
	assert.Equal(t, []string{"tickets"}, locks(), "scanning only locks the ticket")
}

func TestLedger_Transfer_RacesRecipientPurchase(t *testing.T) {
	f := newLedgerFixture(t)
	event := f.createEvent(t, "venue-1", 10, tonight())
	fromAlice := f.purchase(t, event.ID, "user-alice")
	fromCarol := f.purchase(t, event.ID, "user-carol")

	var g errgroup.Group
	g.Go(func() error {
		_, _ = f.ledger.Transfer(context.Background(), models.TransferRequest{
			TicketID: fromAlice.ID, FromUserID: "user-alice", Recipient: "bob@example.com",
		})
		return nil
	})
	g.Go(func() error {
		_, _ = f.ledger.Transfer(context.Background(), models.TransferRequest{
			TicketID: fromCarol.ID, FromUserID: "user-carol", Recipient: "bob@example.com",
		})
		return nil
	})
	g.Go(func() error {
		_, _ = f.ledger.Purchase(context.Background(), models.PurchaseRequest{
			EventID: event.ID, UserID: "user-bob", PaymentReference: "pay-bob",
		})
		return nil
	})
	require.NoError(t, g.Wait())

	held, err := f.ledger.ListTicketsByOwner(context.Background(), "user-bob")
	require.NoError(t, err)
	confirmed := 0
	for _, ticket := range held {
		if ticket.EventID == event.ID && ticket.Status == models.TicketConfirmed {
			confirmed++
		}
	}
	assert.Equal(t, 1, confirmed)
}

func TestLedger_ExampleScenario(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	event := f.createEvent(t, "venue-1", 1, tonight())

	t1 := f.purchase(t, event.ID, "user-a")
	assert.Equal(t, models.TicketConfirmed, t1.Status)

	reloaded, err := f.ledger.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.TicketsSold)

	_, err = f.ledger.Purchase(ctx, models.PurchaseRequest{EventID: event.ID, UserID: "user-b", PaymentReference: "pay-b"})
	assert.ErrorIs(t, err, status.ErrCapacityExceeded)

	out, err := f.ledger.MarkUsed(ctx, t1.ID, "scanner-1", "user-a")
	require.NoError(t, err)
	assert.Equal(t, models.ScanSuccess, out.Outcome)

	out, err = f.ledger.MarkUsed(ctx, t1.ID, "scanner-1", "user-a")
	require.NoError(t, err)
	assert.Equal(t, models.ScanAlreadyUsed, out.Outcome)

	stored, err := f.ledger.GetTicket(ctx, t1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketUsed, stored.Status)
}

func TestLedger_CreateEvent_Validation(t *testing.T) {
	f := newLedgerFixture(t)

	valid := models.CreateEventRequest{
		Name: "Show", VenueID: "venue-1", MaxTickets: 1, StartTime: tonight(),
	}

	tests := []struct {
		name   string
		mutate func(r *models.CreateEventRequest)
	}{
		{"No name", func(r *models.CreateEventRequest) { r.Name = " " }},
		{"No venue", func(r *models.CreateEventRequest) { r.VenueID = "" }},
		{"Zero capacity", func(r *models.CreateEventRequest) { r.MaxTickets = 0 }},
		{"Negative price", func(r *models.CreateEventRequest) { r.Price = decimal.NewFromInt(-1) }},
		{"No start", func(r *models.CreateEventRequest) { r.StartTime = time.Time{} }},
		{"End before start", func(r *models.CreateEventRequest) { r.EndTime = r.StartTime.Add(-time.Hour) }},
		{"Bad timezone", func(r *models.CreateEventRequest) { r.Timezone = "Mars/Olympus" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, err := f.ledger.CreateEvent(context.Background(), req)
			assert.ErrorIs(t, err, status.ErrInvalidEventArgument)
		})
	}

	event, err := f.ledger.CreateEvent(context.Background(), valid)
	require.NoError(t, err)
	assert.Equal(t, "UTC", event.Timezone)
	assert.Equal(t, tonight().Add(4*time.Hour).UnixMilli(), event.EndTime.UnixMilli())
}

func TestLedger_ListEventsAndTickets(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	late := f.createEvent(t, "venue-1", 10, tonight().Add(2*time.Hour))
	early := f.createEvent(t, "venue-2", 10, tonight())
	f.createEvent(t, "venue-3", 10, ledgerNow.Add(-48*time.Hour))

	events, err := f.ledger.ListEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, early.ID, events[0].ID)
	assert.Equal(t, late.ID, events[1].ID)

	first := f.purchase(t, early.ID, "user-alice")
	f.clock.Set(ledgerNow.Add(time.Minute))
	second := f.purchase(t, late.ID, "user-alice")

	tickets, err := f.ledger.ListTicketsByOwner(ctx, "user-alice")
	require.NoError(t, err)
	require.Len(t, tickets, 2)
	assert.Equal(t, second.ID, tickets[0].ID)
	assert.Equal(t, first.ID, tickets[1].ID)

	placement, err := f.ledger.TicketVenue(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "venue-2", placement.VenueID)
	assert.Equal(t, first.TicketNumber, placement.TicketNumber)

	_, err = f.ledger.TicketVenue(ctx, "missing")
	assert.ErrorIs(t, err, status.ErrTicketNotFound)

	snapshot, err := f.ledger.CapacitySnapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snapshot, 2)
}

func TestLedger_Bookmarks(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	e1 := f.createEvent(t, "venue-1", 10, tonight())
	e2 := f.createEvent(t, "venue-1", 10, tonight())

	_, err := f.ledger.AddBookmark(ctx, "user-alice", "missing")
	assert.ErrorIs(t, err, status.ErrEventNotFound)

	b1, err := f.ledger.AddBookmark(ctx, "user-alice", e1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookmarkActive, b1.Status)

	f.clock.Set(ledgerNow.Add(time.Second))
	_, err = f.ledger.AddBookmark(ctx, "user-alice", e2.ID)
	require.NoError(t, err)

	again, err := f.ledger.AddBookmark(ctx, "user-alice", e1.ID)
	require.NoError(t, err)
	assert.Equal(t, b1.UpdatedAt, again.UpdatedAt, "adding an active bookmark is a no-op")

	list, err := f.ledger.ListBookmarks(ctx, "user-alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, e2.ID, list[0].EventID)

	removed, err := f.ledger.RemoveBookmark(ctx, "user-alice", e1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookmarkDeleted, removed.Status)

	_, err = f.ledger.RemoveBookmark(ctx, "user-alice", e1.ID)
	assert.ErrorIs(t, err, status.ErrBookmarkNotFound)

	list, err = f.ledger.ListBookmarks(ctx, "user-alice")
	require.NoError(t, err)
	require.Len(t, list, 1)

	revived, err := f.ledger.AddBookmark(ctx, "user-alice", e1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookmarkActive, revived.Status)
	assert.True(t, revived.UpdatedAt.After(removed.UpdatedAt))

	var types []models.ChangeType
	for _, c := range f.publisher.all() {
		if c.Table == models.TableBookmarks {
			types = append(types, c.Type)
		}
	}
	assert.Equal(t, []models.ChangeType{models.ChangeInsert, models.ChangeInsert, models.ChangeDelete, models.ChangeUpdate}, types)
}

func TestLedger_TxTimeout(t *testing.T) {
	f := newLedgerFixture(t)
	event := f.createEvent(t, "venue-1", 10, tonight())

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := f.ledger.Purchase(ctx, models.PurchaseRequest{EventID: event.ID, UserID: "user-alice", PaymentReference: "pay"})
	require.Error(t, err)
	assert.True(t, status.IsTransient(err))
}

func TestNextVersion(t *testing.T) {
	now := time.UnixMilli(1000)
	assert.Equal(t, int64(1000), nextVersion(999, now))
	assert.Equal(t, int64(1001), nextVersion(1000, now))
	assert.Equal(t, int64(1501), nextVersion(1500, now))
}
