package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"venue-ticket/internal/status"
	"venue-ticket/models"
	"venue-ticket/monitoring"
	"venue-ticket/security"
	"venue-ticket/utils"

	"github.com/google/uuid"
	"github.com/pocketbase/dbx"
	"github.com/shopspring/decimal"
)

const (
	ticketColumns = `id, event_id, owner_user_id, purchaser_user_id, ticket_number, status, qr_payload,
		total_price, payment_reference, purchased_at, used_at, scanned_by_user_id,
		transferred_from_user_id, transferred_at, updated_at`
	eventColumns = `id, name, venue_id, timezone, max_tickets, tickets_sold, price,
		starts_at, ends_at, created_at`

	maxTicketNumberAttempts = 5
)

// AccountResolver maps a transfer recipient (email or user id) to a user id.
// It returns status.ErrRecipientNotFound for unknown accounts.
type AccountResolver interface {
	ResolveUserID(ctx context.Context, recipient string) (string, error)
}

// ChangePublisher delivers committed changes to the owning user's devices.
// Implementations must not block for long and must not fail the caller.
type ChangePublisher interface {
	Publish(ctx context.Context, change models.Change)
}

// TicketPlacement locates a ticket for the door check.
type TicketPlacement struct {
	TicketID     string
	TicketNumber string
	EventID      string
	VenueID      string
}

// LedgerService is the only writer of events, tickets, transfers and
// bookmarks. Every state transition runs in one database transaction and
// relies on the database for mutual exclusion.
type LedgerService struct {
	db        *dbx.DB
	codec     *security.Codec
	accounts  AccountResolver
	publisher ChangePublisher
	monitor   *monitoring.Monitor
	now       func() time.Time
	txTimeout time.Duration
	forUpdate string
}

type LedgerOption func(*LedgerService)

func WithAccountResolver(r AccountResolver) LedgerOption {
	return func(s *LedgerService) { s.accounts = r }
}

func WithChangePublisher(p ChangePublisher) LedgerOption {
	return func(s *LedgerService) { s.publisher = p }
}

func WithMonitor(m *monitoring.Monitor) LedgerOption {
	return func(s *LedgerService) { s.monitor = m }
}

func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(s *LedgerService) { s.now = now }
}

func WithTxTimeout(d time.Duration) LedgerOption {
	return func(s *LedgerService) { s.txTimeout = d }
}

func NewLedgerService(db *dbx.DB, codec *security.Codec, opts ...LedgerOption) *LedgerService {
	s := &LedgerService{
		db:        db,
		codec:     codec,
		now:       time.Now,
		txTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	// SQLite serializes writers through immediate transactions instead.
	if db.DriverName() == "mysql" {
		s.forUpdate = " FOR UPDATE"
	}
	return s
}

type eventRow struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	VenueID     string `db:"venue_id"`
	Timezone    string `db:"timezone"`
	MaxTickets  int    `db:"max_tickets"`
	TicketsSold int    `db:"tickets_sold"`
	Price       string `db:"price"`
	StartsAt    int64  `db:"starts_at"`
	EndsAt      int64  `db:"ends_at"`
	CreatedAt   int64  `db:"created_at"`
}

func (r *eventRow) toModel() *models.Event {
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		slog.Error("corrupt event price", "event_id", r.ID, "price", r.Price, "error", err)
	}
	return &models.Event{
		ID:          r.ID,
		Name:        r.Name,
		VenueID:     r.VenueID,
		Timezone:    r.Timezone,
		MaxTickets:  r.MaxTickets,
		TicketsSold: r.TicketsSold,
		Price:       price,
		StartTime:   fromMillis(r.StartsAt),
		EndTime:     fromMillis(r.EndsAt),
		CreatedAt:   fromMillis(r.CreatedAt),
	}
}

type ticketRow struct {
	ID                    string         `db:"id"`
	EventID               string         `db:"event_id"`
	OwnerUserID           string         `db:"owner_user_id"`
	PurchaserUserID       string         `db:"purchaser_user_id"`
	TicketNumber          string         `db:"ticket_number"`
	Status                string         `db:"status"`
	QRPayload             string         `db:"qr_payload"`
	TotalPrice            string         `db:"total_price"`
	PaymentReference      sql.NullString `db:"payment_reference"`
	PurchasedAt           int64          `db:"purchased_at"`
	UsedAt                sql.NullInt64  `db:"used_at"`
	ScannedByUserID       string         `db:"scanned_by_user_id"`
	TransferredFromUserID string         `db:"transferred_from_user_id"`
	TransferredAt         sql.NullInt64  `db:"transferred_at"`
	UpdatedAt             int64          `db:"updated_at"`
}

func (r *ticketRow) toModel() *models.Ticket {
	total, err := decimal.NewFromString(r.TotalPrice)
	if err != nil {
		slog.Error("corrupt ticket price", "ticket_id", r.ID, "total_price", r.TotalPrice, "error", err)
	}
	t := &models.Ticket{
		ID:                    r.ID,
		EventID:               r.EventID,
		OwnerUserID:           r.OwnerUserID,
		PurchaserUserID:       r.PurchaserUserID,
		TicketNumber:          r.TicketNumber,
		Status:                models.TicketStatus(r.Status),
		QRPayload:             r.QRPayload,
		TotalPrice:            total,
		PaymentReference:      r.PaymentReference.String,
		PurchasedAt:           fromMillis(r.PurchasedAt),
		ScannedByUserID:       r.ScannedByUserID,
		TransferredFromUserID: r.TransferredFromUserID,
		UpdatedAt:             fromMillis(r.UpdatedAt),
	}
	if r.UsedAt.Valid {
		usedAt := fromMillis(r.UsedAt.Int64)
		t.UsedAt = &usedAt
	}
	if r.TransferredAt.Valid {
		transferredAt := fromMillis(r.TransferredAt.Int64)
		t.TransferredAt = &transferredAt
	}
	return t
}

type transferRow struct {
	ID            string `db:"id"`
	TicketID      string `db:"ticket_id"`
	FromUserID    string `db:"from_user_id"`
	ToUserID      string `db:"to_user_id"`
	TransferredAt int64  `db:"transferred_at"`
}

type bookmarkRow struct {
	UserID    string `db:"user_id"`
	EventID   string `db:"event_id"`
	Status    string `db:"status"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r *bookmarkRow) toModel() *models.Bookmark {
	return &models.Bookmark{
		UserID:    r.UserID,
		EventID:   r.EventID,
		Status:    models.BookmarkStatus(r.Status),
		CreatedAt: fromMillis(r.CreatedAt),
		UpdatedAt: fromMillis(r.UpdatedAt),
	}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// nextVersion keeps updated_at strictly increasing per row so clients can
// order changes that land within the same millisecond.
func nextVersion(prev int64, now time.Time) int64 {
	ms := now.UnixMilli()
	if ms <= prev {
		return prev + 1
	}
	return ms
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// transact runs fn in a transaction bounded by the ledger timeout.
func (s *LedgerService) transact(ctx context.Context, op string, fn func(ctx context.Context, tx *dbx.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	start := time.Now()
	err := s.db.TransactionalContext(ctx, nil, func(tx *dbx.Tx) error {
		return fn(ctx, tx)
	})
	s.monitor.TrackLedgerTx(op, time.Since(start))

	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, status.ErrTimeout) {
		return fmt.Errorf("ledger %s: %w: %w", op, status.ErrTimeout, err)
	}
	return err
}

func (s *LedgerService) publish(ctx context.Context, changes ...models.Change) {
	if s.publisher == nil {
		return
	}
	// The request may already be finishing; delivery outlives it.
	ctx = context.WithoutCancel(ctx)
	for _, change := range changes {
		s.publisher.Publish(ctx, change)
	}
}

func ticketChange(kind models.ChangeType, userID string, t *models.Ticket) models.Change {
	return models.Change{
		Type:   kind,
		Table:  models.TableTickets,
		UserID: userID,
		Key:    models.TicketKey(t.ID),
		Ticket: t,
		At:     t.UpdatedAt,
	}
}

func bookmarkChange(kind models.ChangeType, b *models.Bookmark) models.Change {
	return models.Change{
		Type:     kind,
		Table:    models.TableBookmarks,
		UserID:   b.UserID,
		Key:      models.BookmarkKey(b.EventID),
		Bookmark: b,
		At:       b.UpdatedAt,
	}
}

func (s *LedgerService) lockEvent(ctx context.Context, tx *dbx.Tx, eventID string) (*eventRow, error) {
	return s.loadEvent(ctx, tx, eventID, s.forUpdate)
}

// readEvent loads the event without taking a row lock.
func (s *LedgerService) readEvent(ctx context.Context, tx *dbx.Tx, eventID string) (*eventRow, error) {
	return s.loadEvent(ctx, tx, eventID, "")
}

func (s *LedgerService) loadEvent(ctx context.Context, tx *dbx.Tx, eventID, lock string) (*eventRow, error) {
	var row eventRow
	err := tx.NewQuery("SELECT " + eventColumns + " FROM events WHERE id = {:id}" + lock).
		Bind(dbx.Params{"id": eventID}).
		WithContext(ctx).
		One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}
	return &row, nil
}

func (s *LedgerService) lockTicket(ctx context.Context, tx *dbx.Tx, ticketID string) (*ticketRow, error) {
	var row ticketRow
	err := tx.NewQuery("SELECT " + ticketColumns + " FROM tickets WHERE id = {:id}" + s.forUpdate).
		Bind(dbx.Params{"id": ticketID}).
		WithContext(ctx).
		One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load ticket: %w", err)
	}
	return &row, nil
}

// ticketEventID reads the event of a ticket without locking it. A ticket
// never changes event.
func (s *LedgerService) ticketEventID(ctx context.Context, tx *dbx.Tx, ticketID string) (string, error) {
	var eventID string
	err := tx.NewQuery("SELECT event_id FROM tickets WHERE id = {:id}").
		Bind(dbx.Params{"id": ticketID}).
		WithContext(ctx).
		Row(&eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", status.ErrTicketNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load ticket event: %w", err)
	}
	return eventID, nil
}

func (s *LedgerService) holdsConfirmedTicket(ctx context.Context, tx *dbx.Tx, eventID, userID string) (bool, error) {
	var count int
	err := tx.NewQuery("SELECT COUNT(*) FROM tickets WHERE event_id = {:event} AND owner_user_id = {:user} AND status = {:status}").
		Bind(dbx.Params{"event": eventID, "user": userID, "status": string(models.TicketConfirmed)}).
		WithContext(ctx).
		Row(&count)
	if err != nil {
		return false, fmt.Errorf("count tickets: %w", err)
	}
	return count > 0, nil
}

func (s *LedgerService) newTicketNumber(ctx context.Context, tx *dbx.Tx) (string, error) {
	for attempt := 0; attempt < maxTicketNumberAttempts; attempt++ {
		number, err := utils.GenerateTicketNumber()
		if err != nil {
			return "", fmt.Errorf("generate ticket number: %w", err)
		}

		var count int
		err = tx.NewQuery("SELECT COUNT(*) FROM tickets WHERE ticket_number = {:number}").
			Bind(dbx.Params{"number": number}).
			WithContext(ctx).
			Row(&count)
		if err != nil {
			return "", fmt.Errorf("check ticket number: %w", err)
		}
		if count == 0 {
			return number, nil
		}
		slog.Warn("ticket number collision", "ticket_number", number, "attempt", attempt+1)
	}
	return "", errors.New("ledger: could not allocate a unique ticket number")
}

// Purchase converts a confirmed payment into exactly one ticket.
//
// Replaying a payment reference returns the ticket it already produced, so
// clients may retry after a lost response. A reference that produced a
// ticket for another user or event fails with ErrPaymentRefMismatch.
func (s *LedgerService) Purchase(ctx context.Context, req models.PurchaseRequest) (*models.Ticket, error) {
	if req.EventID == "" || req.UserID == "" {
		return nil, fmt.Errorf("purchase: %w: event and user are required", status.ErrInvalidEventArgument)
	}

	var (
		ticket *models.Ticket
		replay bool
	)
	err := s.transact(ctx, "purchase", func(ctx context.Context, tx *dbx.Tx) error {
		event, err := s.lockEvent(ctx, tx, req.EventID)
		if err != nil {
			return err
		}

		if req.PaymentReference != "" {
			var existing ticketRow
			err := tx.NewQuery("SELECT " + ticketColumns + " FROM tickets WHERE payment_reference = {:ref}").
				Bind(dbx.Params{"ref": req.PaymentReference}).
				WithContext(ctx).
				One(&existing)
			switch {
			case err == nil:
				if existing.EventID != req.EventID || existing.PurchaserUserID != req.UserID {
					return status.ErrPaymentRefMismatch
				}
				ticket = existing.toModel()
				replay = true
				return nil
			case !errors.Is(err, sql.ErrNoRows):
				return fmt.Errorf("load payment reference: %w", err)
			}
		}

		if event.TicketsSold >= event.MaxTickets {
			return status.ErrCapacityExceeded
		}

		dup, err := s.holdsConfirmedTicket(ctx, tx, req.EventID, req.UserID)
		if err != nil {
			return err
		}
		if dup {
			return status.ErrDuplicatePurchase
		}

		now := s.now()
		if !now.Before(fromMillis(event.StartsAt)) {
			return status.ErrEventEnded
		}

		number, err := s.newTicketNumber(ctx, tx)
		if err != nil {
			return err
		}

		ticketID := uuid.NewString()
		qr, err := s.codec.Encode(ticketID, req.EventID, req.UserID, number)
		if err != nil {
			return fmt.Errorf("encode ticket code: %w", err)
		}

		price, _ := decimal.NewFromString(event.Price)
		nowMs := now.UnixMilli()

		_, err = tx.Insert("tickets", dbx.Params{
			"id":                ticketID,
			"event_id":          req.EventID,
			"owner_user_id":     req.UserID,
			"purchaser_user_id": req.UserID,
			"ticket_number":     number,
			"status":            string(models.TicketConfirmed),
			"qr_payload":        qr,
			"total_price":       price.StringFixed(2),
			"payment_reference": nullIfEmpty(req.PaymentReference),
			"purchased_at":      nowMs,
			"updated_at":        nowMs,
		}).WithContext(ctx).Execute()
		if err != nil {
			return fmt.Errorf("insert ticket: %w", err)
		}

		res, err := tx.NewQuery("UPDATE events SET tickets_sold = tickets_sold + 1 WHERE id = {:id} AND tickets_sold < max_tickets").
			Bind(dbx.Params{"id": req.EventID}).
			WithContext(ctx).
			Execute()
		if err != nil {
			return fmt.Errorf("increment tickets sold: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return status.ErrCapacityExceeded
		}

		ticket = &models.Ticket{
			ID:               ticketID,
			EventID:          req.EventID,
			OwnerUserID:      req.UserID,
			PurchaserUserID:  req.UserID,
			TicketNumber:     number,
			Status:           models.TicketConfirmed,
			QRPayload:        qr,
			TotalPrice:       price,
			PaymentReference: req.PaymentReference,
			PurchasedAt:      fromMillis(nowMs),
			UpdatedAt:        fromMillis(nowMs),
		}
		return nil
	})
	if err != nil {
		s.monitor.TrackPurchase(req.EventID, status.Code(err))
		if !status.IsCancelled(err) {
			slog.Warn("purchase rejected", "event_id", req.EventID, "user_id", req.UserID, "error", err)
		}
		return nil, err
	}

	if replay {
		s.monitor.TrackPurchase(req.EventID, "replay")
		return ticket, nil
	}

	s.monitor.TrackPurchase(req.EventID, "success")
	slog.Info("ticket issued", "ticket_id", ticket.ID, "ticket_number", ticket.TicketNumber, "event_id", ticket.EventID, "user_id", ticket.OwnerUserID)
	s.publish(ctx, ticketChange(models.ChangeInsert, ticket.OwnerUserID, ticket))
	return ticket, nil
}

// MarkUsed admits a ticket at the door. Concurrent scans of one ticket
// resolve to exactly one success; the rest see already_used with the
// original scanner and time. expectedOwnerID is the owner named in the
// scanned code; a mismatch means the code predates a transfer.
func (s *LedgerService) MarkUsed(ctx context.Context, ticketID, scannerUserID, expectedOwnerID string) (models.ScanOutcome, error) {
	var (
		outcome models.ScanOutcome
		changed *models.Ticket
	)
	err := s.transact(ctx, "mark_used", func(ctx context.Context, tx *dbx.Tx) error {
		changed = nil
		row, err := s.lockTicket(ctx, tx, ticketID)
		if errors.Is(err, status.ErrTicketNotFound) {
			outcome = models.ScanOutcome{Outcome: models.ScanInvalidCode, Message: "Ticket not found"}
			return nil
		}
		if err != nil {
			return err
		}

		ticket := row.toModel()
		if expectedOwnerID != "" && expectedOwnerID != ticket.OwnerUserID {
			outcome = models.ScanOutcome{Outcome: models.ScanInvalidCode, Message: "Code is no longer valid for this ticket"}
			return nil
		}

		switch ticket.Status {
		case models.TicketUsed:
			outcome = models.ScanOutcome{
				Outcome:   models.ScanAlreadyUsed,
				Message:   "Ticket already used",
				Ticket:    ticket.Summary(),
				ScannedBy: ticket.ScannedByUserID,
				UsedAt:    ticket.UsedAt,
			}
			return nil
		case models.TicketCancelled:
			outcome = models.ScanOutcome{Outcome: models.ScanCancelled, Message: "Ticket was cancelled", Ticket: ticket.Summary()}
			return nil
		case models.TicketConfirmed:
		default:
			outcome = models.ScanOutcome{Outcome: models.ScanInvalidCode, Message: "Ticket is not valid for entry", Ticket: ticket.Summary()}
			return nil
		}

		event, err := s.readEvent(ctx, tx, ticket.EventID)
		if err != nil {
			return err
		}

		now := s.now()
		if !event.toModel().IsOnDay(now) {
			outcome = models.ScanOutcome{Outcome: models.ScanWrongDay, Message: "Ticket is for another day", Ticket: ticket.Summary()}
			return nil
		}

		version := nextVersion(row.UpdatedAt, now)
		res, err := tx.Update("tickets", dbx.Params{
			"status":             string(models.TicketUsed),
			"used_at":            now.UnixMilli(),
			"scanned_by_user_id": scannerUserID,
			"updated_at":         version,
		}, dbx.HashExp{"id": ticketID, "status": string(models.TicketConfirmed)}).WithContext(ctx).Execute()
		if err != nil {
			return fmt.Errorf("mark ticket used: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("mark ticket used: %w", status.ErrInvalidTransition)
		}

		usedAt := fromMillis(now.UnixMilli())
		ticket.Status = models.TicketUsed
		ticket.UsedAt = &usedAt
		ticket.ScannedByUserID = scannerUserID
		ticket.UpdatedAt = fromMillis(version)
		changed = ticket

		outcome = models.ScanOutcome{
			Outcome:   models.ScanSuccess,
			Message:   "Welcome",
			Ticket:    ticket.Summary(),
			ScannedBy: scannerUserID,
			UsedAt:    &usedAt,
		}
		return nil
	})
	if err != nil {
		return models.ScanOutcome{}, err
	}

	if changed != nil {
		slog.Info("ticket admitted", "ticket_id", changed.ID, "scanner_id", scannerUserID)
		s.publish(ctx, ticketChange(models.ChangeUpdate, changed.OwnerUserID, changed))
	}
	return outcome, nil
}

// Transfer hands a confirmed, unscanned ticket to another account. The
// ticket keeps its id and number; its code is re-signed for the new owner
// so the previous owner's code stops scanning.
func (s *LedgerService) Transfer(ctx context.Context, req models.TransferRequest) (*models.Ticket, error) {
	var (
		recipientID string
		resolveErr  error
	)
	if s.accounts == nil {
		resolveErr = status.ErrRecipientNotFound
	} else {
		recipientID, resolveErr = s.accounts.ResolveUserID(ctx, strings.TrimSpace(req.Recipient))
		if resolveErr != nil && !errors.Is(resolveErr, status.ErrRecipientNotFound) {
			return nil, fmt.Errorf("resolve recipient: %w", resolveErr)
		}
	}

	var (
		ticket   *models.Ticket
		transfer models.TicketTransfer
	)
	err := s.transact(ctx, "transfer", func(ctx context.Context, tx *dbx.Tx) error {
		eventID, err := s.ticketEventID(ctx, tx, req.TicketID)
		if err != nil {
			return err
		}
		// The recipient check below is only sound while the event row is
		// held, as in Purchase. Lock order is event, then ticket.
		if _, err := s.lockEvent(ctx, tx, eventID); err != nil {
			return err
		}
		row, err := s.lockTicket(ctx, tx, req.TicketID)
		if err != nil {
			return err
		}

		if row.OwnerUserID != req.FromUserID {
			return status.ErrNotOwner
		}
		if models.TicketStatus(row.Status) != models.TicketConfirmed || row.UsedAt.Valid {
			return status.ErrNotTransferable
		}
		if resolveErr != nil {
			return status.ErrRecipientNotFound
		}
		if recipientID == req.FromUserID {
			return status.ErrSelfTransfer
		}

		has, err := s.holdsConfirmedTicket(ctx, tx, row.EventID, recipientID)
		if err != nil {
			return err
		}
		if has {
			return status.ErrRecipientHasTicket
		}

		qr, err := s.codec.Encode(row.ID, row.EventID, recipientID, row.TicketNumber)
		if err != nil {
			return fmt.Errorf("encode ticket code: %w", err)
		}

		now := s.now()
		version := nextVersion(row.UpdatedAt, now)
		res, err := tx.Update("tickets", dbx.Params{
			"owner_user_id":            recipientID,
			"transferred_from_user_id": req.FromUserID,
			"transferred_at":           now.UnixMilli(),
			"qr_payload":               qr,
			"updated_at":               version,
		}, dbx.HashExp{
			"id":            row.ID,
			"owner_user_id": req.FromUserID,
			"status":        string(models.TicketConfirmed),
		}).WithContext(ctx).Execute()
		if err != nil {
			return fmt.Errorf("reassign ticket: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return status.ErrNotTransferable
		}

		transfer = models.TicketTransfer{
			ID:            uuid.NewString(),
			TicketID:      row.ID,
			FromUserID:    req.FromUserID,
			ToUserID:      recipientID,
			TransferredAt: fromMillis(now.UnixMilli()),
		}
		_, err = tx.Insert("ticket_transfers", dbx.Params{
			"id":             transfer.ID,
			"ticket_id":      transfer.TicketID,
			"from_user_id":   transfer.FromUserID,
			"to_user_id":     transfer.ToUserID,
			"transferred_at": now.UnixMilli(),
		}).WithContext(ctx).Execute()
		if err != nil {
			return fmt.Errorf("record transfer: %w", err)
		}

		ticket = row.toModel()
		ticket.OwnerUserID = recipientID
		ticket.TransferredFromUserID = req.FromUserID
		ticket.TransferredAt = &transfer.TransferredAt
		ticket.QRPayload = qr
		ticket.UpdatedAt = fromMillis(version)
		return nil
	})
	if err != nil {
		s.monitor.TrackTransfer(status.Code(err))
		return nil, err
	}

	s.monitor.TrackTransfer("success")
	slog.Info("ticket transferred", "ticket_id", ticket.ID, "from_user_id", transfer.FromUserID, "to_user_id", transfer.ToUserID)
	s.publish(ctx,
		ticketChange(models.ChangeDelete, transfer.FromUserID, ticket),
		ticketChange(models.ChangeInsert, transfer.ToUserID, ticket),
	)
	return ticket, nil
}

// Cancel voids a confirmed ticket. The seat is not returned to sale.
func (s *LedgerService) Cancel(ctx context.Context, ticketID string) (*models.Ticket, error) {
	var ticket *models.Ticket
	err := s.transact(ctx, "cancel", func(ctx context.Context, tx *dbx.Tx) error {
		row, err := s.lockTicket(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		if models.TicketStatus(row.Status) != models.TicketConfirmed {
			return fmt.Errorf("cancel %s ticket: %w", row.Status, status.ErrInvalidTransition)
		}

		version := nextVersion(row.UpdatedAt, s.now())
		_, err = tx.Update("tickets", dbx.Params{
			"status":     string(models.TicketCancelled),
			"updated_at": version,
		}, dbx.HashExp{"id": ticketID}).WithContext(ctx).Execute()
		if err != nil {
			return fmt.Errorf("cancel ticket: %w", err)
		}

		ticket = row.toModel()
		ticket.Status = models.TicketCancelled
		ticket.UpdatedAt = fromMillis(version)
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("ticket cancelled", "ticket_id", ticket.ID)
	s.publish(ctx, ticketChange(models.ChangeUpdate, ticket.OwnerUserID, ticket))
	return ticket, nil
}

func validateEvent(req models.CreateEventRequest) error {
	switch {
	case strings.TrimSpace(req.Name) == "":
		return fmt.Errorf("%w: name is required", status.ErrInvalidEventArgument)
	case strings.TrimSpace(req.VenueID) == "":
		return fmt.Errorf("%w: venue is required", status.ErrInvalidEventArgument)
	case req.MaxTickets <= 0:
		return fmt.Errorf("%w: max tickets must be positive", status.ErrInvalidEventArgument)
	case req.Price.IsNegative():
		return fmt.Errorf("%w: price must not be negative", status.ErrInvalidEventArgument)
	case req.StartTime.IsZero():
		return fmt.Errorf("%w: start time is required", status.ErrInvalidEventArgument)
	case !req.EndTime.IsZero() && req.EndTime.Before(req.StartTime):
		return fmt.Errorf("%w: end time is before start time", status.ErrInvalidEventArgument)
	}
	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			return fmt.Errorf("%w: unknown timezone %q", status.ErrInvalidEventArgument, req.Timezone)
		}
	}
	return nil
}

func (s *LedgerService) CreateEvent(ctx context.Context, req models.CreateEventRequest) (*models.Event, error) {
	if err := validateEvent(req); err != nil {
		return nil, err
	}

	tz := req.Timezone
	if tz == "" {
		tz = "UTC"
	}
	end := req.EndTime
	if end.IsZero() {
		end = req.StartTime.Add(4 * time.Hour)
	}

	row := eventRow{
		ID:         uuid.NewString(),
		Name:       strings.TrimSpace(req.Name),
		VenueID:    req.VenueID,
		Timezone:   tz,
		MaxTickets: req.MaxTickets,
		Price:      req.Price.StringFixed(2),
		StartsAt:   req.StartTime.UnixMilli(),
		EndsAt:     end.UnixMilli(),
		CreatedAt:  s.now().UnixMilli(),
	}

	err := s.transact(ctx, "create_event", func(ctx context.Context, tx *dbx.Tx) error {
		_, err := tx.Insert("events", dbx.Params{
			"id":           row.ID,
			"name":         row.Name,
			"venue_id":     row.VenueID,
			"timezone":     row.Timezone,
			"max_tickets":  row.MaxTickets,
			"tickets_sold": 0,
			"price":        row.Price,
			"starts_at":    row.StartsAt,
			"ends_at":      row.EndsAt,
			"created_at":   row.CreatedAt,
		}).WithContext(ctx).Execute()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}

	slog.Info("event created", "event_id", row.ID, "venue_id", row.VenueID, "max_tickets", row.MaxTickets)
	return row.toModel(), nil
}

func (s *LedgerService) GetEvent(ctx context.Context, eventID string) (*models.Event, error) {
	var row eventRow
	err := s.db.NewQuery("SELECT " + eventColumns + " FROM events WHERE id = {:id}").
		Bind(dbx.Params{"id": eventID}).
		WithContext(ctx).
		One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return row.toModel(), nil
}

// ListEvents returns events that have not ended yet, soonest first.
func (s *LedgerService) ListEvents(ctx context.Context) ([]*models.Event, error) {
	var rows []eventRow
	err := s.db.NewQuery("SELECT " + eventColumns + " FROM events WHERE ends_at > {:now} ORDER BY starts_at ASC").
		Bind(dbx.Params{"now": s.now().UnixMilli()}).
		WithContext(ctx).
		All(&rows)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	events := make([]*models.Event, 0, len(rows))
	for i := range rows {
		events = append(events, rows[i].toModel())
	}
	return events, nil
}

// CapacitySnapshot feeds the sold-versus-capacity gauges.
func (s *LedgerService) CapacitySnapshot(ctx context.Context) ([]monitoring.EventCapacity, error) {
	events, err := s.ListEvents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]monitoring.EventCapacity, 0, len(events))
	for _, e := range events {
		out = append(out, monitoring.EventCapacity{EventID: e.ID, TicketsSold: e.TicketsSold, MaxTickets: e.MaxTickets})
	}
	return out, nil
}

func (s *LedgerService) GetTicket(ctx context.Context, ticketID string) (*models.Ticket, error) {
	var row ticketRow
	err := s.db.NewQuery("SELECT " + ticketColumns + " FROM tickets WHERE id = {:id}").
		Bind(dbx.Params{"id": ticketID}).
		WithContext(ctx).
		One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	return row.toModel(), nil
}

// ListTicketsByOwner returns the user's tickets, newest purchase first.
func (s *LedgerService) ListTicketsByOwner(ctx context.Context, userID string) ([]*models.Ticket, error) {
	var rows []ticketRow
	err := s.db.NewQuery("SELECT " + ticketColumns + " FROM tickets WHERE owner_user_id = {:user} ORDER BY purchased_at DESC, id ASC").
		Bind(dbx.Params{"user": userID}).
		WithContext(ctx).
		All(&rows)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}

	tickets := make([]*models.Ticket, 0, len(rows))
	for i := range rows {
		tickets = append(tickets, rows[i].toModel())
	}
	return tickets, nil
}

// TicketVenue resolves where a ticket may be admitted.
func (s *LedgerService) TicketVenue(ctx context.Context, ticketID string) (TicketPlacement, error) {
	var row struct {
		TicketID     string `db:"ticket_id"`
		TicketNumber string `db:"ticket_number"`
		EventID      string `db:"event_id"`
		VenueID      string `db:"venue_id"`
	}
	err := s.db.NewQuery(`SELECT t.id AS ticket_id, t.ticket_number, t.event_id, e.venue_id
		FROM tickets t JOIN events e ON e.id = t.event_id WHERE t.id = {:id}`).
		Bind(dbx.Params{"id": ticketID}).
		WithContext(ctx).
		One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return TicketPlacement{}, status.ErrTicketNotFound
	}
	if err != nil {
		return TicketPlacement{}, fmt.Errorf("locate ticket: %w", err)
	}
	return TicketPlacement{
		TicketID:     row.TicketID,
		TicketNumber: row.TicketNumber,
		EventID:      row.EventID,
		VenueID:      row.VenueID,
	}, nil
}

func (s *LedgerService) TransferHistory(ctx context.Context, ticketID string) ([]models.TicketTransfer, error) {
	var rows []transferRow
	err := s.db.NewQuery("SELECT id, ticket_id, from_user_id, to_user_id, transferred_at FROM ticket_transfers WHERE ticket_id = {:id} ORDER BY transferred_at ASC").
		Bind(dbx.Params{"id": ticketID}).
		WithContext(ctx).
		All(&rows)
	if err != nil {
		return nil, fmt.Errorf("transfer history: %w", err)
	}

	history := make([]models.TicketTransfer, 0, len(rows))
	for _, r := range rows {
		history = append(history, models.TicketTransfer{
			ID:            r.ID,
			TicketID:      r.TicketID,
			FromUserID:    r.FromUserID,
			ToUserID:      r.ToUserID,
			TransferredAt: fromMillis(r.TransferredAt),
		})
	}
	return history, nil
}

func (s *LedgerService) loadBookmark(ctx context.Context, tx *dbx.Tx, userID, eventID string) (*bookmarkRow, error) {
	var row bookmarkRow
	err := tx.NewQuery("SELECT user_id, event_id, status, created_at, updated_at FROM bookmarks WHERE user_id = {:user} AND event_id = {:event}" + s.forUpdate).
		Bind(dbx.Params{"user": userID, "event": eventID}).
		WithContext(ctx).
		One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load bookmark: %w", err)
	}
	return &row, nil
}

// AddBookmark marks an event as saved. Re-adding a removed bookmark revives
// the same row.
func (s *LedgerService) AddBookmark(ctx context.Context, userID, eventID string) (*models.Bookmark, error) {
	var (
		bookmark *models.Bookmark
		kind     models.ChangeType
	)
	err := s.transact(ctx, "add_bookmark", func(ctx context.Context, tx *dbx.Tx) error {
		if _, err := s.lockEvent(ctx, tx, eventID); err != nil {
			return err
		}

		existing, err := s.loadBookmark(ctx, tx, userID, eventID)
		if err != nil {
			return err
		}

		now := s.now()
		if existing == nil {
			nowMs := now.UnixMilli()
			_, err = tx.Insert("bookmarks", dbx.Params{
				"user_id":    userID,
				"event_id":   eventID,
				"status":     string(models.BookmarkActive),
				"created_at": nowMs,
				"updated_at": nowMs,
			}).WithContext(ctx).Execute()
			if err != nil {
				return fmt.Errorf("insert bookmark: %w", err)
			}
			bookmark = &models.Bookmark{UserID: userID, EventID: eventID, Status: models.BookmarkActive, CreatedAt: fromMillis(nowMs), UpdatedAt: fromMillis(nowMs)}
			kind = models.ChangeInsert
			return nil
		}

		if models.BookmarkStatus(existing.Status) == models.BookmarkActive {
			bookmark = existing.toModel()
			return nil
		}

		version := nextVersion(existing.UpdatedAt, now)
		_, err = tx.Update("bookmarks", dbx.Params{
			"status":     string(models.BookmarkActive),
			"updated_at": version,
		}, dbx.HashExp{"user_id": userID, "event_id": eventID}).WithContext(ctx).Execute()
		if err != nil {
			return fmt.Errorf("revive bookmark: %w", err)
		}
		existing.Status = string(models.BookmarkActive)
		existing.UpdatedAt = version
		bookmark = existing.toModel()
		kind = models.ChangeUpdate
		return nil
	})
	if err != nil {
		return nil, err
	}

	if kind != "" {
		s.publish(ctx, bookmarkChange(kind, bookmark))
	}
	return bookmark, nil
}

// RemoveBookmark soft-deletes an active bookmark.
func (s *LedgerService) RemoveBookmark(ctx context.Context, userID, eventID string) (*models.Bookmark, error) {
	var bookmark *models.Bookmark
	err := s.transact(ctx, "remove_bookmark", func(ctx context.Context, tx *dbx.Tx) error {
		existing, err := s.loadBookmark(ctx, tx, userID, eventID)
		if err != nil {
			return err
		}
		if existing == nil || models.BookmarkStatus(existing.Status) != models.BookmarkActive {
			return status.ErrBookmarkNotFound
		}

		version := nextVersion(existing.UpdatedAt, s.now())
		_, err = tx.Update("bookmarks", dbx.Params{
			"status":     string(models.BookmarkDeleted),
			"updated_at": version,
		}, dbx.HashExp{"user_id": userID, "event_id": eventID}).WithContext(ctx).Execute()
		if err != nil {
			return fmt.Errorf("remove bookmark: %w", err)
		}
		existing.Status = string(models.BookmarkDeleted)
		existing.UpdatedAt = version
		bookmark = existing.toModel()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, bookmarkChange(models.ChangeDelete, bookmark))
	return bookmark, nil
}

// ListBookmarks returns active bookmarks, most recently touched first.
func (s *LedgerService) ListBookmarks(ctx context.Context, userID string) ([]*models.Bookmark, error) {
	var rows []bookmarkRow
	err := s.db.NewQuery("SELECT user_id, event_id, status, created_at, updated_at FROM bookmarks WHERE user_id = {:user} AND status = {:status} ORDER BY updated_at DESC, event_id ASC").
		Bind(dbx.Params{"user": userID, "status": string(models.BookmarkActive)}).
		WithContext(ctx).
		All(&rows)
	if err != nil {
		return nil, fmt.Errorf("list bookmarks: %w", err)
	}

	out := make([]*models.Bookmark, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (s *LedgerService) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.DB().PingContext(ctx)
}
