package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"venue-ticket/internal/status"
	"venue-ticket/models"
	"venue-ticket/monitoring"
	"venue-ticket/security"
)

// GrantLookup returns the grants a scanner currently holds.
type GrantLookup interface {
	GrantsFor(ctx context.Context, userID string) ([]models.ScannerGrant, error)
}

// Admitter is the slice of the ledger the door needs.
type Admitter interface {
	TicketVenue(ctx context.Context, ticketID string) (TicketPlacement, error)
	MarkUsed(ctx context.Context, ticketID, scannerUserID, expectedOwnerID string) (models.ScanOutcome, error)
}

type ScanService struct {
	codec   *security.Codec
	ledger  Admitter
	grants  GrantLookup
	monitor *monitoring.Monitor
}

func NewScanService(codec *security.Codec, ledger Admitter, grants GrantLookup, monitor *monitoring.Monitor) *ScanService {
	return &ScanService{
		codec:   codec,
		ledger:  ledger,
		grants:  grants,
		monitor: monitor,
	}
}

func rejected(message string) models.ScanOutcome {
	return models.ScanOutcome{Outcome: models.ScanInvalidCode, Message: message}
}

// Scan validates a presented code and admits the ticket.
//
// Expected races (already_used, cancelled, wrong_day, wrong_venue) come
// back as outcomes with a nil error. Errors are reserved for a scanner
// without any active grant and for infrastructure failures.
func (s *ScanService) Scan(ctx context.Context, rawCode, scannerUserID string) (models.ScanOutcome, error) {
	if scannerUserID == "" {
		return models.ScanOutcome{}, status.ErrNotAuthenticated
	}

	outcome, err := s.scan(ctx, strings.TrimSpace(rawCode), scannerUserID)
	if err != nil {
		if !status.IsCancelled(err) {
			slog.Error("scan failed", "scanner_id", scannerUserID, "error", err)
		}
		return models.ScanOutcome{}, err
	}

	s.monitor.TrackScan(string(outcome.Outcome))
	return outcome, nil
}

func (s *ScanService) scan(ctx context.Context, rawCode, scannerUserID string) (models.ScanOutcome, error) {
	if rawCode == "" {
		return rejected("Empty code"), nil
	}

	decoded := s.codec.Verify(rawCode)
	if !decoded.OK() {
		slog.Info("rejected ticket code", "scanner_id", scannerUserID, "reason", decoded.Reason)
		return rejected("Code could not be verified"), nil
	}
	legacy := !decoded.IsTrusted()
	if legacy {
		slog.Warn("admitting unsigned legacy code", "ticket_id", decoded.TicketID, "scanner_id", scannerUserID)
	}

	placement, err := s.ledger.TicketVenue(ctx, decoded.TicketID)
	if errors.Is(err, status.ErrTicketNotFound) {
		return rejected("Ticket not found"), nil
	}
	if err != nil {
		return models.ScanOutcome{}, err
	}
	if placement.EventID != decoded.EventID {
		return rejected("Code does not match this ticket"), nil
	}
	if decoded.TicketNumber != "" && decoded.TicketNumber != placement.TicketNumber {
		return rejected("Code does not match this ticket"), nil
	}

	grants, err := s.grants.GrantsFor(ctx, scannerUserID)
	if err != nil {
		return models.ScanOutcome{}, err
	}
	allowed, anyActive := false, false
	for _, g := range grants {
		if !g.Active {
			continue
		}
		anyActive = true
		if g.CanScanAt(placement.VenueID) {
			allowed = true
			break
		}
	}
	if !anyActive {
		return models.ScanOutcome{}, fmt.Errorf("scanner %s: %w", scannerUserID, status.ErrPermissionDenied)
	}
	if !allowed {
		return models.ScanOutcome{Outcome: models.ScanWrongVenue, Message: "Ticket is for another venue"}, nil
	}

	outcome, err := s.ledger.MarkUsed(ctx, decoded.TicketID, scannerUserID, decoded.UserID)
	if err != nil {
		return models.ScanOutcome{}, err
	}
	outcome.Legacy = legacy
	if legacy {
		slog.Warn("unsigned legacy code scanned", "ticket_id", decoded.TicketID, "scanner_id", scannerUserID, "outcome", outcome.Outcome)
	}
	return outcome, nil
}
