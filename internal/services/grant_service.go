package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"venue-ticket/models"
	"venue-ticket/monitoring"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	grantsCollection = "scanner_grants"
	grantLoadTimeout = 10 * time.Second
)

// GrantSource loads the active grants of one user from the system of record.
type GrantSource interface {
	ActiveGrants(ctx context.Context, userID string) ([]models.ScannerGrant, error)
}

// RecordGrantSource reads grants from the PocketBase scanner_grants collection.
type RecordGrantSource struct {
	app core.App
}

func NewRecordGrantSource(app core.App) *RecordGrantSource {
	return &RecordGrantSource{app: app}
}

func (s *RecordGrantSource) ActiveGrants(ctx context.Context, userID string) ([]models.ScannerGrant, error) {
	records, err := s.app.FindRecordsByFilter(
		grantsCollection,
		"user = {:user} && active = true",
		"",
		0,
		0,
		dbx.Params{"user": userID},
	)
	if err != nil {
		return nil, fmt.Errorf("find grants: %w", err)
	}

	grants := make([]models.ScannerGrant, 0, len(records))
	for _, r := range records {
		grants = append(grants, GrantFromRecord(r))
	}
	return grants, nil
}

func GrantFromRecord(r *core.Record) models.ScannerGrant {
	return models.ScannerGrant{
		UserID:  r.GetString("user"),
		Role:    models.GrantRole(r.GetString("role")),
		VenueID: r.GetString("venue_id"),
		Active:  r.GetBool("active"),
	}
}

// GrantService is a read-through redis cache in front of a GrantSource.
// Entries expire after ttl and are dropped eagerly by Invalidate when the
// collection changes.
type GrantService struct {
	source  GrantSource
	redis   *redis.Client
	ttl     time.Duration
	monitor *monitoring.Monitor
	group   singleflight.Group
}

func NewGrantService(source GrantSource, redisClient *redis.Client, ttl time.Duration, monitor *monitoring.Monitor) *GrantService {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &GrantService{
		source:  source,
		redis:   redisClient,
		ttl:     ttl,
		monitor: monitor,
	}
}

func grantKey(userID string) string {
	return "grants:" + userID
}

// GrantsFor returns the active grants of userID. Cache errors degrade to a
// direct read.
func (s *GrantService) GrantsFor(ctx context.Context, userID string) ([]models.ScannerGrant, error) {
	if s.redis != nil {
		data, err := s.redis.Get(ctx, grantKey(userID)).Bytes()
		switch {
		case err == nil:
			var grants []models.ScannerGrant
			if jsonErr := json.Unmarshal(data, &grants); jsonErr == nil {
				s.monitor.TrackGrantCache(true)
				return grants, nil
			}
			slog.Warn("discarding corrupt grant cache entry", "user_id", userID)
		case !errors.Is(err, redis.Nil):
			slog.Warn("grant cache read failed", "user_id", userID, "error", err)
		}
	}
	s.monitor.TrackGrantCache(false)

	// The shared load outlives any single waiter, so it runs detached from
	// the caller that happened to start it.
	ch := s.group.DoChan(userID, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grantLoadTimeout)
		defer cancel()
		grants, err := s.source.ActiveGrants(loadCtx, userID)
		if err != nil {
			return nil, err
		}
		s.store(loadCtx, userID, grants)
		return grants, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("load grants for %s: %w", userID, res.Err)
		}
		return res.Val.([]models.ScannerGrant), nil
	}
}

func (s *GrantService) store(ctx context.Context, userID string, grants []models.ScannerGrant) {
	if s.redis == nil {
		return
	}
	data, err := json.Marshal(grants)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, grantKey(userID), string(data), s.ttl).Err(); err != nil {
		slog.Warn("grant cache write failed", "user_id", userID, "error", err)
	}
}

// Invalidate drops the cached grants of userID.
func (s *GrantService) Invalidate(ctx context.Context, userID string) {
	if s.redis == nil || userID == "" {
		return
	}
	if err := s.redis.Del(ctx, grantKey(userID)).Err(); err != nil {
		slog.Error("grant cache invalidation failed", "user_id", userID, "error", err)
	}
}

// CanManage reports whether userID administers venueID.
func (s *GrantService) CanManage(ctx context.Context, userID, venueID string) (bool, error) {
	grants, err := s.GrantsFor(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, g := range grants {
		if g.CanManage(venueID) {
			return true, nil
		}
	}
	return false, nil
}

// IsSiteAdmin reports whether userID holds an active siteAdmin grant.
func (s *GrantService) IsSiteAdmin(ctx context.Context, userID string) (bool, error) {
	grants, err := s.GrantsFor(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, g := range grants {
		if g.Active && g.Role == models.RoleSiteAdmin {
			return true, nil
		}
	}
	return false, nil
}
