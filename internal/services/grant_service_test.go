package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"venue-ticket/models"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	grants map[string][]models.ScannerGrant
	err    error
	calls  atomic.Int32
}

func (s *countingSource) ActiveGrants(_ context.Context, userID string) ([]models.ScannerGrant, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.grants[userID], nil
}

var doorGrants = []models.ScannerGrant{{UserID: "door-1", Role: models.RoleScanner, VenueID: "venue-1", Active: true}}

func TestGrantService_ReadThrough(t *testing.T) {
	db, mock := redismock.NewClientMock()
	source := &countingSource{grants: map[string][]models.ScannerGrant{"door-1": doorGrants}}
	svc := NewGrantService(source, db, 30*time.Second, nil)
	ctx := context.Background()

	payload, err := json.Marshal(doorGrants)
	require.NoError(t, err)

	mock.ExpectGet("grants:door-1").RedisNil()
	mock.ExpectSet("grants:door-1", string(payload), 30*time.Second).SetVal("OK")
	mock.ExpectGet("grants:door-1").SetVal(string(payload))

	first, err := svc.GrantsFor(ctx, "door-1")
	require.NoError(t, err)
	assert.Equal(t, doorGrants, first)

	second, err := svc.GrantsFor(ctx, "door-1")
	require.NoError(t, err)
	assert.Equal(t, doorGrants, second)

	assert.Equal(t, int32(1), source.calls.Load())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantService_CacheErrorFallsBackToSource(t *testing.T) {
	db, mock := redismock.NewClientMock()
	source := &countingSource{grants: map[string][]models.ScannerGrant{"door-1": doorGrants}}
	svc := NewGrantService(source, db, time.Minute, nil)

	payload, _ := json.Marshal(doorGrants)
	mock.ExpectGet("grants:door-1").SetErr(errors.New("connection refused"))
	mock.ExpectSet("grants:door-1", string(payload), time.Minute).SetErr(errors.New("connection refused"))

	grants, err := svc.GrantsFor(context.Background(), "door-1")
	require.NoError(t, err)
	assert.Equal(t, doorGrants, grants)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantService_SourceError(t *testing.T) {
	svc := NewGrantService(&countingSource{err: errors.New("db down")}, nil, time.Minute, nil)

	_, err := svc.GrantsFor(context.Background(), "door-1")
	assert.Error(t, err)
}

func TestGrantService_Invalidate(t *testing.T) {
	db, mock := redismock.NewClientMock()
	svc := NewGrantService(&countingSource{}, db, time.Minute, nil)

	mock.ExpectDel("grants:door-1").SetVal(1)
	svc.Invalidate(context.Background(), "door-1")
	svc.Invalidate(context.Background(), "")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantService_Roles(t *testing.T) {
	source := &countingSource{grants: map[string][]models.ScannerGrant{
		"root":    {{UserID: "root", Role: models.RoleSiteAdmin, Active: true}},
		"manager": {{UserID: "manager", Role: models.RoleVenueAdmin, VenueID: "venue-1", Active: true}},
		"door-1":  doorGrants,
	}}
	svc := NewGrantService(source, nil, time.Minute, nil)
	ctx := context.Background()

	isAdmin, err := svc.IsSiteAdmin(ctx, "root")
	require.NoError(t, err)
	assert.True(t, isAdmin)

	isAdmin, err = svc.IsSiteAdmin(ctx, "manager")
	require.NoError(t, err)
	assert.False(t, isAdmin)

	canManage, err := svc.CanManage(ctx, "manager", "venue-1")
	require.NoError(t, err)
	assert.True(t, canManage)

	canManage, err = svc.CanManage(ctx, "manager", "venue-2")
	require.NoError(t, err)
	assert.False(t, canManage)

	canManage, err = svc.CanManage(ctx, "door-1", "venue-1")
	require.NoError(t, err)
	assert.False(t, canManage)
}

type gatedSource struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (s *gatedSource) ActiveGrants(ctx context.Context, userID string) ([]models.ScannerGrant, error) {
	s.calls.Add(1)
	s.entered <- struct{}{}
	<-s.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return doorGrants, nil
}

func TestGrantService_CancelledWaiterDoesNotFailSharedLoad(t *testing.T) {
	source := &gatedSource{entered: make(chan struct{}, 2), release: make(chan struct{})}
	svc := NewGrantService(source, nil, time.Minute, nil)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.GrantsFor(firstCtx, "door-1")
		firstErr <- err
	}()
	<-source.entered

	type result struct {
		grants []models.ScannerGrant
		err    error
	}
	second := make(chan result, 1)
	go func() {
		grants, err := svc.GrantsFor(context.Background(), "door-1")
		second <- result{grants, err}
	}()

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(source.release)
	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, doorGrants, got.grants)
}
