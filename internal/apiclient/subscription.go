package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"venue-ticket/models"

	pubnub "github.com/pubnub/go/v7"
)

type SubscriptionConfig struct {
	SubscribeKey string
	CipherKey    string
	AuthKey      string
	UserID       string
}

// Subscription receives the signed-in user's change stream from PubNub.
type Subscription struct {
	pn       *pubnub.PubNub
	listener *pubnub.Listener
	userID     string
	changes    chan models.Change
	reconnects chan struct{}
}

func NewSubscription(cfg SubscriptionConfig) *Subscription {
	pnCfg := pubnub.NewConfigWithUserId(pubnub.UserId(cfg.UserID))
	pnCfg.SubscribeKey = cfg.SubscribeKey
	pnCfg.CipherKey = cfg.CipherKey
	pnCfg.AuthKey = cfg.AuthKey

	return newSubscription(pubnub.NewPubNub(pnCfg), cfg.UserID)
}

func newSubscription(pn *pubnub.PubNub, userID string) *Subscription {
	return &Subscription{
		pn:       pn,
		listener: pubnub.NewListener(),
		userID:     userID,
		changes:    make(chan models.Change, 64),
		reconnects: make(chan struct{}, 1),
	}
}

// Changes is closed once Run returns.
func (s *Subscription) Changes() <-chan models.Change {
	return s.changes
}

// Reconnects fires after the stream resumes from an outage. Changes sent
// while it was down are lost, so the consumer should reload. Pending
// signals coalesce.
func (s *Subscription) Reconnects() <-chan struct{} {
	return s.reconnects
}

// Run subscribes to the user channel and forwards decoded changes until ctx
// is done.
func (s *Subscription) Run(ctx context.Context) {
	channel := models.UserChannel(s.userID)

	s.pn.AddListener(s.listener)
	s.pn.Subscribe().Channels([]string{channel}).Execute()
	defer func() {
		s.pn.Unsubscribe().Channels([]string{channel}).Execute()
		s.pn.RemoveListener(s.listener)
	}()

	s.process(ctx)
}

func (s *Subscription) process(ctx context.Context) {
	defer close(s.changes)

	for {
		select {
		case st := <-s.listener.Status:
			switch st.Category {
			case pubnub.PNConnectedCategory:
				slog.Info("change stream connected", "user_id", s.userID)
			case pubnub.PNReconnectedCategory:
				slog.Info("change stream reconnected", "user_id", s.userID)
				select {
				case s.reconnects <- struct{}{}:
				default:
				}
			case pubnub.PNDisconnectedCategory, pubnub.PNTimeoutCategory:
				slog.Warn("change stream interrupted", "user_id", s.userID, "category", st.Category)
			case pubnub.PNAccessDeniedCategory:
				slog.Error("change stream access denied", "user_id", s.userID)
			}

		case message := <-s.listener.Message:
			change, err := decodeChange(message.Message)
			if err != nil {
				slog.Warn("dropping undecodable change", "channel", message.Channel, "error", err)
				continue
			}
			if change.UserID != s.userID {
				continue
			}
			select {
			case s.changes <- change:
			case <-ctx.Done():
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// decodeChange accepts both shapes PubNub hands back: the decoded JSON
// object, or the raw JSON string.
func decodeChange(message any) (models.Change, error) {
	var raw []byte
	switch m := message.(type) {
	case string:
		raw = []byte(m)
	case []byte:
		raw = m
	default:
		var err error
		if raw, err = json.Marshal(m); err != nil {
			return models.Change{}, err
		}
	}

	var change models.Change
	if err := json.Unmarshal(raw, &change); err != nil {
		return models.Change{}, err
	}
	if change.Key == "" || change.Type == "" {
		return models.Change{}, fmt.Errorf("incomplete change %q", raw)
	}
	return change, nil
}
