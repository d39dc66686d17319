package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"venue-ticket/models"
	"venue-ticket/monitoring"

	pubnub "github.com/pubnub/go/v7"
	amqp "github.com/rabbitmq/amqp091-go"
)

const deliverTimeout = 5 * time.Second

// ChangeSink delivers a committed change to one destination.
type ChangeSink interface {
	Name() string
	Deliver(ctx context.Context, change models.Change) error
}

// PubNubSink publishes every change to the owning user's channel.
type PubNubSink struct {
	pn *pubnub.PubNub
}

func NewPubNubSink(pn *pubnub.PubNub) *PubNubSink {
	return &PubNubSink{pn: pn}
}

func (s *PubNubSink) Name() string { return "pubnub" }

func (s *PubNubSink) Deliver(_ context.Context, change models.Change) error {
	_, st, err := s.pn.Publish().
		Channel(models.UserChannel(change.UserID)).
		Message(change).
		Execute()
	if err != nil {
		return fmt.Errorf("pubnub publish (status %d): %w", st.StatusCode, err)
	}
	return nil
}

// NotificationFor turns a ticket change into a device notification. Bookmark
// changes produce none.
func NotificationFor(change models.Change) (models.TicketNotification, bool) {
	if change.Table != models.TableTickets || change.Ticket == nil {
		return models.TicketNotification{}, false
	}
	t := change.Ticket

	var reason string
	switch {
	case change.Type == models.ChangeInsert && t.TransferredFromUserID != "" && change.UserID == t.OwnerUserID:
		reason = "transferred_in"
	case change.Type == models.ChangeInsert:
		reason = "issued"
	case change.Type == models.ChangeDelete:
		reason = "transferred_out"
	case t.Status == models.TicketUsed:
		reason = "admitted"
	case t.Status == models.TicketCancelled:
		reason = "cancelled"
	default:
		reason = "updated"
	}

	return models.TicketNotification{
		TicketID:     t.ID,
		TicketNumber: t.TicketNumber,
		EventID:      t.EventID,
		UserID:       change.UserID,
		Status:       t.Status,
		Reason:       reason,
		OccurredAt:   change.At.UTC().Format(time.RFC3339),
	}, true
}

// AMQPSink queues device notifications on a durable queue for the push
// worker. The connection is opened lazily and re-dialled after it drops.
type AMQPSink struct {
	url   string
	queue string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPSink(url, queue string) *AMQPSink {
	return &AMQPSink{url: url, queue: queue}
}

func (s *AMQPSink) Name() string { return "amqp" }

func (s *AMQPSink) channel() (*amqp.Channel, error) {
	if s.ch != nil && !s.ch.IsClosed() {
		return s.ch, nil
	}
	if s.conn == nil || s.conn.IsClosed() {
		conn, err := amqp.Dial(s.url)
		if err != nil {
			return nil, fmt.Errorf("amqp dial: %w", err)
		}
		s.conn = conn
	}

	ch, err := s.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(s.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp queue declare: %w", err)
	}
	s.ch = ch
	return ch, nil
}

func (s *AMQPSink) Deliver(ctx context.Context, change models.Change) error {
	notification, ok := NotificationFor(change)
	if !ok {
		return nil
	}
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch, err := s.channel()
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

// ChangeFanOut implements ChangePublisher. Changes are queued and handed to
// every sink by a single worker, so a user's changes reach each sink in
// commit order. A full queue drops the change; clients recover on their
// next full load.
type ChangeFanOut struct {
	sinks   []ChangeSink
	monitor *monitoring.Monitor
	queue   chan models.Change
}

func NewChangeFanOut(buffer int, monitor *monitoring.Monitor, sinks ...ChangeSink) *ChangeFanOut {
	if buffer <= 0 {
		buffer = 256
	}
	return &ChangeFanOut{
		sinks:   sinks,
		monitor: monitor,
		queue:   make(chan models.Change, buffer),
	}
}

func (f *ChangeFanOut) Publish(_ context.Context, change models.Change) {
	select {
	case f.queue <- change:
	default:
		slog.Error("change queue full, dropping change", "table", change.Table, "key", change.Key, "user_id", change.UserID)
		for _, sink := range f.sinks {
			f.monitor.TrackPublish(sink.Name(), errDropped)
		}
	}
}

var errDropped = errors.New("change dropped")

// Run delivers queued changes until ctx is cancelled, then drains what is
// already queued.
func (f *ChangeFanOut) Run(ctx context.Context) {
	for {
		select {
		case change := <-f.queue:
			f.deliver(ctx, change)
		case <-ctx.Done():
			for {
				select {
				case change := <-f.queue:
					f.deliver(context.WithoutCancel(ctx), change)
				default:
					return
				}
			}
		}
	}
}

func (f *ChangeFanOut) deliver(ctx context.Context, change models.Change) {
	for _, sink := range f.sinks {
		dctx, cancel := context.WithTimeout(ctx, deliverTimeout)
		err := sink.Deliver(dctx, change)
		cancel()

		f.monitor.TrackPublish(sink.Name(), err)
		if err != nil {
			slog.Error("deliver change", "sink", sink.Name(), "table", change.Table, "key", change.Key, "user_id", change.UserID, "error", err)
		}
	}
}
