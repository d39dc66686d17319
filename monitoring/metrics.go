package monitoring

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticketsSold = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "event_tickets_sold",
			Help: "Tickets sold per event",
		},
		[]string{"event_id"},
	)

	ticketCapacity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "event_ticket_capacity",
			Help: "Ticket capacity per event",
		},
		[]string{"event_id"},
	)

	purchases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_purchases_total",
			Help: "Purchase attempts by result",
		},
		[]string{"event_id", "result"},
	)

	scans = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_scans_total",
			Help: "Scan attempts by outcome",
		},
		[]string{"outcome"},
	)

	transfers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_transfers_total",
			Help: "Transfer attempts by result",
		},
		[]string{"result"},
	)

	ledgerTxDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_transaction_duration_seconds",
			Help:    "Duration of ledger transactions",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"operation"},
	)

	grantCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanner_grant_cache_total",
			Help: "Scanner grant cache lookups",
		},
		[]string{"result"},
	)

	publishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "change_publish_total",
			Help: "Change stream publishes by sink and status",
		},
		[]string{"sink", "status"},
	)

	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_goroutines_total",
			Help: "Current number of active goroutines",
		},
	)
)

// EventCapacity is one row of the capacity snapshot sampled by the Monitor.
type EventCapacity struct {
	EventID     string
	TicketsSold int
	MaxTickets  int
}

type CapacitySource interface {
	CapacitySnapshot(ctx context.Context) ([]EventCapacity, error)
}

// Monitor records ticketing metrics. A nil *Monitor is valid and records
// nothing, which keeps services usable in tests without a registry.
type Monitor struct {
	source   CapacitySource
	interval time.Duration
}

func NewMonitor(source CapacitySource, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{source: source, interval: interval}
}

// Run samples gauges until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	if m == nil {
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.collect(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) collect(ctx context.Context) {
	goroutineCount.Set(float64(runtime.NumGoroutine()))

	if m.source == nil {
		return
	}
	rows, err := m.source.CapacitySnapshot(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("collect capacity metrics", "error", err)
		}
		return
	}
	for _, row := range rows {
		ticketsSold.WithLabelValues(row.EventID).Set(float64(row.TicketsSold))
		ticketCapacity.WithLabelValues(row.EventID).Set(float64(row.MaxTickets))
	}
}

func (m *Monitor) TrackPurchase(eventID, result string) {
	if m == nil {
		return
	}
	purchases.WithLabelValues(eventID, result).Inc()
}

func (m *Monitor) TrackScan(outcome string) {
	if m == nil {
		return
	}
	scans.WithLabelValues(outcome).Inc()
}

func (m *Monitor) TrackTransfer(result string) {
	if m == nil {
		return
	}
	transfers.WithLabelValues(result).Inc()
}

func (m *Monitor) TrackLedgerTx(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	ledgerTxDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Monitor) TrackGrantCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	grantCache.WithLabelValues(result).Inc()
}

func (m *Monitor) TrackPublish(sink string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	publishes.WithLabelValues(sink, status).Inc()
}
