package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"venue-ticket/config"
	"venue-ticket/internal/services"
	"venue-ticket/models"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func newLedgerMigrateCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "ledger:migrate",
		Short: "Create the ticket ledger tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openLedger(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "ledger ready (%s)\n", cfg.LedgerDriver)
			return nil
		},
	}
}

type createEventFlags struct {
	name     string
	venueID  string
	timezone string
	max      int
	price    string
	start    string
	duration time.Duration
}

func (f createEventFlags) request() (models.CreateEventRequest, error) {
	price, err := decimal.NewFromString(f.price)
	if err != nil {
		return models.CreateEventRequest{}, fmt.Errorf("invalid price %q: %w", f.price, err)
	}
	start, err := time.Parse(time.RFC3339, f.start)
	if err != nil {
		return models.CreateEventRequest{}, fmt.Errorf("invalid start %q: %w", f.start, err)
	}
	return models.CreateEventRequest{
		Name:       f.name,
		VenueID:    f.venueID,
		Timezone:   f.timezone,
		MaxTickets: f.max,
		Price:      price,
		StartTime:  start,
		EndTime:    start.Add(f.duration),
	}, nil
}

func newCreateEventCommand(cfg *config.Config) *cobra.Command {
	var flags createEventFlags

	cmd := &cobra.Command{
		Use:   "events:create",
		Short: "Create an event in the ticket ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request()
			if err != nil {
				return err
			}

			db, err := openLedger(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			codec, err := newCodec(cfg)
			if err != nil {
				return err
			}

			event, err := services.NewLedgerService(db, codec).CreateEvent(cmd.Context(), req)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(event)
		},
	}

	cmd.Flags().StringVar(&flags.name, "name", "", "event name")
	cmd.Flags().StringVar(&flags.venueID, "venue", "", "venue id")
	cmd.Flags().StringVar(&flags.timezone, "timezone", "UTC", "IANA timezone of the venue")
	cmd.Flags().IntVar(&flags.max, "max-tickets", 0, "ticket capacity")
	cmd.Flags().StringVar(&flags.price, "price", "0", "ticket price")
	cmd.Flags().StringVar(&flags.start, "start", "", "start time, RFC3339")
	cmd.Flags().DurationVar(&flags.duration, "duration", 3*time.Hour, "event length")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("venue")
	_ = cmd.MarkFlagRequired("start")

	return cmd
}
