package ingest

import (
	"context"
	"sync"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/openquant/helix/pkg/log"
	"github.com/openquant/helix/pkg/store"
)

// Service orchestrates the venue ingesters: one long-lived task per venue,
// started together and stopped together.
type Service struct {
	ingesters []*Ingester
	logger    zerolog.Logger
	wg        sync.WaitGroup
}

// NewService builds ingesters for each venue configuration
func NewService(configs []Config, st store.Store, pub Publisher, clk clock.Clock) (*Service, error) {
	s := &Service{logger: log.WithComponent("ingest-service")}
	for _, cfg := range configs {
		ing, err := NewIngester(cfg, st, pub, clk)
		if err != nil {
			return nil, err
		}
		s.ingesters = append(s.ingesters, ing)
	}
	return s, nil
}

// Start launches every ingester as an independent task
func (s *Service) Start(ctx context.Context) {
	for _, ing := range s.ingesters {
		s.wg.Add(1)
		go func(ing *Ingester) {
			defer s.wg.Done()
			if err := ing.Start(ctx); err != nil {
				s.logger.Error().Err(err).
					Str("venue", ing.cfg.Venue.String()).
					Msg("Ingester terminated")
			}
		}(ing)
	}
	s.logger.Info().Int("venues", len(s.ingesters)).Msg("Ingest service started")
}

// Stop stops every ingester and waits for their tasks to exit
func (s *Service) Stop() {
	for _, ing := range s.ingesters {
		ing.Stop()
	}
	s.wg.Wait()
	s.logger.Info().Msg("Ingest service stopped")
}

// Backfill runs a catch-up pass on every venue; used at startup to close
// any gap accumulated while the engine was down.
func (s *Service) Backfill(ctx context.Context) {
	var wg sync.WaitGroup
	for _, ing := range s.ingesters {
		wg.Add(1)
		go func(ing *Ingester) {
			defer wg.Done()
			ing.Backfill(ctx)
		}(ing)
	}
	wg.Wait()
}

// Running reports whether any ingester is live
func (s *Service) Running() bool {
	for _, ing := range s.ingesters {
		if ing.Running() {
			return true
		}
	}
	return false
}
