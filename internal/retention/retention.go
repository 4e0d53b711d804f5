package retention

import (
	"log/slog"
	"sync"
	"time"

	"github.com/manpreetbhatti/velocode/internal/db"
)

type Config struct {
	Interval time.Duration
	MaxAge   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval: time.Hour,
		MaxAge:   7 * 24 * time.Hour,
	}
}

// Store is the part of the ledger the pruner needs
type Store interface {
	DeleteClosedSessionsBefore(cutoff time.Time) (int64, error)
	DeleteIdleRoomsBefore(cutoff time.Time) (int64, error)
}

var _ Store = (*db.Database)(nil)

// Service periodically drops ledger history older than MaxAge
type Service struct {
	store  Store
	config Config
	logger *slog.Logger
	now    func() time.Time
	stop   chan struct{}
	wg     sync.WaitGroup
}

func New(store Store, config Config, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		config: config,
		logger: logger,
		now:    time.Now,
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("retention service started",
		"interval", s.config.Interval,
		"max_age", s.config.MaxAge,
	)
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.logger.Info("retention service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.prune()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.prune()
		}
	}
}

func (s *Service) prune() {
	sessions, rooms, err := s.PruneNow()
	if err != nil {
		s.logger.Error("retention pass failed", "error", err)
		return
	}
	if sessions > 0 || rooms > 0 {
		s.logger.Info("pruned activity ledger", "sessions", sessions, "rooms", rooms)
	}
}

// PruneNow runs one pass and reports how many sessions and rooms were removed
func (s *Service) PruneNow() (sessions, rooms int64, err error) {
	cutoff := s.now().Add(-s.config.MaxAge)

	sessions, err = s.store.DeleteClosedSessionsBefore(cutoff)
	if err != nil {
		return 0, 0, err
	}
	rooms, err = s.store.DeleteIdleRoomsBefore(cutoff)
	if err != nil {
		return sessions, 0, err
	}
	return sessions, rooms, nil
}
