package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"inventory-ledger/internal/interfaces"
	"inventory-ledger/internal/models"
)

// SchedulerConfig holds expiry scheduler configuration
type SchedulerConfig struct {
	ReservationTTL time.Duration
	SweepInterval  time.Duration
	BatchSize      int
	MaxBatches     int
	TimerGrace     time.Duration
}

// Validate validates the scheduler configuration
func (c SchedulerConfig) Validate() error {
	if c.ReservationTTL <= 0 {
		return fmt.Errorf("reservation TTL must be positive, got %v", c.ReservationTTL)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %v", c.SweepInterval)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("sweep batch size must be positive, got %d", c.BatchSize)
	}
	return nil
}

type armedTimer struct {
	timer *time.Timer
	gen   uint64
}

// ExpiryScheduler unreserves index entries older than the reservation TTL.
// The periodic sweep is authoritative; per-entry timers only shorten the wait.
type ExpiryScheduler struct {
	coordinator *ReservationCoordinator
	index       interfaces.ReservationIndex
	config      SchedulerConfig
	now         func() time.Time

	mu      sync.Mutex
	timers  map[models.ReservationKey]armedTimer
	nextGen uint64
	stopped bool
}

func NewExpiryScheduler(coordinator *ReservationCoordinator, index interfaces.ReservationIndex, config SchedulerConfig) (*ExpiryScheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler configuration: %w", err)
	}
	if config.MaxBatches <= 0 {
		config.MaxBatches = 50
	}
	if config.TimerGrace <= 0 {
		config.TimerGrace = time.Second
	}

	return &ExpiryScheduler{
		coordinator: coordinator,
		index:       index,
		config:      config,
		now:         time.Now,
		timers:      make(map[models.ReservationKey]armedTimer),
	}, nil
}

var _ interfaces.ExpirySweeper = (*ExpiryScheduler)(nil)

// WithClock overrides the clock used to compute the expiry cutoff
func (s *ExpiryScheduler) WithClock(now func() time.Time) *ExpiryScheduler {
	s.now = now
	return s
}

// Run sweeps on every tick until ctx is done
func (s *ExpiryScheduler) Run(ctx context.Context) {
	log.Info().
		Dur("interval", s.config.SweepInterval).
		Dur("ttl", s.config.ReservationTTL).
		Int("batch_size", s.config.BatchSize).
		Msg("Starting expiry scheduler")

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()
	defer s.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Stopping expiry scheduler")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("Expiry sweep failed")
			}
		}
	}
}

// Sweep expires every entry reserved at or before now minus TTL. Per-entry
// failures are counted and the sweep continues.
func (s *ExpiryScheduler) Sweep(ctx context.Context) (*models.SweepResult, error) {
	cutoff := s.now().Add(-s.config.ReservationTTL)
	result := &models.SweepResult{}

	// a failed entry is restored at its old score, so offset skips past it
	offset := 0
	attempted := make(map[models.ReservationKey]struct{})

	for batch := 0; batch < s.config.MaxBatches; batch++ {
		entries, err := s.index.ListExpired(ctx, cutoff, offset, s.config.BatchSize)
		if err != nil {
			return result, fmt.Errorf("failed to list expired reservations: %w", err)
		}
		if len(entries) == 0 {
			break
		}

		fresh := 0
		for _, entry := range entries {
			key := entry.Key()
			if _, seen := attempted[key]; seen {
				continue
			}
			attempted[key] = struct{}{}
			fresh++
			result.Scanned++

			movement, err := s.coordinator.Expire(ctx, key, cutoff)
			switch {
			case err != nil:
				result.Failed++
				log.Error().Err(err).Str("reservation", key.String()).Msg("Failed to expire reservation")
				if s.stillListed(ctx, key, cutoff) {
					offset++
				}
			case movement == nil:
				result.Skipped++
			default:
				result.Expired++
			}
		}

		if fresh == 0 || len(entries) < s.config.BatchSize {
			break
		}
	}

	if result.Scanned > 0 {
		log.Info().
			Int("scanned", result.Scanned).
			Int("expired", result.Expired).
			Int("skipped", result.Skipped).
			Int("failed", result.Failed).
			Time("cutoff", cutoff).
			Msg("Expiry sweep finished")
	}
	return result, nil
}

// stillListed reports whether a failed entry is back in the index within the sweep's range
func (s *ExpiryScheduler) stillListed(ctx context.Context, key models.ReservationKey, cutoff time.Time) bool {
	entry, err := s.index.Get(ctx, key)
	if err != nil {
		return true
	}
	return entry != nil && !entry.ReservedAt.After(cutoff)
}

// Schedule arms a one-shot timer for the entry's deadline, replacing any earlier timer for the same key
func (s *ExpiryScheduler) Schedule(entry models.ReservationEntry) {
	delay := entry.ExpiresAt(s.config.ReservationTTL).Sub(s.now()) + s.config.TimerGrace
	if delay < 0 {
		delay = 0
	}
	key := entry.Key()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if armed, ok := s.timers[key]; ok {
		armed.timer.Stop()
	}
	s.nextGen++
	gen := s.nextGen
	s.timers[key] = armedTimer{
		timer: time.AfterFunc(delay, func() { s.fire(key, gen) }),
		gen:   gen,
	}
}

func (s *ExpiryScheduler) fire(key models.ReservationKey, gen uint64) {
	s.mu.Lock()
	if armed, ok := s.timers[key]; ok && armed.gen == gen {
		delete(s.timers, key)
	}
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	movement, err := s.coordinator.Expire(ctx, key, s.now().Add(-s.config.ReservationTTL))
	if err != nil {
		log.Error().Err(err).Str("reservation", key.String()).Msg("Expiry timer failed, sweep will retry")
		return
	}
	if movement != nil {
		log.Info().Str("reservation", key.String()).Int("quantity", movement.Quantity).Msg("Reservation expired by timer")
	}
}

// Pending returns the number of armed timers
func (s *ExpiryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop disarms every timer; later Schedule calls are ignored
func (s *ExpiryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for key, armed := range s.timers {
		armed.timer.Stop()
		delete(s.timers, key)
	}
}
