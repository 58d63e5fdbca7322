package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"inventory-ledger/internal/interfaces"
	"inventory-ledger/internal/models"
)

// AsyncNotifier decouples the movement engine from the low-stock sink.
// OnLowStock never blocks: when the buffer is full the signal is dropped.
type AsyncNotifier struct {
	sink    interfaces.LowStockNotifier
	queue   chan models.LowStockSignal
	workers int
	wg      sync.WaitGroup
	dropped atomic.Int64
}

func NewAsyncNotifier(sink interfaces.LowStockNotifier, workers, buffer int) *AsyncNotifier {
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = 1
	}
	return &AsyncNotifier{
		sink:    sink,
		queue:   make(chan models.LowStockSignal, buffer),
		workers: workers,
	}
}

var _ interfaces.LowStockNotifier = (*AsyncNotifier)(nil)

// Start launches the worker pool; workers exit when ctx is done
func (n *AsyncNotifier) Start(ctx context.Context) {
	for i := 0; i < n.workers; i++ {
		n.wg.Add(1)
		go n.worker(ctx, i)
	}
	log.Info().Int("workers", n.workers).Int("buffer", cap(n.queue)).Msg("Started low-stock notifier")
}

// Wait blocks until every worker has exited
func (n *AsyncNotifier) Wait() {
	n.wg.Wait()
}

func (n *AsyncNotifier) OnLowStock(_ context.Context, signal models.LowStockSignal) error {
	select {
	case n.queue <- signal:
	default:
		n.dropped.Add(1)
		log.Warn().
			Str("variant_id", signal.VariantID).
			Str("warehouse_id", signal.WarehouseID).
			Int("available", signal.Available).
			Msg("Low-stock queue full, dropping signal")
	}
	return nil
}

// Dropped returns how many signals were discarded on a full buffer
func (n *AsyncNotifier) Dropped() int64 {
	return n.dropped.Load()
}

func (n *AsyncNotifier) worker(ctx context.Context, id int) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Int("worker", id).Msg("Low-stock worker stopped")
			return
		case signal := <-n.queue:
			n.deliver(ctx, signal)
		}
	}
}

func (n *AsyncNotifier) deliver(ctx context.Context, signal models.LowStockSignal) {
	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := n.sink.OnLowStock(sendCtx, signal); err != nil {
		log.Error().Err(err).
			Str("variant_id", signal.VariantID).
			Str("warehouse_id", signal.WarehouseID).
			Msg("Failed to deliver low-stock signal")
	}
}

// LogSink writes low-stock signals to the log. Used when no broker is configured.
type LogSink struct{}

func (LogSink) OnLowStock(_ context.Context, signal models.LowStockSignal) error {
	log.Warn().
		Str("variant_id", signal.VariantID).
		Str("warehouse_id", signal.WarehouseID).
		Int("available", signal.Available).
		Int("threshold", signal.Threshold).
		Str("movement_id", signal.MovementID.String()).
		Msg("Low stock")
	return nil
}
