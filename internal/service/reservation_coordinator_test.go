package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inventory-ledger/internal/models"
)

func TestReservationCoordinator_ReserveThenRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.stock(t, "v1", "w1", 10)

	result, err := h.coordinator.Reserve(ctx, "v1", 10, "holder-a")
	require.NoError(t, err)
	assert.Equal(t, "w1", result.WarehouseID)
	assert.Equal(t, 10, result.Quantity)
	assert.Equal(t, h.clock.Now().Add(testTTL), result.ExpiresAt)
	assert.Equal(t, 0, h.level(t, "v1", "w1").Available())

	_, err = h.coordinator.Reserve(ctx, "v1", 1, "holder-b")
	require.Error(t, err)
	assert.True(t, models.IsStockRejection(err))

	require.NoError(t, h.coordinator.Unreserve(ctx, "v1", "w1", 10, "holder-a"))
	assert.Equal(t, 10, h.level(t, "v1", "w1").Available())

	reserve := h.movementsOfKind(models.MovementReserve)
	require.Len(t, reserve, 1)
	assert.Equal(t, models.ReferenceCart, reserve[0].ReferenceType)
	assert.Equal(t, "holder-a", reserve[0].ReferenceID)

	unreserve := h.movementsOfKind(models.MovementUnreserve)
	require.Len(t, unreserve, 1)
	assert.Equal(t, models.ReasonReleased, unreserve[0].ReasonCode)
}

func TestReservationCoordinator_NoStockAvailable(t *testing.T) {
	h := newHarness(t)

	_, err := h.coordinator.Reserve(context.Background(), "v1", 1, "holder-a")
	assert.ErrorIs(t, err, models.ErrNoStockAvailable)

	_, err = h.coordinator.Reserve(context.Background(), "v1", 0, "holder-a")
	assert.True(t, models.IsValidationError(err))
	_, err = h.coordinator.Reserve(context.Background(), "v1", 1, "")
	assert.True(t, models.IsValidationError(err))
}

func TestReservationCoordinator_PicksGreatestOnHand(t *testing.T) {
	h := newHarness(t)
	h.stock(t, "v1", "w1", 4)
	h.stock(t, "v1", "w2", 9)

	result, err := h.coordinator.Reserve(context.Background(), "v1", 2, "holder-a")
	require.NoError(t, err)
	assert.Equal(t, "w2", result.WarehouseID)
}

func TestReservationCoordinator_UnreserveIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.stock(t, "v1", "w1", 10)
	_, err := h.coordinator.Reserve(ctx, "v1", 3, "holder-a")
	require.NoError(t, err)

	require.NoError(t, h.coordinator.Unreserve(ctx, "v1", "w1", 3, "holder-a"))
	require.NoError(t, h.coordinator.Unreserve(ctx, "v1", "w1", 3, "holder-a"))

	assert.Equal(t, 0, h.level(t, "v1", "w1").Reserved)
	assert.Len(t, h.movementsOfKind(models.MovementUnreserve), 1)
}

func TestReservationCoordinator_UnreserveMoreThanHeldIsCapped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.stock(t, "v1", "w1", 10)
	_, err := h.coordinator.Reserve(ctx, "v1", 2, "holder-a")
	require.NoError(t, err)
	_, err = h.coordinator.Reserve(ctx, "v1", 3, "holder-b")
	require.NoError(t, err)

	require.NoError(t, h.coordinator.Unreserve(ctx, "v1", "w1", 5, "holder-a"))

	assert.Equal(t, 3, h.level(t, "v1", "w1").Reserved, "holder-b keeps its hold")
	unreserve := h.movementsOfKind(models.MovementUnreserve)
	require.Len(t, unreserve, 1)
	assert.Equal(t, 2, unreserve[0].Quantity)
}

func TestReservationCoordinator_ConcurrentReserveNeverOversells(t *testing.T) {
	h := newHarness(t)
	h.stock(t, "v1", "w1", 10)

	const buyers = 40
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		won      int
		rejected int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.coordinator.Reserve(context.Background(), "v1", 1, "holder-"+string(rune('A'+i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case models.IsStockRejection(err):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, won)
	assert.Equal(t, buyers-10, rejected)
	level := h.level(t, "v1", "w1")
	assert.Equal(t, 10, level.Reserved)
	assert.Equal(t, 0, level.Available())
}

func TestReservationCoordinator_RandomizedConcurrentReserves(t *testing.T) {
	for seed := int64(1); seed <= 25; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			h := newHarness(t)
			ctx := context.Background()

			stock := 1 + rng.Intn(30)
			h.stock(t, "v1", "w1", stock)

			buyers := 2 + rng.Intn(40)
			quantities := make([]int, buyers)
			for i := range quantities {
				quantities[i] = 1 + rng.Intn(4)
			}

			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				granted  int
				rejected []int
			)
			for i, qty := range quantities {
				wg.Add(1)
				go func(i, qty int) {
					defer wg.Done()
					_, err := h.coordinator.Reserve(ctx, "v1", qty, fmt.Sprintf("holder-%d", i))
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						granted += qty
					case models.IsStockRejection(err):
						rejected = append(rejected, qty)
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}(i, qty)
			}
			wg.Wait()

			level := h.level(t, "v1", "w1")
			assert.LessOrEqual(t, granted, stock)
			assert.Equal(t, stock, level.OnHand)
			assert.Equal(t, granted, level.Reserved)
			assert.GreaterOrEqual(t, level.Available(), 0)
			for _, qty := range rejected {
				assert.Less(t, level.Available(), qty, "a rejected request could not have fit at the end either")
			}

			entries, err := h.index.ListExpired(ctx, h.clock.Now().Add(time.Hour), 0, 0)
			require.NoError(t, err)
			indexed := 0
			for _, entry := range entries {
				indexed += entry.Quantity
			}
			assert.Equal(t, level.Reserved, indexed, "index agrees with the ledger")
		})
	}
}

func TestReservationCoordinator_IndexFailureCompensates(t *testing.T) {
	h := newHarness(t)
	h.stock(t, "v1", "w1", 10)
	h.index.failUpsert.Store(true)

	_, err := h.coordinator.Reserve(context.Background(), "v1", 4, "holder-a")
	var se *models.SystemError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, models.ErrorCodeCacheError, se.Code)

	assert.Equal(t, 0, h.level(t, "v1", "w1").Reserved)
	assert.Len(t, h.movementsOfKind(models.MovementReserve), 1)
	assert.Len(t, h.movementsOfKind(models.MovementUnreserve), 1)

	entries, err := h.coordinator.ListHolderReservations(context.Background(), "holder-a")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReservationCoordinator_FailedUnreserveRestoresClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.stock(t, "v1", "w1", 10)
	_, err := h.coordinator.Reserve(ctx, "v1", 4, "holder-a")
	require.NoError(t, err)

	h.store.failNext.Store(true)
	err = h.coordinator.Unreserve(ctx, "v1", "w1", 4, "holder-a")
	assert.True(t, models.IsSystemError(err))

	entries, err := h.coordinator.ListHolderReservations(ctx, "holder-a")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 4, entries[0].Quantity)
	assert.Equal(t, 4, h.level(t, "v1", "w1").Reserved)

	require.NoError(t, h.coordinator.Unreserve(ctx, "v1", "w1", 4, "holder-a"))
	assert.Equal(t, 0, h.level(t, "v1", "w1").Reserved)
}

func TestReservationCoordinator_StaleEntryDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.stock(t, "v1", "w1", 10)
	key := models.ReservationKey{VariantID: "v1", WarehouseID: "w1", HolderID: "holder-a"}
	_, err := h.index.Upsert(ctx, key, 2, h.clock.Now())
	require.NoError(t, err)

	err = h.coordinator.Unreserve(ctx, "v1", "w1", 2, "holder-a")
	assert.ErrorIs(t, err, models.ErrInvalidReservationState)

	entry, err := h.index.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestReservationCoordinator_AdjustReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.stock(t, "v1", "w1", 10)
	h.stock(t, "v1", "w2", 5)

	_, err := h.coordinator.Reserve(ctx, "v1", 1, "holder-a")
	require.NoError(t, err)
	h.stock(t, "v1", "w2", 20)

	grown, err := h.coordinator.AdjustReservation(ctx, "v1", "", 2, "holder-a")
	require.NoError(t, err)
	assert.Equal(t, "w1", grown.WarehouseID, "growth stays where the holder already reserves")
	assert.Equal(t, 2, grown.Quantity)

	shrunk, err := h.coordinator.AdjustReservation(ctx, "v1", "w1", -1, "holder-a")
	require.NoError(t, err)
	assert.Equal(t, -1, shrunk.Quantity)

	noop, err := h.coordinator.AdjustReservation(ctx, "v1", "w1", 0, "holder-a")
	require.NoError(t, err)
	assert.Equal(t, 0, noop.Quantity)

	_, err = h.coordinator.AdjustReservation(ctx, "v1", "", -1, "holder-a")
	assert.True(t, models.IsValidationError(err))

	entries, err := h.coordinator.ListHolderReservations(ctx, "holder-a")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Quantity)
	assert.Equal(t, 2, h.level(t, "v1", "w1").Reserved)
	assert.Equal(t, 0, h.level(t, "v1", "w2").Reserved)

	fresh, err := h.coordinator.AdjustReservation(ctx, "v1", "", 3, "holder-b")
	require.NoError(t, err)
	assert.Equal(t, "w2", fresh.WarehouseID, "a new holder goes through the policy")
}

func TestReservationCoordinator_Transfer(t *testing.T) {
	h := newHarness(t)
	h.stock(t, "v1", "A", 10)
	_, err := h.ledger.SetLowStockThreshold(context.Background(), "v1", "B", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, h.level(t, "v1", "B").OnHand)

	result, err := h.coordinator.Transfer(context.Background(), "A", "B", "v1", 4, "admin-1")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, models.TransferStatusCommitted, result.Status)
	assert.Equal(t, 6, h.level(t, "v1", "A").OnHand)
	assert.Equal(t, 4, h.level(t, "v1", "B").OnHand)

	out := h.movementsOfKind(models.MovementTransferOut)
	in := h.movementsOfKind(models.MovementTransferIn)
	require.Len(t, out, 1)
	require.Len(t, in, 1)
	assert.Equal(t, result.OutID, out[0].ID)
	assert.Equal(t, result.InID, in[0].ID)
	assert.Equal(t, result.TransferID.String(), out[0].ReferenceID)
	assert.Equal(t, out[0].ReferenceID, in[0].ReferenceID)
	assert.Equal(t, models.ReferenceTransfer, in[0].ReferenceType)
	require.NotNil(t, out[0].ActorID)
	assert.Equal(t, "admin-1", *out[0].ActorID)
}

func TestReservationCoordinator_TransferRejected(t *testing.T) {
	h := newHarness(t)
	h.stock(t, "v1", "A", 3)

	_, err := h.coordinator.Transfer(context.Background(), "A", "A", "v1", 1, "admin-1")
	assert.True(t, models.IsValidationError(err))

	_, err = h.coordinator.Transfer(context.Background(), "A", "B", "v1", 5, "admin-1")
	assert.ErrorIs(t, err, models.ErrInsufficientOnHand)
	assert.Equal(t, 3, h.level(t, "v1", "A").OnHand)
	level, err := h.store.GetLevel(context.Background(), models.LevelKey{VariantID: "v1", WarehouseID: "B"})
	require.NoError(t, err)
	assert.Nil(t, level, "rolled back transfer leaves no destination row")
}

func TestReservationCoordinator_CompleteOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.stock(t, "v1", "w1", 10)
	h.stock(t, "v2", "w1", 10)
	_, err := h.coordinator.Reserve(ctx, "v1", 2, "cart-1")
	require.NoError(t, err)
	_, err = h.coordinator.Reserve(ctx, "v2", 3, "cart-1")
	require.NoError(t, err)

	movements, err := h.coordinator.CompleteOrder(ctx, "cart-1", "order-1")
	require.NoError(t, err)
	require.Len(t, movements, 4)
	assert.Equal(t, models.MovementUnreserve, movements[0].Kind)
	assert.Equal(t, models.ReasonConsumed, movements[0].ReasonCode)
	assert.Equal(t, models.MovementIssueSale, movements[1].Kind)
	assert.Equal(t, "order-1", movements[1].ReferenceID)

	for variant, qty := range map[string]int{"v1": 2, "v2": 3} {
		level := h.level(t, variant, "w1")
		assert.Equal(t, 10-qty, level.OnHand)
		assert.Equal(t, 0, level.Reserved)
	}

	again, err := h.coordinator.CompleteOrder(ctx, "cart-1", "order-1")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestReservationCoordinator_CompleteOrderFailureRestores(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.stock(t, "v1", "w1", 10)
	_, err := h.coordinator.Reserve(ctx, "v1", 2, "cart-1")
	require.NoError(t, err)

	h.store.failNext.Store(true)
	movements, err := h.coordinator.CompleteOrder(ctx, "cart-1", "order-1")
	require.Error(t, err)
	assert.True(t, models.IsSystemError(err))
	assert.Empty(t, movements)

	entries, err := h.coordinator.ListHolderReservations(ctx, "cart-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Quantity)

	movements, err = h.coordinator.CompleteOrder(ctx, "cart-1", "order-1")
	require.NoError(t, err)
	assert.Len(t, movements, 2)
}

func TestReservationCoordinator_ReleaseHolder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.stock(t, "v1", "w1", 10)
	h.stock(t, "v2", "w1", 10)
	_, err := h.coordinator.Reserve(ctx, "v1", 2, "cart-1")
	require.NoError(t, err)
	_, err = h.coordinator.Reserve(ctx, "v2", 1, "cart-1")
	require.NoError(t, err)

	released, err := h.coordinator.ReleaseHolder(ctx, "cart-1")
	require.NoError(t, err)
	assert.Equal(t, 2, released)
	assert.Equal(t, 0, h.level(t, "v1", "w1").Reserved)
	assert.Equal(t, 0, h.level(t, "v2", "w1").Reserved)

	released, err = h.coordinator.ReleaseHolder(ctx, "cart-1")
	require.NoError(t, err)
	assert.Equal(t, 0, released)
}

func TestReservationCoordinator_Expire(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.stock(t, "v1", "w1", 10)
	_, err := h.coordinator.Reserve(ctx, "v1", 2, "cart-1")
	require.NoError(t, err)
	key := models.ReservationKey{VariantID: "v1", WarehouseID: "w1", HolderID: "cart-1"}

	movement, err := h.coordinator.Expire(ctx, key, h.clock.Now().Add(-time.Second))
	require.NoError(t, err)
	assert.Nil(t, movement)

	movement, err = h.coordinator.Expire(ctx, key, h.clock.Now())
	require.NoError(t, err)
	require.NotNil(t, movement)
	assert.Equal(t, models.ReasonExpired, movement.ReasonCode)
	assert.Equal(t, 0, h.level(t, "v1", "w1").Reserved)
}
