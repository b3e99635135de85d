package workorder

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/repairplanner/fault"
	"github.com/c360studio/repairplanner/planner"
	"github.com/c360studio/repairplanner/retry"
	"github.com/c360studio/repairplanner/storage"
)

var fastRetry = retry.Config{
	MaxAttempts: 3,
	BaseDelay:   time.Millisecond,
	Multiplier:  1.5,
	MaxDelay:    5 * time.Millisecond,
}

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.FixedZone("CET", 3600))

func testFault() fault.DiagnosedFault {
	return fault.DiagnosedFault{
		MachineID: "M-123",
		FaultType: "curing_temperature_excessive",
		RootCause: "Heater element drift",
		Severity:  "high",
	}
}

func testPlan() *planner.RepairPlan {
	return &planner.RepairPlan{
		Steps: []planner.Step{
			{Description: "Inspect heater", EstimatedMinutes: 30},
			{Description: "Replace thermocouple", EstimatedMinutes: 45, RequiredParts: []string{"thermocouple type K"}},
		},
		Confidence: 0.8,
		Priority:   fault.PriorityHigh,
	}
}

func sequentialIDs(ids ...string) func() string {
	var i atomic.Int32
	return func() string {
		n := int(i.Add(1)) - 1
		if n < len(ids) {
			return ids[n]
		}
		return fmt.Sprintf("id-%d", n)
	}
}

func newTestStore(bucket storage.Bucket, opts ...Option) *Store {
	base := []Option{WithRetryConfig(fastRetry), WithClock(func() time.Time { return fixedNow })}
	return NewStore(bucket, append(base, opts...)...)
}

func TestCreateWorkOrder(t *testing.T) {
	bucket := storage.NewMemoryBucket()
	store := newTestStore(bucket)

	wo, err := store.CreateWorkOrder(context.Background(), testFault(), testPlan())
	require.NoError(t, err)

	assert.NotEmpty(t, wo.ID)
	assert.Equal(t, "WO-20260314-0001", wo.WorkOrderNumber)
	assert.Equal(t, StatusCreated, wo.Status)
	assert.Equal(t, "M-123", wo.MachineID)
	assert.Equal(t, fault.PriorityHigh, wo.Priority)
	assert.Equal(t, 75, wo.EstimatedTotalMinutes)
	assert.Equal(t, time.UTC, wo.CreatedAtUTC.Location())
	assert.Equal(t, fixedNow.UTC(), wo.CreatedAtUTC)
	assert.NotZero(t, wo.Revision)

	got, err := store.Get(context.Background(), "M-123", wo.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(wo, got, cmpopts.EquateApproxTime(0)); diff != "" {
		t.Errorf("stored work order mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateWorkOrder_NumbersAreMonotonicPerDay(t *testing.T) {
	bucket := storage.NewMemoryBucket()
	now := fixedNow
	store := newTestStore(bucket, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	first, err := store.CreateWorkOrder(ctx, testFault(), testPlan())
	require.NoError(t, err)
	second, err := store.CreateWorkOrder(ctx, testFault(), testPlan())
	require.NoError(t, err)

	now = fixedNow.Add(24 * time.Hour)
	nextDay, err := store.CreateWorkOrder(ctx, testFault(), testPlan())
	require.NoError(t, err)

	assert.Equal(t, "WO-20260314-0001", first.WorkOrderNumber)
	assert.Equal(t, "WO-20260314-0002", second.WorkOrderNumber)
	assert.Equal(t, "WO-20260315-0001", nextDay.WorkOrderNumber)
}

func TestCreateWorkOrder_ConcurrentNumbersUnique(t *testing.T) {
	bucket := storage.NewMemoryBucket()
	store := newTestStore(bucket)

	const n = 20
	var wg sync.WaitGroup
	numbers := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wo, err := store.CreateWorkOrder(context.Background(), testFault(), testPlan())
			if assert.NoError(t, err) {
				numbers[i] = wo.WorkOrderNumber
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, num := range numbers {
		assert.False(t, seen[num], "duplicate number %s", num)
		seen[num] = true
	}
	assert.True(t, seen["WO-20260314-0020"])
}

func TestCreateWorkOrder_InvalidPlanNoIO(t *testing.T) {
	bucket := storage.NewMemoryBucket()
	bucket.Intercept = func(op storage.Op, key string) error {
		t.Errorf("unexpected %s %s", op, key)
		return nil
	}
	store := newTestStore(bucket)

	tests := []struct {
		name string
		plan *planner.RepairPlan
	}{
		{"nil", nil},
		{"empty", &planner.RepairPlan{Confidence: 0.9}},
		{"negative minutes", &planner.RepairPlan{Steps: []planner.Step{{Description: "a", EstimatedMinutes: -1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.CreateWorkOrder(context.Background(), testFault(), tt.plan)
			assert.ErrorIs(t, err, ErrInvalidPlan)
		})
	}
	assert.Equal(t, 0, bucket.Len())
}

func TestCreateWorkOrder_BlankMachineID(t *testing.T) {
	bucket := storage.NewMemoryBucket()
	store := newTestStore(bucket)
	f := testFault()
	f.MachineID = "  "

	_, err := store.CreateWorkOrder(context.Background(), f, testPlan())
	assert.ErrorIs(t, err, ErrInvalidMachineID)
	assert.Equal(t, 0, bucket.Len())
}

func TestCreateWorkOrder_MachineIDWithKeySeparators(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(storage.NewMemoryBucket())

	dotted := testFault()
	dotted.MachineID = "Press 7.A"
	wo, err := store.CreateWorkOrder(ctx, dotted, testPlan())
	require.NoError(t, err)
	assert.Equal(t, "Press 7.A", wo.MachineID)

	plain := testFault()
	plain.MachineID = "Press"
	_, err = store.CreateWorkOrder(ctx, plain, testPlan())
	require.NoError(t, err)

	got, err := store.Get(ctx, "Press 7.A", wo.ID)
	require.NoError(t, err)
	assert.Equal(t, wo.WorkOrderNumber, got.WorkOrderNumber)

	orders, err := store.ListByMachine(ctx, "Press 7.A")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, wo.ID, orders[0].ID)

	orders, err = store.ListByMachine(ctx, "Press")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "Press", orders[0].MachineID)
}
