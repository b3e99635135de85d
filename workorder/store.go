package workorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/repairplanner/fault"
	"github.com/c360studio/repairplanner/planner"
	"github.com/c360studio/repairplanner/retry"
	"github.com/c360studio/repairplanner/storage"
)

// DefaultIDAttempts bounds how many fresh IDs are tried when a create collides.
const DefaultIDAttempts = 3

// maxCounterAttempts bounds compare-and-swap races on the daily counter.
const maxCounterAttempts = 32

// Store persists work orders in a storage.Bucket.
//
// Records live at wo.<machine>.<id>, with the machine ID escaped by
// storage.EscapeToken; daily number counters at counter.<yyyymmdd>.
type Store struct {
	bucket     storage.Bucket
	retry      retry.Config
	idAttempts int
	now        func() time.Time
	newID      func() string
	logger     *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithRetryConfig sets the retry policy for transient store errors.
func WithRetryConfig(cfg retry.Config) Option {
	return func(s *Store) {
		s.retry = cfg
	}
}

// WithIDAttempts sets how many IDs are tried on create conflicts.
func WithIDAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.idAttempts = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithIDGenerator overrides the ID source.
func WithIDGenerator(newID func() string) Option {
	return func(s *Store) {
		s.newID = newID
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore creates a store over the work order bucket.
func NewStore(bucket storage.Bucket, opts ...Option) *Store {
	s := &Store{
		bucket:     bucket,
		retry:      retry.StoreConfig(),
		idAttempts: DefaultIDAttempts,
		now:        time.Now,
		newID:      uuid.NewString,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func recordKey(machineID, id string) string {
	return machinePrefix(machineID) + id
}

func machinePrefix(machineID string) string {
	return "wo." + storage.EscapeToken(machineID) + "."
}

func validMachineID(machineID string) error {
	if strings.TrimSpace(machineID) == "" {
		return fmt.Errorf("%w: %q", ErrInvalidMachineID, machineID)
	}
	return nil
}

func counterKey(day time.Time) string {
	return "counter." + day.Format("20060102")
}

// CreateWorkOrder validates plan, allocates a work order number and
// atomically creates the record. Existing records are never overwritten.
func (s *Store) CreateWorkOrder(ctx context.Context, f fault.DiagnosedFault, plan *planner.RepairPlan) (*WorkOrder, error) {
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPlan, err)
	}
	if err := validMachineID(f.MachineID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	wo := &WorkOrder{
		MachineID:             f.MachineID,
		FaultType:             f.FaultType,
		RootCause:             f.RootCause,
		Severity:              f.Severity,
		Priority:              plan.Priority,
		Plan:                  *plan,
		EstimatedTotalMinutes: plan.TotalMinutes(),
		Status:                StatusCreated,
		CreatedAtUTC:          now,
	}

	number, err := s.allocateNumber(ctx, now)
	if err != nil {
		return nil, s.failure(ctx, "allocate number", err)
	}
	wo.WorkOrderNumber = number

	for idAttempt := 1; idAttempt <= s.idAttempts; idAttempt++ {
		wo.ID = s.newID()
		data, err := json.Marshal(wo)
		if err != nil {
			return nil, fmt.Errorf("marshal work order: %w", err)
		}

		var rev uint64
		_, err = retry.Do(ctx, s.retry, storage.IsTransient, func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := s.bucket.Create(ctx, recordKey(wo.MachineID, wo.ID), data)
			rev = r
			return err
		})
		if err == nil {
			wo.Revision = rev
			s.logger.Info("Work order created",
				"work_order_number", wo.WorkOrderNumber,
				"id", wo.ID,
				"machine_id", wo.MachineID)
			return wo, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, s.failure(ctx, "create", err)
		}
		s.logger.Warn("Work order id collision, regenerating",
			"id", wo.ID,
			"machine_id", wo.MachineID,
			"attempt", idAttempt)
	}

	return nil, &PersistenceError{
		Op:  "create",
		Err: fmt.Errorf("id collided %d times: %w", s.idAttempts, storage.ErrConflict),
	}
}

// failure classifies a store error. Cancellation is reported as-is so callers
// can tell it apart from an unavailable store.
func (s *Store) failure(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &PersistenceError{Op: op, Err: err}
}

// allocateNumber advances the daily counter and formats WO-YYYYMMDD-NNNN.
func (s *Store) allocateNumber(ctx context.Context, now time.Time) (string, error) {
	var seq int
	_, err := retry.Do(ctx, s.retry, storage.IsTransient, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := s.nextSequence(ctx, counterKey(now))
		seq = n
		return err
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("WO-%s-%04d", now.Format("20060102"), seq), nil
}

func (s *Store) nextSequence(ctx context.Context, key string) (int, error) {
	for i := 0; i < maxCounterAttempts; i++ {
		entry, err := s.bucket.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			if _, err := s.bucket.Create(ctx, key, []byte("1")); err != nil {
				if errors.Is(err, storage.ErrConflict) {
					continue
				}
				return 0, err
			}
			return 1, nil
		}
		if err != nil {
			return 0, err
		}

		current, err := strconv.Atoi(strings.TrimSpace(string(entry.Value)))
		if err != nil {
			return 0, fmt.Errorf("counter %s is corrupt: %w", key, err)
		}
		next := current + 1
		if _, err := s.bucket.Update(ctx, key, []byte(strconv.Itoa(next)), entry.Revision); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return 0, err
		}
		return next, nil
	}
	return 0, fmt.Errorf("counter %s: %d lost races: %w", key, maxCounterAttempts, storage.ErrConflict)
}

// Get reads one work order.
func (s *Store) Get(ctx context.Context, machineID, id string) (*WorkOrder, error) {
	if err := validMachineID(machineID); err != nil {
		return nil, err
	}
	entry, err := s.bucket.Get(ctx, recordKey(machineID, id))
	if err != nil {
		return nil, fmt.Errorf("get work order %s: %w", id, err)
	}
	return decode(entry)
}

// ListByMachine returns the machine's work orders, oldest first.
func (s *Store) ListByMachine(ctx context.Context, machineID string) ([]*WorkOrder, error) {
	if err := validMachineID(machineID); err != nil {
		return nil, err
	}

	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list work orders: %w", err)
	}

	prefix := machinePrefix(machineID)
	var orders []*WorkOrder
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.bucket.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
		wo, err := decode(entry)
		if err != nil {
			return nil, err
		}
		orders = append(orders, wo)
	}

	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAtUTC.Equal(orders[j].CreatedAtUTC) {
			return orders[i].CreatedAtUTC.Before(orders[j].CreatedAtUTC)
		}
		return orders[i].WorkOrderNumber < orders[j].WorkOrderNumber
	})
	return orders, nil
}

func decode(entry *storage.Entry) (*WorkOrder, error) {
	var wo WorkOrder
	if err := json.Unmarshal(entry.Value, &wo); err != nil {
		return nil, fmt.Errorf("decode work order %s: %w", entry.Key, err)
	}
	wo.Revision = entry.Revision
	return &wo, nil
}
