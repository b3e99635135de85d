// Package workorder materializes validated repair plans as persisted work
// orders.
package workorder

import (
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/repairplanner/fault"
	"github.com/c360studio/repairplanner/planner"
)

// Status is the lifecycle state of a work order.
type Status string

const (
	StatusCreated    Status = "Created"
	StatusInProgress Status = "InProgress"
	StatusCompleted  Status = "Completed"
	StatusCancelled  Status = "Cancelled"
)

// WorkOrder is the durable record of authorized repair work. MachineID is
// the partition key.
type WorkOrder struct {
	ID              string `json:"id"`
	WorkOrderNumber string `json:"work_order_number"`
	MachineID       string `json:"machine_id"`
	FaultType       string `json:"fault_type"`
	RootCause       string `json:"root_cause"`
	Severity        string `json:"severity"`

	Priority              fault.Priority     `json:"priority"`
	Plan                  planner.RepairPlan `json:"plan"`
	EstimatedTotalMinutes int                `json:"estimated_total_minutes"`
	Status                Status             `json:"status"`
	CreatedAtUTC          time.Time          `json:"created_at_utc"`

	// Revision is the store revision of the record.
	Revision uint64 `json:"-"`
}

// Sentinel errors for work order operations.
var (
	ErrInvalidPlan      = errors.New("invalid repair plan")
	ErrInvalidMachineID = errors.New("invalid machine id")
)

// PersistenceError reports a store failure that survived retries. It is
// terminal for the batch.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist work order (%s): %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
