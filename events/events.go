// Package events publishes work order notifications for downstream
// maintenance systems. Publication is best-effort: callers log failures and
// carry on.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/c360studio/repairplanner/storage"
	"github.com/c360studio/repairplanner/workorder"
)

// DefaultSubjectPrefix is the subject root for work order events.
const DefaultSubjectPrefix = "factory.workorders"

// Publisher announces persisted work orders.
type Publisher interface {
	PublishCreated(ctx context.Context, wo *workorder.WorkOrder) error
}

// WorkOrderCreated is the event payload.
type WorkOrderCreated struct {
	ID              string    `json:"id"`
	WorkOrderNumber string    `json:"work_order_number"`
	MachineID       string    `json:"machine_id"`
	FaultType       string    `json:"fault_type"`
	Priority        string    `json:"priority"`
	Steps           int       `json:"steps"`
	EstimatedMins   int       `json:"estimated_total_minutes"`
	CreatedAtUTC    time.Time `json:"created_at_utc"`
}

// NewWorkOrderCreated builds the event payload for wo.
func NewWorkOrderCreated(wo *workorder.WorkOrder) WorkOrderCreated {
	return WorkOrderCreated{
		ID:              wo.ID,
		WorkOrderNumber: wo.WorkOrderNumber,
		MachineID:       wo.MachineID,
		FaultType:       wo.FaultType,
		Priority:        string(wo.Priority),
		Steps:           len(wo.Plan.Steps),
		EstimatedMins:   wo.EstimatedTotalMinutes,
		CreatedAtUTC:    wo.CreatedAtUTC,
	}
}

// CreatedSubject returns <prefix>.created.<machine>, with the machine ID
// escaped into a single subject token.
func CreatedSubject(prefix, machineID string) string {
	return createdRoot(prefix) + storage.EscapeToken(machineID)
}

func createdRoot(prefix string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return strings.TrimSuffix(prefix, ".") + ".created."
}

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// msgConn is the subset of *nats.Conn used for publishing.
type msgConn interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSPublisher publishes events on core NATS with trace context in headers.
type NATSPublisher struct {
	conn   msgConn
	prefix string
}

// NewNATSPublisher creates a publisher on nc under prefix.
func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{conn: nc, prefix: prefix}
}

// PublishCreated implements Publisher.
func (p *NATSPublisher) PublishCreated(ctx context.Context, wo *workorder.WorkOrder) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(NewWorkOrderCreated(wo))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := &nats.Msg{
		Subject: CreatedSubject(p.prefix, wo.MachineID),
		Data:    data,
	}
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// SubscribeCreated delivers decoded events with the publisher's trace context.
// Malformed messages are dropped.
func SubscribeCreated(nc *nats.Conn, prefix string, handler func(context.Context, WorkOrderCreated)) (*nats.Subscription, error) {
	return nc.Subscribe(createdRoot(prefix)+"*", func(msg *nats.Msg) {
		var ev WorkOrderCreated
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg))
		handler(ctx, ev)
	})
}

// Nop discards events.
type Nop struct{}

// PublishCreated implements Publisher.
func (Nop) PublishCreated(context.Context, *workorder.WorkOrder) error {
	return nil
}
