// Package model defines the batch, data point and priority types shared by
// every pipeline stage.
package model

import (
	"fmt"
	"strings"
	"time"
)

// SignalKind identifies the telemetry signal a batch carries.
type SignalKind uint8

const (
	KindMetric SignalKind = iota
	KindTrace
	KindLog
)

// NumKinds is the number of signal kinds.
const NumKinds = 3

func (k SignalKind) String() string {
	switch k {
	case KindMetric:
		return "metric"
	case KindTrace:
		return "trace"
	case KindLog:
		return "log"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseSignalKind accepts "metric(s)", "trace(s)", "log(s)".
func ParseSignalKind(s string) (SignalKind, error) {
	switch strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "s") {
	case "metric":
		return KindMetric, nil
	case "trace":
		return KindTrace, nil
	case "log":
		return KindLog, nil
	}
	return 0, fmt.Errorf("unknown signal kind %q", s)
}

// Priority is the delivery class of a batch. Lower values are more important.
type Priority uint8

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
)

// NumPriorities is the number of priority classes.
const NumPriorities = 3

// Priorities lists every class from most to least important.
var Priorities = [NumPriorities]Priority{PriorityCritical, PriorityHigh, PriorityNormal}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

// Valid reports whether p is a known class.
func (p Priority) Valid() bool {
	return p < NumPriorities
}

// ParsePriority parses a class name.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// DataPoint is one metric sample, span or log record.
type DataPoint struct {
	// Name is the metric name, span name or log severity text.
	Name         string
	Labels       LabelSet
	TimeUnixNano int64
	Value        float64
	// Numeric is set for gauge and sum points whose Value is meaningful.
	Numeric bool
	// Payload is the proto-encoded single-record OTLP message this point was
	// decoded from. Nil for aggregated points.
	Payload []byte
	// Lossy marks points produced by an aggregation that discarded dimensions
	// above the lossy threshold.
	Lossy bool
}

// TelemetryBatch is the unit of scheduling, export and spill.
type TelemetryBatch struct {
	ID         uint64
	Kind       SignalKind
	Resource   LabelSet
	Scope      string
	Points     []DataPoint
	Priority   Priority
	ReceivedAt time.Time
}

// Len returns the number of points.
func (b *TelemetryBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Points)
}

// SizeBytes estimates the in-memory weight of the batch.
func (b *TelemetryBatch) SizeBytes() int {
	if b == nil {
		return 0
	}
	n := 64 + len(b.Scope) + b.Resource.size()
	for i := range b.Points {
		p := &b.Points[i]
		n += 48 + len(p.Name) + len(p.Payload) + p.Labels.size()
	}
	return n
}

// CloneWith returns a shallow copy of the batch header holding points.
func (b *TelemetryBatch) CloneWith(points []DataPoint) *TelemetryBatch {
	c := *b
	c.Points = points
	return &c
}

// QueueItem is what the priority queue, export workers and DLQ move around.
type QueueItem struct {
	Batch      *TelemetryBatch
	Priority   Priority
	EnqueuedAt time.Time
	// Replayed is set for items re-entering the queue from the DLQ.
	Replayed bool
}

// NewQueueItem wraps a classified batch.
func NewQueueItem(b *TelemetryBatch, now time.Time) QueueItem {
	return QueueItem{Batch: b, Priority: b.Priority, EnqueuedAt: now}
}
