package dlq

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/szibis/telemetry-governor/internal/model"
)

// Records use Core Deterministic Encoding so identical items produce
// identical bytes. Times are stored as unix nanoseconds.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("dlq: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("dlq: CBOR decoder initialization failed: " + err.Error())
	}
}

type wireLabel struct {
	_     struct{} `cbor:",toarray"`
	Key   string
	Value string
}

type wirePoint struct {
	Name    string      `cbor:"1,keyasint"`
	Labels  []wireLabel `cbor:"2,keyasint,omitempty"`
	Time    int64       `cbor:"3,keyasint"`
	Value   float64     `cbor:"4,keyasint"`
	Numeric bool        `cbor:"5,keyasint,omitempty"`
	Payload []byte      `cbor:"6,keyasint,omitempty"`
	Lossy   bool        `cbor:"7,keyasint,omitempty"`
}

type wireRecord struct {
	Priority   uint8       `cbor:"1,keyasint"`
	Kind       uint8       `cbor:"2,keyasint"`
	EnqueuedAt int64       `cbor:"3,keyasint"`
	SpilledAt  int64       `cbor:"4,keyasint"`
	Reason     string      `cbor:"5,keyasint,omitempty"`
	BatchID    uint64      `cbor:"6,keyasint"`
	Resource   []wireLabel `cbor:"7,keyasint,omitempty"`
	Scope      string      `cbor:"8,keyasint,omitempty"`
	ReceivedAt int64       `cbor:"9,keyasint"`
	Points     []wirePoint `cbor:"10,keyasint"`
}

func toWireLabels(ls model.LabelSet) []wireLabel {
	if len(ls) == 0 {
		return nil
	}
	out := make([]wireLabel, len(ls))
	for i, l := range ls {
		out[i] = wireLabel{Key: l.Key, Value: l.Value}
	}
	return out
}

func fromWireLabels(ws []wireLabel) model.LabelSet {
	if len(ws) == 0 {
		return nil
	}
	out := make(model.LabelSet, len(ws))
	for i, w := range ws {
		out[i] = model.Label{Key: w.Key, Value: w.Value}
	}
	return out
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// encodeRecord appends a length-prefixed CBOR record for item to dst.
func encodeRecord(dst []byte, item model.QueueItem, reason string, spilledAt time.Time) ([]byte, error) {
	b := item.Batch
	if b == nil {
		return dst, fmt.Errorf("dlq: item has no batch")
	}
	rec := wireRecord{
		Priority:   uint8(item.Priority),
		Kind:       uint8(b.Kind),
		EnqueuedAt: unixNano(item.EnqueuedAt),
		SpilledAt:  unixNano(spilledAt),
		Reason:     reason,
		BatchID:    b.ID,
		Resource:   toWireLabels(b.Resource),
		Scope:      b.Scope,
		ReceivedAt: unixNano(b.ReceivedAt),
		Points:     make([]wirePoint, len(b.Points)),
	}
	for i := range b.Points {
		p := &b.Points[i]
		rec.Points[i] = wirePoint{
			Name:    p.Name,
			Labels:  toWireLabels(p.Labels),
			Time:    p.TimeUnixNano,
			Value:   p.Value,
			Numeric: p.Numeric,
			Payload: p.Payload,
			Lossy:   p.Lossy,
		}
	}
	data, err := encMode.Marshal(&rec)
	if err != nil {
		return dst, fmt.Errorf("dlq: encode record: %w", err)
	}
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(data)))
	return append(dst, data...), nil
}

// decodeRecord restores a queue item. The recorded priority is kept and the
// item is marked as replayed.
func decodeRecord(data []byte) (model.QueueItem, error) {
	var rec wireRecord
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return model.QueueItem{}, fmt.Errorf("%w: decode record: %v", ErrCorrupted, err)
	}
	prio := model.Priority(rec.Priority)
	if !prio.Valid() {
		return model.QueueItem{}, fmt.Errorf("%w: invalid priority %d", ErrCorrupted, rec.Priority)
	}
	kind := model.SignalKind(rec.Kind)
	if int(kind) >= model.NumKinds {
		return model.QueueItem{}, fmt.Errorf("%w: invalid signal kind %d", ErrCorrupted, rec.Kind)
	}
	b := &model.TelemetryBatch{
		ID:         rec.BatchID,
		Kind:       kind,
		Resource:   fromWireLabels(rec.Resource),
		Scope:      rec.Scope,
		Priority:   prio,
		ReceivedAt: fromUnixNano(rec.ReceivedAt),
		Points:     make([]model.DataPoint, len(rec.Points)),
	}
	for i, p := range rec.Points {
		b.Points[i] = model.DataPoint{
			Name:         p.Name,
			Labels:       fromWireLabels(p.Labels),
			TimeUnixNano: p.Time,
			Value:        p.Value,
			Numeric:      p.Numeric,
			Payload:      p.Payload,
			Lossy:        p.Lossy,
		}
	}
	return model.QueueItem{
		Batch:      b,
		Priority:   prio,
		EnqueuedAt: fromUnixNano(rec.EnqueuedAt),
		Replayed:   true,
	}, nil
}
