// Package receiver accepts OTLP metrics, traces and logs over HTTP and gRPC
// and hands the decoded batches to the pipeline.
package receiver

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/szibis/telemetry-governor/internal/logging"
	"github.com/szibis/telemetry-governor/internal/model"
	"github.com/szibis/telemetry-governor/internal/pipeline"
	"github.com/szibis/telemetry-governor/internal/queue"
)

var log = logging.Component("receiver")

// IntervalScaleHeader tells clients by how much to stretch their export
// interval while the pipeline is degraded.
const IntervalScaleHeader = "X-Telemetry-Interval-Scale"

// Sink consumes decoded batches. *pipeline.Pipeline implements it.
type Sink interface {
	Ingest(b *model.TelemetryBatch) error
	IntervalScale() int
}

type outcome int

const (
	accepted outcome = iota
	backpressured
	unavailable
	failed
)

// ingest hands every batch to sink and classifies the first failure.
func ingest(sink Sink, batches []*model.TelemetryBatch) (outcome, error) {
	for _, b := range batches {
		kind, n := b.Kind, b.Len()
		if err := sink.Ingest(b); err != nil {
			switch {
			case errors.Is(err, queue.ErrBackpressure):
				return backpressured, err
			case errors.Is(err, pipeline.ErrStopped), errors.Is(err, queue.ErrClosed):
				return unavailable, err
			}
			return failed, err
		}
		pointsTotal.WithLabelValues(kind.String()).Add(float64(n))
	}
	return accepted, nil
}

func scaleValue(sink Sink) string {
	s := sink.IntervalScale()
	if s < 1 {
		s = 1
	}
	return strconv.Itoa(s)
}

func dialCheck(name, addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%s receiver address %q: %w", name, addr, err)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), time.Second)
	if err != nil {
		return fmt.Errorf("%s receiver not reachable on %s: %w", name, addr, err)
	}
	return conn.Close()
}
