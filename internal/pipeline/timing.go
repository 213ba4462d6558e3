package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	stageSeconds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_governor_stage_seconds_total",
		Help: "Wall-clock seconds spent in each pipeline stage",
	}, []string{"stage"})

	stagePoints = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_governor_stage_points_total",
		Help: "Data points leaving each pipeline stage",
	}, []string{"stage"})

	// Resolved once so the hot path skips the label lookup.
	secondsCounters map[string]prometheus.Counter
	pointsCounters  map[string]prometheus.Counter
)

// Stage names.
const (
	StageDecode      = "decode"
	StageTransform   = "transform"
	StageSample      = "sample"
	StageCardinality = "cardinality"
	StageClassify    = "classify"
	StageEnqueue     = "enqueue"
)

var knownStages = []string{StageDecode, StageTransform, StageSample, StageCardinality, StageClassify, StageEnqueue}

func init() {
	prometheus.MustRegister(stageSeconds, stagePoints)

	secondsCounters = make(map[string]prometheus.Counter, len(knownStages))
	pointsCounters = make(map[string]prometheus.Counter, len(knownStages))
	for _, s := range knownStages {
		sc := stageSeconds.WithLabelValues(s)
		sc.Add(0)
		secondsCounters[s] = sc

		pc := stagePoints.WithLabelValues(s)
		pc.Add(0)
		pointsCounters[s] = pc
	}
}

// Record adds elapsed time to the stage's counter.
func Record(stage string, d time.Duration) {
	if c, ok := secondsCounters[stage]; ok {
		c.Add(d.Seconds())
	}
}

// RecordPoints adds n to the stage's output counter.
func RecordPoints(stage string, n int) {
	if n > 0 {
		if c, ok := pointsCounters[stage]; ok {
			c.Add(float64(n))
		}
	}
}

// Track starts timing and returns a func that records when called.
//
//	defer pipeline.Track(pipeline.StageDecode)()
func Track(stage string) func() {
	start := time.Now()
	c := secondsCounters[stage]
	return func() {
		if c != nil {
			c.Add(time.Since(start).Seconds())
		}
	}
}
