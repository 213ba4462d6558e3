package pipeline

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordKnownStage(t *testing.T) {
	before := testutil.ToFloat64(stageSeconds.WithLabelValues(StageClassify))
	Record(StageClassify, 250*time.Millisecond)
	if d := testutil.ToFloat64(stageSeconds.WithLabelValues(StageClassify)) - before; d < 0.249 || d > 0.251 {
		t.Errorf("delta = %v", d)
	}
	// Unknown stages are ignored.
	Record("nope", time.Second)
	RecordPoints("nope", 3)
}

func TestTrackAndRecordPoints(t *testing.T) {
	before := testutil.ToFloat64(stagePoints.WithLabelValues(StageEnqueue))
	RecordPoints(StageEnqueue, 7)
	RecordPoints(StageEnqueue, 0)
	if d := testutil.ToFloat64(stagePoints.WithLabelValues(StageEnqueue)) - before; d != 7 {
		t.Errorf("points delta = %v", d)
	}

	secBefore := testutil.ToFloat64(stageSeconds.WithLabelValues(StageDecode))
	done := Track(StageDecode)
	time.Sleep(2 * time.Millisecond)
	done()
	if testutil.ToFloat64(stageSeconds.WithLabelValues(StageDecode)) <= secBefore {
		t.Error("Track did not record")
	}
}

func BenchmarkRecordParallel(b *testing.B) {
	d := 100 * time.Microsecond
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			Record(knownStages[i%len(knownStages)], d)
			i++
		}
	})
}
