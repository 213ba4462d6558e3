package cardinality

import (
	"fmt"
	"sync"
	"testing"
)

func TestEntropyScorer_NovelValuesScoreOne(t *testing.T) {
	s := NewEntropyScorer(16, 1000)
	score, per := s.Score(labels("user_id", "u1"), nil)
	if score != 1 || len(per) != 1 || per[0] != 1 {
		t.Fatalf("unknown key score = %v %v, want 1", score, per)
	}
	s.Observe(labels("user_id", "u1"))
	if score, _ := s.Score(labels("user_id", "u2"), nil); score != 1 {
		t.Errorf("unseen value score = %v, want 1", score)
	}
}

func TestEntropyScorer_CommonValuesScoreLow(t *testing.T) {
	s := NewEntropyScorer(16, 1000)
	for i := 0; i < 1000; i++ {
		s.Observe(labels("env", "prod"))
	}
	score, _ := s.Score(labels("env", "prod"), nil)
	if score > 0.05 {
		t.Errorf("dominant value score = %.3f, want close to 0", score)
	}
}

func TestEntropyScorer_RareValueInWideKeyScoresHigh(t *testing.T) {
	s := NewEntropyScorer(16, 10000)
	for i := 0; i < 2000; i++ {
		s.Observe(labels("request_id", fmt.Sprintf("r%d", i)))
	}
	rare, _ := s.Score(labels("request_id", "r7"), nil)
	if rare < 0.75 {
		t.Errorf("rare value in unbounded key score = %.3f, want >= 0.75", rare)
	}
	if d := s.Distinct("request_id"); d < 1800 || d > 2200 {
		t.Errorf("Distinct = %d, want about 2000", d)
	}
}

func TestEntropyScorer_MeanAcrossLabels(t *testing.T) {
	s := NewEntropyScorer(16, 1000)
	for i := 0; i < 1000; i++ {
		s.Observe(labels("env", "prod"))
	}
	score, per := s.Score(labels("env", "prod", "zz_new", "x"), nil)
	if len(per) != 2 || per[1] != 1 {
		t.Fatalf("per-label = %v", per)
	}
	if want := (per[0] + per[1]) / 2; score != want {
		t.Errorf("score = %v, want mean %v", score, want)
	}
	if score, _ := s.Score(nil, nil); score != 0 {
		t.Errorf("label-less score = %v, want 0", score)
	}
}

func TestEntropyScorer_KeyBound(t *testing.T) {
	s := NewEntropyScorer(2, 100)
	s.Observe(labels("a", "1", "b", "1", "c", "1"))
	if len(s.keys) != 2 {
		t.Errorf("tracked keys = %d, want 2", len(s.keys))
	}
	s.Reset()
	if len(s.keys) != 0 {
		t.Error("Reset kept keys")
	}
}

func TestEntropyScorer_ConcurrentObserveAndScore(t *testing.T) {
	s := NewEntropyScorer(16, 1000)
	const workers, per = 8, 1000
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				s.Observe(labels("env", "prod", "shard", fmt.Sprint(w)))
				s.Score(labels("env", "prod"), nil)
			}
		}(w)
	}
	wg.Wait()

	if got := s.keys["env"].total.Load(); got != workers*per {
		t.Errorf("env observations = %d, want %d", got, workers*per)
	}
	if got := s.freq.estimate(valueHash("env", "prod")); got < workers*per {
		t.Errorf("count-min estimate = %d, want >= %d", got, workers*per)
	}
	if score, _ := s.Score(labels("env", "prod"), nil); score > 0.05 {
		t.Errorf("dominant value score = %.3f after concurrent observation", score)
	}
}
