package cardinality

import "math"

// accumulator folds point values into one aggregate.
type accumulator interface {
	Add(v float64)
	Result() float64
}

func newAccumulator(fn AggFunc) accumulator {
	switch fn {
	case AggAvg:
		return &avgAccum{}
	case AggMin:
		return &minAccum{min: math.Inf(1)}
	case AggMax:
		return &maxAccum{max: math.Inf(-1)}
	case AggLast:
		return &lastAccum{}
	case AggCount:
		return &countAccum{}
	default:
		return &sumAccum{}
	}
}

type sumAccum struct{ sum float64 }

func (a *sumAccum) Add(v float64)   { a.sum += v }
func (a *sumAccum) Result() float64 { return a.sum }

type avgAccum struct {
	sum   float64
	count int64
}

func (a *avgAccum) Add(v float64) { a.sum += v; a.count++ }
func (a *avgAccum) Result() float64 {
	if a.count == 0 {
		return 0
	}
	return a.sum / float64(a.count)
}

type minAccum struct{ min float64 }

func (a *minAccum) Add(v float64)   { a.min = math.Min(a.min, v) }
func (a *minAccum) Result() float64 { return a.min }

type maxAccum struct{ max float64 }

func (a *maxAccum) Add(v float64)   { a.max = math.Max(a.max, v) }
func (a *maxAccum) Result() float64 { return a.max }

type lastAccum struct{ last float64 }

func (a *lastAccum) Add(v float64)   { a.last = v }
func (a *lastAccum) Result() float64 { return a.last }

type countAccum struct{ count int64 }

func (a *countAccum) Add(_ float64)   { a.count++ }
func (a *countAccum) Result() float64 { return float64(a.count) }
