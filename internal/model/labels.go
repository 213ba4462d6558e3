package model

import (
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Label is a single key/value dimension.
type Label struct {
	Key   string
	Value string
}

// LabelSet is a canonical label combination: sorted by key, one value per key.
// Values must not be mutated after construction.
type LabelSet []Label

// NewLabelSet copies labels into canonical order. For duplicate keys the last
// value wins.
func NewLabelSet(labels []Label) LabelSet {
	if len(labels) == 0 {
		return nil
	}
	ls := make(LabelSet, len(labels))
	copy(ls, labels)
	sort.SliceStable(ls, func(i, j int) bool { return ls[i].Key < ls[j].Key })
	out := ls[:0]
	for i := range ls {
		if len(out) > 0 && out[len(out)-1].Key == ls[i].Key {
			out[len(out)-1] = ls[i]
			continue
		}
		out = append(out, ls[i])
	}
	return out
}

// LabelsFromMap builds a canonical set from a map.
func LabelsFromMap(m map[string]string) LabelSet {
	if len(m) == 0 {
		return nil
	}
	ls := make(LabelSet, 0, len(m))
	for k, v := range m {
		ls = append(ls, Label{Key: k, Value: v})
	}
	sort.Slice(ls, func(i, j int) bool { return ls[i].Key < ls[j].Key })
	return ls
}

// Get returns the value of key.
func (ls LabelSet) Get(key string) (string, bool) {
	i := sort.Search(len(ls), func(i int) bool { return ls[i].Key >= key })
	if i < len(ls) && ls[i].Key == key {
		return ls[i].Value, true
	}
	return "", false
}

// Map returns the labels as a map.
func (ls LabelSet) Map() map[string]string {
	m := make(map[string]string, len(ls))
	for _, l := range ls {
		m[l.Key] = l.Value
	}
	return m
}

// Without returns the set minus the given keys. The receiver is returned
// unchanged when nothing is removed.
func (ls LabelSet) Without(drop func(key string) bool) LabelSet {
	n := 0
	for _, l := range ls {
		if !drop(l.Key) {
			n++
		}
	}
	if n == len(ls) {
		return ls
	}
	out := make(LabelSet, 0, n)
	for _, l := range ls {
		if !drop(l.Key) {
			out = append(out, l)
		}
	}
	return out
}

// Hash returns a 64-bit identity for stream plus the label combination.
// The result is never zero.
func (ls LabelSet) Hash(stream string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(stream)
	for _, l := range ls {
		_, _ = d.Write(sepKey)
		_, _ = d.WriteString(l.Key)
		_, _ = d.Write(sepValue)
		_, _ = d.WriteString(l.Value)
	}
	h := d.Sum64()
	if h == 0 {
		h = 1
	}
	return h
}

var (
	sepKey   = []byte{0xff}
	sepValue = []byte{0xfe}
)

// String renders the set as {k="v",...}.
func (ls LabelSet) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, l := range ls {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(l.Key)
		b.WriteByte('=')
		b.WriteString(strconv.Quote(l.Value))
	}
	b.WriteByte('}')
	return b.String()
}

func (ls LabelSet) size() int {
	n := 0
	for _, l := range ls {
		n += 32 + len(l.Key) + len(l.Value)
	}
	return n
}
