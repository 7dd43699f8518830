package bdi

import (
	"sort"
)

// BeliefKey names a belief.
type BeliefKey string

// Belief is a typed fact with the tick it was last refreshed.
type Belief struct {
	Key   BeliefKey `json:"key"`
	Value any       `json:"value"`
	Tick  int       `json:"tick"`
}

// Beliefs is one agent's private belief base. A new value overwrites the old
// one; beliefs are never merged. Not safe for concurrent use: the owning
// agent's cycle is its only writer.
type Beliefs struct {
	m map[BeliefKey]Belief
}

func NewBeliefs() *Beliefs {
	return &Beliefs{m: make(map[BeliefKey]Belief)}
}

// Set overwrites key.
func (b *Beliefs) Set(key BeliefKey, value any, tick int) {
	b.m[key] = Belief{Key: key, Value: value, Tick: tick}
}

// Get returns the belief for key.
func (b *Beliefs) Get(key BeliefKey) (Belief, bool) {
	v, ok := b.m[key]
	return v, ok
}

// Has reports whether key is believed.
func (b *Beliefs) Has(key BeliefKey) bool {
	_, ok := b.m[key]
	return ok
}

// Delete forgets key.
func (b *Beliefs) Delete(key BeliefKey) { delete(b.m, key) }

// Age returns how many ticks ago key was refreshed, or -1 if unknown.
func (b *Beliefs) Age(key BeliefKey, now int) int {
	v, ok := b.m[key]
	if !ok {
		return -1
	}
	return now - v.Tick
}

// Keys returns every key, sorted.
func (b *Beliefs) Keys() []BeliefKey {
	keys := make([]BeliefKey, 0, len(b.m))
	for k := range b.m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Snapshot copies every belief, sorted by key.
func (b *Beliefs) Snapshot() []Belief {
	out := make([]Belief, 0, len(b.m))
	for _, k := range b.Keys() {
		out = append(out, b.m[k])
	}
	return out
}

// Value returns the typed value of key.
func Value[T any](b *Beliefs, key BeliefKey) (T, bool) {
	var zero T
	v, ok := b.m[key]
	if !ok {
		return zero, false
	}
	t, ok := v.Value.(T)
	return t, ok
}
