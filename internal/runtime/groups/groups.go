// Package groups splits a poll batch into groups that can be processed in
// parallel without two groups touching the same key.
package groups

import (
	"cmp"
	"slices"

	"github.com/drblury/eventmediator/internal/runtime/event"
)

const (
	DefaultGroupCount   = 8
	DefaultMinGroupSize = 20
)

// Config bounds the number of groups per batch.
type Config struct {
	// GroupCount is the maximum number of groups.
	GroupCount int
	// MinGroupSize avoids spreading small batches over many groups.
	MinGroupSize int
}

func (c Config) withDefaults() Config {
	if c.GroupCount <= 0 {
		c.GroupCount = DefaultGroupCount
	}
	if c.MinGroupSize <= 0 {
		c.MinGroupSize = DefaultMinGroupSize
	}
	return c
}

// Group maps each key to its records in poll order.
type Group[E any] map[string][]event.Record[E]

// Keys returns the group's keys sorted.
func (g Group[E]) Keys() []string {
	keys := make([]string, 0, len(g))
	for k := range g {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Size returns the number of records in the group.
func (g Group[E]) Size() int {
	n := 0
	for _, recs := range g {
		n += len(recs)
	}
	return n
}

// Count returns how many groups a batch of n records is split into.
func Count(n int, cfg Config) int {
	cfg = cfg.withDefaults()
	if n <= 0 {
		return 0
	}
	groups := (n + cfg.MinGroupSize - 1) / cfg.MinGroupSize
	return max(1, min(cfg.GroupCount, groups))
}

// Allocate partitions records by key. All records of a key land in one group
// and keep their relative order. Keys are placed greedily, largest backlog
// first, into the group holding the fewest records so far; the result is
// deterministic for a given batch. Empty groups are omitted.
func Allocate[E any](records []event.Record[E], cfg Config) []Group[E] {
	n := Count(len(records), cfg)
	if n == 0 {
		return nil
	}

	byKey := make(map[string][]event.Record[E])
	var order []string
	for _, rec := range records {
		if _, seen := byKey[rec.Key]; !seen {
			order = append(order, rec.Key)
		}
		byKey[rec.Key] = append(byKey[rec.Key], rec)
	}

	slices.SortStableFunc(order, func(a, b string) int {
		if c := cmp.Compare(len(byKey[b]), len(byKey[a])); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})

	result := make([]Group[E], n)
	sizes := make([]int, n)
	for i := range result {
		result[i] = make(Group[E])
	}
	for _, key := range order {
		target := 0
		for i := 1; i < n; i++ {
			if sizes[i] < sizes[target] {
				target = i
			}
		}
		result[target][key] = byKey[key]
		sizes[target] += len(byKey[key])
	}

	return slices.DeleteFunc(result, func(g Group[E]) bool { return len(g) == 0 })
}
