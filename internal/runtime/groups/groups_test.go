package groups

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/eventmediator/internal/runtime/event"
)

func rec(key string, v int) event.Record[int] {
	return event.Record[int]{Key: key, Value: v}
}

func TestCount(t *testing.T) {
	tests := []struct {
		name string
		n    int
		cfg  Config
		want int
	}{
		{"empty", 0, Config{GroupCount: 4, MinGroupSize: 1}, 0},
		{"below min size", 5, Config{GroupCount: 4, MinGroupSize: 10}, 1},
		{"exact", 20, Config{GroupCount: 4, MinGroupSize: 10}, 2},
		{"rounds up", 21, Config{GroupCount: 4, MinGroupSize: 10}, 3},
		{"capped", 1000, Config{GroupCount: 4, MinGroupSize: 10}, 4},
		{"defaults", 100, Config{}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Count(tt.n, tt.cfg))
		})
	}
}

func TestAllocateEmpty(t *testing.T) {
	assert.Nil(t, Allocate[int](nil, Config{}))
}

func TestAllocateKeepsPerKeyOrder(t *testing.T) {
	records := []event.Record[int]{rec("a", 1), rec("b", 1), rec("a", 2), rec("c", 1), rec("a", 3)}
	groups := Allocate(records, Config{GroupCount: 3, MinGroupSize: 1})

	var found []event.Record[int]
	for _, g := range groups {
		if recs, ok := g["a"]; ok {
			found = recs
		}
	}
	require.Len(t, found, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{found[0].Value, found[1].Value, found[2].Value})
}

func TestAllocateBalancesBacklog(t *testing.T) {
	var records []event.Record[int]
	for i := 0; i < 4; i++ {
		records = append(records, rec("big", i))
	}
	records = append(records, rec("x", 0), rec("y", 0), rec("z", 0), rec("w", 0))

	groups := Allocate(records, Config{GroupCount: 2, MinGroupSize: 1})
	require.Len(t, groups, 2)
	assert.Equal(t, 4, groups[0].Size())
	assert.Equal(t, 4, groups[1].Size())
	assert.Equal(t, []string{"big"}, groups[0].Keys())
}

func TestAllocateIsDeterministic(t *testing.T) {
	records := []event.Record[int]{rec("k1", 0), rec("k2", 0), rec("k3", 0), rec("k2", 1)}
	first := Allocate(records, Config{GroupCount: 2, MinGroupSize: 1})
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Allocate(records, Config{GroupCount: 2, MinGroupSize: 1}))
	}
}

func TestAllocateNeverSplitsKeys(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		n := rng.Intn(200)
		records := make([]event.Record[int], n)
		for i := range records {
			records[i] = rec(fmt.Sprintf("key-%d", rng.Intn(30)), i)
		}
		cfg := Config{GroupCount: 1 + rng.Intn(10), MinGroupSize: 1 + rng.Intn(10)}

		groups := Allocate(records, cfg)
		owner := map[string]int{}
		total := 0
		for gi, g := range groups {
			require.NotEmpty(t, g)
			for key, recs := range g {
				prev, dup := owner[key]
				require.False(t, dup, "key %s in groups %d and %d", key, prev, gi)
				owner[key] = gi
				for i := 1; i < len(recs); i++ {
					require.Less(t, recs[i-1].Value, recs[i].Value, "order of %s", key)
				}
				total += len(recs)
			}
		}
		assert.Equal(t, n, total)
		assert.LessOrEqual(t, len(groups), cfg.GroupCount)
	}
}
