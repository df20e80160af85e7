package stats

import (
	"testing"

	"github.com/quantdesk/flgc/pkg/model"
)

func TestCacheSetThenGetRoundTrips(t *testing.T) {
	c := NewCache()
	key := model.CohortKey{Symbol: "BTC", Horizon: "7d", Preset: model.PresetBalanced, Role: model.RoleActive}
	c.Set(key, model.CohortStats{Total: 10})

	got, ok := c.Get(key)
	if !ok || got.Total != 10 {
		t.Fatalf("expected cached entry with Total=10, got ok=%v %+v", ok, got)
	}
}

func TestCacheSetBumpsGeneration(t *testing.T) {
	c := NewCache()
	key := model.CohortKey{Symbol: "BTC", Horizon: "7d"}
	g0 := c.Generation(key)
	c.Set(key, model.CohortStats{Total: 1})
	g1 := c.Generation(key)
	c.Set(key, model.CohortStats{Total: 2})
	g2 := c.Generation(key)

	if !(g0 < g1 && g1 < g2) {
		t.Fatalf("expected strictly increasing generations, got %d, %d, %d", g0, g1, g2)
	}
}

func TestCacheInvalidateDropsEntryAndBumpsGeneration(t *testing.T) {
	c := NewCache()
	key := model.CohortKey{Symbol: "ETH"}
	c.Set(key, model.CohortStats{Total: 5})
	before := c.Generation(key)

	c.Invalidate(key)

	if _, ok := c.Get(key); ok {
		t.Fatalf("expected entry to be gone after Invalidate")
	}
	if c.Generation(key) <= before {
		t.Fatalf("expected generation to advance past %d, got %d", before, c.Generation(key))
	}
}

func TestCacheKeysListsEverythingCached(t *testing.T) {
	c := NewCache()
	a := model.CohortKey{Symbol: "BTC"}
	b := model.CohortKey{Symbol: "ETH"}
	c.Set(a, model.CohortStats{})
	c.Set(b, model.CohortStats{})

	keys := c.Keys()
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
}
