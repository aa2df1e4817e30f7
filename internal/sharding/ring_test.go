package sharding

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRing_OwnerIsStable(t *testing.T) {
	a := NewRing([]string{"node1", "node2", "node3"}, 0)
	b := NewRing([]string{"node3", "node1", "node2"}, 0)

	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("ord-%d", i)
		assert.Equal(t, a.Owner(key), b.Owner(key), "member order must not matter")
	}
}

func TestRing_Distribution(t *testing.T) {
	r := NewRing([]string{"node1", "node2", "node3"}, 0)
	counts := make(map[string]int)
	for i := 0; i < 3000; i++ {
		counts[r.Owner(fmt.Sprintf("ord-%d", i))]++
	}

	assert.Len(t, counts, 3)
	for node, n := range counts {
		assert.Greater(t, n, 500, "node %s owns too few keys", node)
	}
}

func TestRing_MinimalMovement(t *testing.T) {
	before := NewRing([]string{"node1", "node2", "node3"}, 0)
	after := NewRing([]string{"node1", "node2", "node3", "node4"}, 0)

	moved := 0
	for i := 0; i < 2000; i++ {
		key := fmt.Sprintf("ord-%d", i)
		if o := after.Owner(key); o != before.Owner(key) {
			assert.Equal(t, "node4", o, "keys only move to the new member")
			moved++
		}
	}
	assert.Less(t, moved, 1000)
}

func TestRing_Empty(t *testing.T) {
	assert.Equal(t, "", NewRing(nil, 0).Owner("x"))
}
