package sharding

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// DefaultVirtualNodes is the number of ring points per member
const DefaultVirtualNodes = 128

// Ring is a consistent-hash ring over a static member set
type Ring struct {
	points []uint64
	owners map[uint64]string
	nodes  []string
}

// NewRing builds a ring with vnodes points per node
func NewRing(nodes []string, vnodes int) *Ring {
	if vnodes <= 0 {
		vnodes = DefaultVirtualNodes
	}

	r := &Ring{
		owners: make(map[uint64]string, len(nodes)*vnodes),
		nodes:  append([]string(nil), nodes...),
	}
	sort.Strings(r.nodes)

	for _, node := range r.nodes {
		for i := 0; i < vnodes; i++ {
			h := xxhash.Sum64String(node + "#" + strconv.Itoa(i))
			if _, taken := r.owners[h]; taken {
				continue
			}
			r.owners[h] = node
			r.points = append(r.points, h)
		}
	}
	sort.Slice(r.points, func(i, j int) bool { return r.points[i] < r.points[j] })

	return r
}

// Owner returns the node responsible for key, or "" for an empty ring
func (r *Ring) Owner(key string) string {
	if len(r.points) == 0 {
		return ""
	}
	h := xxhash.Sum64String(key)
	i := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if i == len(r.points) {
		i = 0
	}
	return r.owners[r.points[i]]
}

// Nodes returns the members in sorted order
func (r *Ring) Nodes() []string {
	return append([]string(nil), r.nodes...)
}
