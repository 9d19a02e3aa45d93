package hotspot

import (
	"context"

	"github.com/paulmach/orb"
)

const (
	labelUnvisited = -2
	labelNoise     = NoiseID
)

// cancelCheckEvery is how many points are processed between context checks
const cancelCheckEvery = 64

// Partition is the raw DBSCAN output. Labels[i] is the 0-based cluster id of
// point i or NoiseID. Members lists each cluster's point indices in the order
// they joined; Noise lists outlier indices in input order.
type Partition struct {
	Labels  []int
	Members [][]int
	Noise   []int
}

// DBSCAN partitions coords into density clusters. A point is core when its
// neighborhood (excluding itself) holds at least minSamples points. Points
// first marked as noise are reclaimed as border points when a later cluster
// reaches them; border points are never expanded.
func DBSCAN(ctx context.Context, index NeighborIndex, n, minSamples int) (*Partition, error) {
	labels := make([]int, n)
	for i := range labels {
		labels[i] = labelUnvisited
	}

	var members [][]int
	processed := 0
	checkpoint := func() error {
		processed++
		if processed%cancelCheckEvery == 0 {
			return ctx.Err()
		}
		return nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for i := 0; i < n; i++ {
		if labels[i] != labelUnvisited {
			continue
		}
		if err := checkpoint(); err != nil {
			return nil, err
		}

		neighbors := index.Neighbors(i)
		if len(neighbors) < minSamples {
			labels[i] = labelNoise
			continue
		}

		id := len(members)
		labels[i] = id
		cluster := []int{i}

		frontier := append([]int(nil), neighbors...)
		for k := 0; k < len(frontier); k++ {
			q := frontier[k]
			switch labels[q] {
			case labelNoise:
				labels[q] = id
				cluster = append(cluster, q)
				continue
			case labelUnvisited:
			default:
				continue
			}

			if err := checkpoint(); err != nil {
				return nil, err
			}
			labels[q] = id
			cluster = append(cluster, q)

			qn := index.Neighbors(q)
			if len(qn) < minSamples {
				continue
			}
			for _, r := range qn {
				if labels[r] == labelUnvisited || labels[r] == labelNoise {
					frontier = append(frontier, r)
				}
			}
		}
		members = append(members, cluster)
	}

	var noise []int
	for i, l := range labels {
		if l == labelNoise {
			noise = append(noise, i)
		}
	}
	return &Partition{Labels: labels, Members: members, Noise: noise}, nil
}

// ClusterPoints runs DBSCAN over coords with a fresh index of the given kind
func ClusterPoints(ctx context.Context, kind IndexKind, coords []orb.Point, epsKm float64, minSamples int) (*Partition, error) {
	index, err := NewNeighborIndex(kind, coords, epsKm)
	if err != nil {
		return nil, err
	}
	return DBSCAN(ctx, index, len(coords), minSamples)
}
