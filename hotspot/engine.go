package hotspot

import (
	"context"
	"errors"
	"log"
	"math"
	"time"

	"github.com/paulmach/orb"
)

// Validate rejects parameters the engine cannot run with
func (p Params) Validate() error {
	if math.IsNaN(p.EpsKm) || math.IsInf(p.EpsKm, 0) || p.EpsKm <= 0 {
		return invalidParams("eps_km must be > 0, got %v", p.EpsKm)
	}
	if p.MinSamples < 1 {
		return invalidParams("min_samples must be >= 1, got %d", p.MinSamples)
	}
	if p.MinSeverity != nil && (*p.MinSeverity < 0 || *p.MinSeverity > 10 || math.IsNaN(*p.MinSeverity)) {
		return invalidParams("min_severity must be within 0-10")
	}
	return p.TimeBucket.Validate()
}

// EngineConfig configures an Engine
type EngineConfig struct {
	Index    IndexKind
	Severity SeverityConfig
	Location *time.Location
	Metrics  *Metrics
}

// Engine runs the full clustering pipeline for one request
type Engine struct {
	index      IndexKind
	aggregator Aggregator
	metrics    *Metrics
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Index == "" {
		cfg.Index = IndexGrid
	}
	if cfg.Severity.VolumeSaturation == 0 {
		cfg.Severity = DefaultSeverityConfig()
	}
	return &Engine{
		index:      cfg.Index,
		aggregator: Aggregator{Severity: cfg.Severity, Location: cfg.Location},
		metrics:    cfg.Metrics,
	}
}

// Run validates params, applies the time bucket, clusters the remaining
// points and aggregates each cluster. An expired context deadline is
// reported as ErrTimeout.
func (e *Engine) Run(ctx context.Context, points []Incident, params Params) (*Result, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	filtered, err := FilterByTimeBucket(points, params.TimeBucket, e.aggregator.Location)
	if err != nil {
		return nil, err
	}

	coords := make([]orb.Point, len(filtered))
	for i, p := range filtered {
		if err := ValidateCoordinate(p.Lat, p.Lon); err != nil {
			var ce *ClusterError
			if errors.As(err, &ce) {
				ce.PointID = p.ID
			}
			return nil, err
		}
		coords[i] = p.Coord()
	}

	part, err := ClusterPoints(ctx, e.index, coords, params.EpsKm, params.MinSamples)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &ClusterError{Kind: ErrTimeout, Err: err}
		}
		return nil, err
	}

	res := &Result{
		Clusters: make([]Cluster, len(part.Members)),
		Outliers: make([]Outlier, 0, len(part.Noise)),
		Labels:   part.Labels,
		Points:   len(filtered),
		Params:   params,
	}
	for id, idxs := range part.Members {
		members := make([]Incident, len(idxs))
		for k, idx := range idxs {
			members[k] = filtered[idx]
		}
		res.Clusters[id] = e.aggregator.Aggregate(id, members)
	}
	for _, idx := range part.Noise {
		p := filtered[idx]
		res.Outliers = append(res.Outliers, Outlier{
			ID:        p.ID,
			Lat:       p.Lat,
			Lon:       p.Lon,
			Category:  p.Category,
			Timestamp: p.Timestamp,
		})
	}
	res.Duration = time.Since(start)

	e.metrics.PointsClustered(len(filtered))
	log.Printf("[ENGINE] clustered %d points (eps=%.3fkm, min_samples=%d): %d clusters, %d outliers in %v",
		len(filtered), params.EpsKm, params.MinSamples, len(res.Clusters), len(res.Outliers), res.Duration)
	return res, nil
}
