package hotspot

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// FingerprintMode selects how request cache keys are derived
type FingerprintMode string

const (
	// FingerprintSampled keys on point count, the first/middle/last ids and
	// the parameters. Two different sets of equal size that share those
	// three ids collide and will be served the same cached result.
	FingerprintSampled FingerprintMode = "sampled"

	// FingerprintFull hashes every point's content
	FingerprintFull FingerprintMode = "full"
)

// Validate rejects unknown fingerprint modes
func (m FingerprintMode) Validate() error {
	switch m {
	case "", FingerprintSampled, FingerprintFull:
		return nil
	}
	return fmt.Errorf("unknown fingerprint mode %q", m)
}

// Fingerprint derives the cache key of a (points, params) request
func Fingerprint(mode FingerprintMode, points []Incident, params Params) string {
	paramJSON, _ := json.Marshal(params)

	if mode == FingerprintFull {
		h := xxhash.New()
		var buf [8]byte
		writeFloat := func(f float64) {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
			_, _ = h.Write(buf[:])
		}
		for _, p := range points {
			_, _ = h.WriteString(p.ID)
			_, _ = h.Write([]byte{0})
			writeFloat(p.Lat)
			writeFloat(p.Lon)
			binary.LittleEndian.PutUint64(buf[:], uint64(p.Timestamp.UnixNano()))
			_, _ = h.Write(buf[:])
			_, _ = h.WriteString(p.Category)
			_, _ = h.Write([]byte{0})
		}
		return fmt.Sprintf("full:%d:%016x:%s", len(points), h.Sum64(), paramJSON)
	}

	sample := []string{}
	if n := len(points); n > 0 {
		sample = []string{points[0].ID, points[n/2].ID, points[n-1].ID}
	}
	sampleJSON, _ := json.Marshal(sample)
	return "sampled:" + strconv.Itoa(len(points)) + ":" + string(sampleJSON) + ":" + string(paramJSON)
}
