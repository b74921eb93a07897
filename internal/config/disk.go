package config

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/banshee-data/tuberig/internal/protocol"
)

// ParseDiskWeights parses "w0,w1,w2,w3": one non-negative relative weight
// per disk state, at least one of them positive.
func ParseDiskWeights(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != protocol.MaxDiskState+1 {
		return nil, fmt.Errorf("want %d weights, got %d", protocol.MaxDiskState+1, len(parts))
	}
	out := make([]float64, len(parts))
	total := 0.0
	for i, p := range parts {
		w, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("weight %d: %w", i, err)
		}
		if w < 0 {
			return nil, fmt.Errorf("weight %d is negative", i)
		}
		out[i] = w
		total += w
	}
	if total == 0 {
		return nil, errors.New("all weights are zero")
	}
	return out, nil
}

// DrawDisk picks a disk state with probability proportional to its weight.
func DrawDisk(weights []float64, rng *rand.Rand) uint8 {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	x := rng.Float64() * total
	for i, w := range weights {
		if x < w {
			return uint8(i)
		}
		x -= w
	}
	// Rounding left x at the top edge: take the last state with weight.
	for i := len(weights) - 1; i >= 0; i-- {
		if weights[i] > 0 {
			return uint8(i)
		}
	}
	return 0
}
