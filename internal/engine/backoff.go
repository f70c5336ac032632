package engine

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/zeebo/blake3"

	"github.com/agxlabs/agx/internal/graph"
)

// BackoffConfig shapes retry delays between dispatch attempts.
type BackoffConfig struct {
	InitialDelayMS int
	BackoffFactor  float64
	MaxDelayMS     int
	Jitter         bool
}

func defaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelayMS: 5_000,
		BackoffFactor:  2.0,
		MaxDelayMS:     60_000,
		Jitter:         false,
	}
}

func backoffConfigFor(n *graph.Node) BackoffConfig {
	cfg := defaultBackoffConfig()
	if n != nil && n.RetryPolicy != nil && n.RetryPolicy.BackoffMs > 0 {
		cfg.InitialDelayMS = n.RetryPolicy.BackoffMs
	}
	return cfg
}

// DelayForAttempt computes the delay before retry attempt (1-indexed) with
// deterministic seeded jitter so reruns reproduce.
func DelayForAttempt(attempt int, cfg BackoffConfig, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}
	baseMS := float64(cfg.InitialDelayMS) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}
	if cfg.Jitter {
		baseMS *= 0.5 + jitterUnit(jitterSeed)
	}
	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

func jitterUnit(seed string) float64 {
	sum := blake3.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

func backoffDelayForNode(runID string, n *graph.Node, attempt int) time.Duration {
	seed := fmt.Sprintf("%s:%s:%d", runID, n.ID, attempt)
	return DelayForAttempt(attempt, backoffConfigFor(n), seed)
}
