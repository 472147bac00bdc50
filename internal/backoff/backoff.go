// Package backoff computes retry delays for check.RetryPolicy. Grounded on
// the teacher's internal/attractor/engine/backoff.go (BackoffConfig,
// DelayForAttempt, hash-seeded jitter), adapted to the spec's two-mode
// shape (fixed|exponential, §4.3 on_fail.retry.backoff) instead of the
// teacher's single factor-growth config.
package backoff

import (
	"hash/fnv"
	"time"

	"github.com/orbitcheck/engine/check"
)

// Delay returns the wait before retry attempt n (1-based: the delay before
// the first retry is Delay(b, 1, guardKey)). A zero-value Backoff (Mode ==
// "") behaves as BackoffFixed with DelayMS 0 — an immediate retry.
func Delay(b check.Backoff, attempt int, guardKey string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.DelayMS
	switch b.Mode {
	case check.BackoffExponential:
		base = b.DelayMS
		if base <= 0 {
			base = 1000
		}
		for i := 1; i < attempt; i++ {
			base *= 2
			if b.MaxDelayMS > 0 && base >= b.MaxDelayMS {
				base = b.MaxDelayMS
				break
			}
		}
	case check.BackoffFixed, "":
		// base already set to DelayMS
	default:
		// unknown mode: degrade to fixed rather than panic
	}
	if b.MaxDelayMS > 0 && base > b.MaxDelayMS {
		base = b.MaxDelayMS
	}
	if base < 0 {
		base = 0
	}
	base += jitterMS(base, guardKey, attempt)
	if b.MaxDelayMS > 0 && base > b.MaxDelayMS {
		base = b.MaxDelayMS
	}
	return time.Duration(base) * time.Millisecond
}

// jitterMS derives a deterministic, hash-seeded jitter in [0, base/10) so
// identical (guardKey, attempt) pairs always produce the same delay —
// important for test determinism and for keeping retry timing reproducible
// across a re-run with the same journal contents.
func jitterMS(base int, guardKey string, attempt int) int {
	if base <= 0 {
		return 0
	}
	spread := base / 10
	if spread <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(guardKey))
	_, _ = h.Write([]byte{byte(attempt)})
	return int(h.Sum32()) % spread
}
