package fault

import (
	"math/rand"
	"time"
)

// BackoffParams holds the per-kind retry ladder.
type BackoffParams struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// Ladders. NotFound gets a wider ladder because target library scans can
// take minutes to surface a new item.
var (
	defaultBackoff = BackoffParams{
		Base:        5 * time.Second,
		Cap:         80 * time.Second,
		MaxAttempts: 5,
	}
	notFoundBackoff = BackoffParams{
		Base:        30 * time.Second,
		Cap:         600 * time.Second,
		MaxAttempts: 12,
	}
)

// ParamsFor returns the backoff parameters for a kind.
func ParamsFor(kind Kind) BackoffParams {
	if kind == KindNotFound {
		return notFoundBackoff
	}
	return defaultBackoff
}

// Backoff computes full-jitter exponential delays.
type Backoff struct {
	params BackoffParams
	rng    *rand.Rand
}

// NewBackoff creates a backoff calculator for a kind.
func NewBackoff(kind Kind) *Backoff {
	return NewBackoffWithSeed(kind, time.Now().UnixNano())
}

// NewBackoffWithSeed creates a backoff with a fixed seed (for tests).
func NewBackoffWithSeed(kind Kind, seed int64) *Backoff {
	return &Backoff{
		params: ParamsFor(kind),
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Delay returns uniform(0, min(cap, base*2^attempt)), the full-jitter form.
func (b *Backoff) Delay(attempt int) time.Duration {
	ceiling := b.Envelope(attempt)
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(b.rng.Int63n(int64(ceiling)))
}

// Envelope returns the upper bound a Delay(attempt) can reach.
func (b *Backoff) Envelope(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	ceiling := b.params.Base
	for i := 0; i < attempt; i++ {
		ceiling *= 2
		if ceiling >= b.params.Cap {
			return b.params.Cap
		}
	}
	if ceiling > b.params.Cap {
		return b.params.Cap
	}
	return ceiling
}

// MaxAttempts returns the retry budget for this backoff's kind.
func (b *Backoff) MaxAttempts() int {
	return b.params.MaxAttempts
}
