// Package ratelimit wires golang.org/x/time/rate into lib.RateLimiter, the
// external token-bucket collaborator the sender consults before admitting
// each ODATA/RDATA TPDU, implementing spec.md §6's txw_max_rte/rxw_max_rte
// byte-per-second ceilings.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/Clouded-Sabre/pgm-go/lib"
)

// TokenBucket limits admitted bytes per second using a rate.Limiter whose
// burst is the size the caller passes to NewTokenBucket.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket builds a limiter admitting up to bytesPerSec bytes/second,
// bursting up to burst bytes. bytesPerSec of zero disables the limit
// (spec.md §6: txw_max_rte/rxw_max_rte of 0 means unlimited).
func NewTokenBucket(bytesPerSec uint64, burst int) *TokenBucket {
	if bytesPerSec == 0 {
		return &TokenBucket{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	return &TokenBucket{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

// Check implements lib.RateLimiter: reports whether n bytes may be admitted
// right now without blocking, consuming the tokens if so.
func (b *TokenBucket) Check(n int) bool {
	return b.limiter.AllowN(time.Now(), n)
}

var _ lib.RateLimiter = (*TokenBucket)(nil)
