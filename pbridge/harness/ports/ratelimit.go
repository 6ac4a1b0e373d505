package harnessports

import "context"

// RateLimiter bounds how often prompts may be executed per key.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
