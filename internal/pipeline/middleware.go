package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Hook wraps every Handle call of a Runner. Before may attach values to the
// context; After runs in reverse installation order once the handler returns.
type Hook struct {
	Before func(ctx context.Context, work interface{}) context.Context
	After  func(ctx context.Context, work interface{}, err error, elapsed time.Duration)
}

type ctxKey int

const startKey ctxKey = iota

// TimingHook records the handle start time on the context and logs slow
// units. Threshold zero disables the slow log.
func TimingHook(stage string, slow time.Duration) Hook {
	return Hook{
		Before: func(ctx context.Context, _ interface{}) context.Context {
			return context.WithValue(ctx, startKey, time.Now())
		},
		After: func(ctx context.Context, _ interface{}, err error, elapsed time.Duration) {
			if slow > 0 && elapsed > slow && err == nil {
				log.Warn().Str("stage", stage).Dur("elapsed", elapsed).Msg("slow handle")
			}
		},
	}
}

// DebugHook logs every handled unit at debug level.
func DebugHook(stage string) Hook {
	return Hook{
		After: func(_ context.Context, work interface{}, err error, elapsed time.Duration) {
			log.Debug().
				Str("stage", stage).
				Dur("elapsed", elapsed).
				Err(err).
				Interface("work", work).
				Msg("handled")
		},
	}
}
