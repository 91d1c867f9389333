package webhook

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// breakerSet holds one circuit breaker per endpoint.
type breakerSet struct {
	mu       sync.Mutex
	settings BreakerSettings
	logger   zerolog.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerSet(settings BreakerSettings, log zerolog.Logger) *breakerSet {
	return &breakerSet{settings: settings, logger: log, breakers: map[string]*gobreaker.CircuitBreaker{}}
}

func (b *breakerSet) get(endpointID string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[endpointID]; ok {
		return cb
	}
	threshold := b.settings.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        endpointID,
		MaxRequests: b.settings.MaxRequests,
		Interval:    b.settings.Interval,
		Timeout:     b.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return threshold > 0 && counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.logger.Info().
				Str("endpoint_id", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("webhook: circuit breaker state changed")
		},
	})
	b.breakers[endpointID] = cb
	return cb
}
