package health

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/voicerelay/internal/resilience"
)

// ErrNoAPIKey is reported by [APIKeyChecker] when no key is configured.
var ErrNoAPIKey = errors.New("health: upstream api key is not configured")

// APIKeyChecker fails while key returns an empty string.
func APIKeyChecker(key func() string) Checker {
	return Checker{
		Name: "api_key",
		Check: func(context.Context) error {
			if key() == "" {
				return ErrNoAPIKey
			}
			return nil
		},
	}
}

// BreakerChecker fails while every breaker is open, i.e. no upstream could
// take a new session. A half-open breaker counts as ready: the next session
// dial is its probe.
func BreakerChecker(breakers ...*resilience.CircuitBreaker) Checker {
	return Checker{
		Name: "upstream",
		Check: func(context.Context) error {
			var open []string
			for _, cb := range breakers {
				if cb.State() != resilience.StateOpen {
					return nil
				}
				open = append(open, cb.Name())
			}
			if len(open) == 0 {
				return nil
			}
			return fmt.Errorf("circuit breakers open: %s", strings.Join(open, ", "))
		},
	}
}
