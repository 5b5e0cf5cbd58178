package health

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/auroraguard/internal/calibration"
	"github.com/mbd888/auroraguard/internal/circuitbreaker"
)

// DefaultCheckTimeout bounds a single dependency ping.
const DefaultCheckTimeout = 2 * time.Second

// Pinger is satisfied by the Redis and Postgres feature stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports a dependency healthy when Ping succeeds in time.
func PingChecker(name string, p Pinger) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, DefaultCheckTimeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// BreakerChecker reports unhealthy while the breaker for key is open.
// Half-open counts as healthy since probes are flowing.
func BreakerChecker(name string, b *circuitbreaker.Breaker, key string) Checker {
	return func(context.Context) Status {
		state := b.State(key)
		return Status{
			Name:    name,
			Healthy: state != circuitbreaker.StateOpen,
			Detail:  "circuit " + state.String(),
		}
	}
}

// CurveChecker reports unhealthy when no curve is loaded or the loaded
// curve is not the expected version. An empty expected version accepts
// any loaded curve.
func CurveChecker(c *calibration.Calibrator, expected string) Checker {
	return func(context.Context) Status {
		const name = "calibration_curve"
		if c == nil || c.Current() == nil {
			return Status{Name: name, Healthy: false, Detail: "no curve loaded"}
		}
		loaded := c.Current().Version()
		if expected != "" && loaded != expected {
			return Status{Name: name, Healthy: false,
				Detail: fmt.Sprintf("loaded %s, expected %s", loaded, expected)}
		}
		return Status{Name: name, Healthy: true, Detail: loaded}
	}
}
