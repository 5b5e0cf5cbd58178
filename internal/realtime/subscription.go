package realtime

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/mbd888/auroraguard/internal/decision"
)

// Validate rejects unknown outcomes and paths and a minimum risk outside
// [0,1].
func (s Subscription) Validate() error {
	for _, o := range s.Outcomes {
		switch o {
		case decision.OutcomeApprove, decision.OutcomeReview, decision.OutcomeDecline:
		default:
			return fmt.Errorf("unknown outcome %q", o)
		}
	}
	for _, p := range s.Paths {
		switch p {
		case decision.PathHardBlock, decision.PathFused, decision.PathFusedUncalibrated, decision.PathRulesOnly:
		default:
			return fmt.Errorf("unknown path %q", p)
		}
	}
	if s.MinRisk < 0 || s.MinRisk > 1 {
		return fmt.Errorf("min_risk must be a number in [0,1]")
	}
	return nil
}

// ParseSubscription reads a filter from query parameters. Lists are comma
// separated.
func ParseSubscription(q url.Values) (Subscription, error) {
	var sub Subscription

	for _, raw := range splitList(q.Get("outcome")) {
		sub.Outcomes = append(sub.Outcomes, decision.Outcome(raw))
	}
	for _, raw := range splitList(q.Get("path")) {
		sub.Paths = append(sub.Paths, decision.Path(raw))
	}

	if v := q.Get("degraded"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Subscription{}, fmt.Errorf("degraded: %w", err)
		}
		sub.DegradedOnly = b
	}

	if v := q.Get("min_risk"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Subscription{}, fmt.Errorf("min_risk must be a number in [0,1]")
		}
		sub.MinRisk = f
	}

	if err := sub.Validate(); err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
