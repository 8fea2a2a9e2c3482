package nntp

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"
)

// RotationStrategy selects which server an operation tries first.
type RotationStrategy string

const (
	// RotationRoundRobin cycles through servers in configuration order.
	RotationRoundRobin RotationStrategy = "round_robin"

	// RotationWeighted orders servers by configured priority.
	RotationWeighted RotationStrategy = "weighted"

	// RotationHealthFirst orders servers by lowest recent failure rate.
	RotationHealthFirst RotationStrategy = "health_first"

	// RotationFailover sticks to the primary and moves on only when it is
	// unusable.
	RotationFailover RotationStrategy = "failover"
)

// ParseRotationStrategy validates a configuration value.
func ParseRotationStrategy(s string) (RotationStrategy, error) {
	switch RotationStrategy(s) {
	case RotationRoundRobin, RotationWeighted, RotationHealthFirst, RotationFailover:
		return RotationStrategy(s), nil
	case "":
		return RotationRoundRobin, nil
	}
	return "", fmt.Errorf("unknown rotation strategy: %q", s)
}

// rotation produces per-operation server orderings. Unhealthy servers go to
// the back rather than disappearing, so a cluster-wide outage still attempts
// something instead of failing without trying.
type rotation struct {
	strategy RotationStrategy
	counter  atomic.Uint64
}

// order returns the server names to try, best first. prefer moves a named
// server to the front regardless of strategy.
func (r *rotation) order(servers []*poolServer, prefer string, now time.Time) []string {
	names := make([]string, 0, len(servers))

	switch r.strategy {
	case RotationRoundRobin:
		start := int(r.counter.Add(1)-1) % len(servers)
		for i := 0; i < len(servers); i++ {
			names = append(names, servers[(start+i)%len(servers)].config.Name())
		}

	case RotationWeighted:
		sorted := append([]*poolServer(nil), servers...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].config.Priority < sorted[j].config.Priority
		})
		for _, s := range sorted {
			names = append(names, s.config.Name())
		}

	case RotationHealthFirst:
		sorted := append([]*poolServer(nil), servers...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].health.FailureRate() < sorted[j].health.FailureRate()
		})
		for _, s := range sorted {
			names = append(names, s.config.Name())
		}

	case RotationFailover:
		sorted := append([]*poolServer(nil), servers...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].config.Priority < sorted[j].config.Priority
		})
		for _, s := range sorted {
			names = append(names, s.config.Name())
		}

	default:
		for _, s := range servers {
			names = append(names, s.config.Name())
		}
	}

	names = demoteUnhealthy(names, servers, now)

	if prefer != "" {
		names = moveToFront(names, prefer)
	}
	return names
}

func demoteUnhealthy(names []string, servers []*poolServer, now time.Time) []string {
	byName := make(map[string]*poolServer, len(servers))
	for _, s := range servers {
		byName[s.config.Name()] = s
	}
	healthy := make([]string, 0, len(names))
	var sick []string
	for _, n := range names {
		if byName[n].health.Healthy(now) {
			healthy = append(healthy, n)
		} else {
			sick = append(sick, n)
		}
	}
	return append(healthy, sick...)
}

func moveToFront(names []string, front string) []string {
	for i, n := range names {
		if n == front {
			out := make([]string, 0, len(names))
			out = append(out, front)
			out = append(out, names[:i]...)
			out = append(out, names[i+1:]...)
			return out
		}
	}
	return names
}
