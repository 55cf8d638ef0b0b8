// Package loadbalance provides strategies for spreading RPC sessions across
// the server instances a tracker advertises.
//
// Two strategies are implemented:
//   - RoundRobin:     equal-capacity servers
//   - WeightedRandom: heterogeneous servers (different device counts/memory)
package loadbalance

import "github.com/kp-forks/tvm/registry"

// Balancer selects a target instance for a new session. Implementations
// must be goroutine-safe; clients may open sessions concurrently.
type Balancer interface {
	Pick(instances []registry.ServerInstance) (*registry.ServerInstance, error)

	// Name returns the strategy name, for logging.
	Name() string
}
