package loadbalance

import (
	"fmt"
	"sync/atomic"

	"github.com/kp-forks/tvm/registry"
)

// RoundRobin cycles through instances in order using an atomic counter, so
// Pick is lock-free and goroutine-safe.
type RoundRobin struct {
	counter atomic.Int64
}

func (b *RoundRobin) Pick(instances []registry.ServerInstance) (*registry.ServerInstance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("no instances available")
	}
	index := b.counter.Add(1) % int64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobin) Name() string { return "RoundRobin" }
