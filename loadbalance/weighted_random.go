package loadbalance

import (
	"fmt"
	"math/rand"

	"github.com/kp-forks/tvm/registry"
)

// WeightedRandom picks instances with probability proportional to their
// advertised weight. Instances with no weight set count as weight 1, so a
// tracker that never sets weights degrades to uniform random.
type WeightedRandom struct{}

func (b *WeightedRandom) Pick(instances []registry.ServerInstance) (*registry.ServerInstance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("no instances available")
	}
	total := 0
	for _, inst := range instances {
		total += effectiveWeight(inst)
	}
	r := rand.Intn(total)
	for i := range instances {
		r -= effectiveWeight(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return nil, fmt.Errorf("unexpected fallthrough in weighted random selection")
}

func effectiveWeight(inst registry.ServerInstance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}

func (b *WeightedRandom) Name() string { return "WeightedRandom" }
