package lock

import (
	"sync/atomic"

	"github.com/teranos/rollout/am"
)

// Policy holds the operator switches the manager consults on every request.
// It is safe to change while requests are in flight (config reloads).
type Policy struct {
	productionRequiresAdmin atomic.Bool
}

// NewPolicy returns a policy with the given production rule
func NewPolicy(productionRequiresAdmin bool) *Policy {
	p := &Policy{}
	p.productionRequiresAdmin.Store(productionRequiresAdmin)
	return p
}

// PolicyFromAm builds a policy from the locks section of the rollout config
func PolicyFromAm(cfg am.LocksConfig) *Policy {
	return NewPolicy(cfg.ProductionLockRequiresAdmin)
}

// ProductionRequiresAdmin reports whether only admins may lock production stages
func (p *Policy) ProductionRequiresAdmin() bool {
	return p.productionRequiresAdmin.Load()
}

// Apply updates the policy from a reloaded config
func (p *Policy) Apply(cfg *am.Config) error {
	p.productionRequiresAdmin.Store(cfg.Locks.ProductionLockRequiresAdmin)
	return nil
}
