package proxy

import (
	"sync/atomic"

	"github.com/craigderington/portswitch/pkg/types"
)

// TargetRegistry holds the forward target shared by every live connection.
// Only the supervisor stores into it; forwarders load once per connection (tcp)
// or once per request (http) and always see the latest stored value.
type TargetRegistry struct {
	target atomic.Pointer[types.ForwardTarget]
}

// NewTargetRegistry creates an empty registry
func NewTargetRegistry() *TargetRegistry {
	return &TargetRegistry{}
}

// Store replaces the current target
func (r *TargetRegistry) Store(target types.ForwardTarget) {
	r.target.Store(&target)
}

// Load returns the current target. ok is false until the first Store.
func (r *TargetRegistry) Load() (target types.ForwardTarget, ok bool) {
	p := r.target.Load()
	if p == nil {
		return types.ForwardTarget{}, false
	}
	return *p, true
}
