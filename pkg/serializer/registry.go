// SPDX-License-Identifier: Apache-2.0

package serializer

import (
	"errors"
	"sync"
)

var (
	FrozenErr      = errors.New("registry is frozen")
	MaterializeErr = errors.New("unable to materialize serializers")
)

// Registry holds the argument serializer providers registered by a caller.
//
// The registry becomes immutable once it has been materialized.
type Registry struct {
	mu        sync.Mutex
	providers []Provider
	frozen    bool
}

func NewRegistry() *Registry {
	return new(Registry)
}

func (r *Registry) Register(provider Provider) error {
	if provider == nil {
		return InvalidErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return FrozenErr
	}
	r.providers = append(r.providers, provider)
	return nil
}

func (r *Registry) Frozen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frozen
}

// Materialize builds the Set used for a connection in the given namespace.
// System defaults are registered first, followed by every provider in
// registration order.
func (r *Registry) Materialize(namespace string) (*Set, error) {
	r.mu.Lock()
	r.frozen = true
	providers := make([]Provider, len(r.providers))
	copy(providers, r.providers)
	r.mu.Unlock()

	set := newSet(namespace)
	for _, serializer := range Defaults() {
		if err := set.Register(serializer); err != nil {
			return nil, errors.Join(MaterializeErr, err)
		}
	}
	for _, provider := range providers {
		if err := provider(set); err != nil {
			return nil, errors.Join(MaterializeErr, err)
		}
	}
	return set, nil
}
