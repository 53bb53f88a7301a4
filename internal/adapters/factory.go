package adapters

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dimse-node/internal/models"
	"github.com/otcheredev/ris-dimse-node/pkg/dimse"
)

// AdapterFactory manages node adapter instances
type AdapterFactory struct {
	opts     Options
	mu       sync.RWMutex
	adapters map[uuid.UUID]*entry // keyed by node ID
}

type entry struct {
	adapter NodeAdapter
	node    models.RemoteNode
}

// NewAdapterFactory creates a new adapter factory
func NewAdapterFactory(opts Options) *AdapterFactory {
	return &AdapterFactory{
		opts:     opts,
		adapters: make(map[uuid.UUID]*entry),
	}
}

// GetAdapter gets or creates the adapter for a node. An adapter created
// for an older version of the node's addressing is replaced.
func (f *AdapterFactory) GetAdapter(node models.RemoteNode) (NodeAdapter, error) {
	f.mu.RLock()
	e, exists := f.adapters[node.ID]
	f.mu.RUnlock()

	if exists && sameAddress(e.node, node) {
		return e.adapter, nil
	}

	// Create new adapter
	f.mu.Lock()
	defer f.mu.Unlock()

	// Double-check after acquiring write lock
	if e, exists := f.adapters[node.ID]; exists {
		if sameAddress(e.node, node) {
			return e.adapter, nil
		}
		_ = e.adapter.Close()
		delete(f.adapters, node.ID)
	}

	adapter, err := NewDIMSEAdapter(node, f.opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create adapter: %w", err)
	}

	f.adapters[node.ID] = &entry{adapter: adapter, node: node}
	return adapter, nil
}

// NewTransient creates an uncached adapter, for probing a node that is not
// stored yet. The caller must Close it.
func (f *AdapterFactory) NewTransient(node models.RemoteNode) (NodeAdapter, error) {
	adapter, err := NewDIMSEAdapter(node, f.opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create adapter: %w", err)
	}
	return adapter, nil
}

func sameAddress(a, b models.RemoteNode) bool {
	return a.Host == b.Host &&
		a.Port == b.Port &&
		a.AETitle == b.AETitle &&
		a.CallingAETitle == b.CallingAETitle
}

// RemoveAdapter closes and forgets the adapter for a node
func (f *AdapterFactory) RemoveAdapter(nodeID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, exists := f.adapters[nodeID]
	if !exists {
		return nil
	}
	delete(f.adapters, nodeID)

	if err := e.adapter.Close(); err != nil {
		return fmt.Errorf("failed to close adapter: %w", err)
	}
	return nil
}

// Stats reports the association pool of every live adapter
func (f *AdapterFactory) Stats() map[uuid.UUID]dimse.PoolStats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	stats := make(map[uuid.UUID]dimse.PoolStats, len(f.adapters))
	for id, e := range f.adapters {
		stats[id] = e.adapter.Stats()
	}
	return stats
}

// CloseAll closes all adapters
func (f *AdapterFactory) CloseAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for nodeID, e := range f.adapters {
		if err := e.adapter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close adapter for node %s: %w", nodeID, err))
		}
		delete(f.adapters, nodeID)
	}

	return errors.Join(errs...)
}
