package dimse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// ConnectionPool hands out established associations to one peer. An
// association is used by one caller at a time and returned with Put.
type ConnectionPool struct {
	config      AssociationConfig
	maxSize     int
	maxIdleTime time.Duration

	mu     sync.Mutex
	idle   []*Association
	open   *atomic.Int32
	closed *atomic.Bool

	cleanupTicker *time.Ticker
	done          chan struct{}
}

// PoolConfig holds configuration for connection pool
type PoolConfig struct {
	AssociationConfig
	MaxPoolSize int
	MaxIdleTime time.Duration
}

// PoolStats holds pool statistics
type PoolStats struct {
	OpenAssociations int
	IdleAssociations int
	MaxSize          int
}

// NewConnectionPool creates a new connection pool
func NewConnectionPool(config PoolConfig) *ConnectionPool {
	if config.MaxPoolSize == 0 {
		config.MaxPoolSize = 5
	}
	if config.MaxIdleTime == 0 {
		config.MaxIdleTime = 5 * time.Minute
	}

	pool := &ConnectionPool{
		config:        config.AssociationConfig,
		maxSize:       config.MaxPoolSize,
		maxIdleTime:   config.MaxIdleTime,
		idle:          make([]*Association, 0, config.MaxPoolSize),
		open:          atomic.NewInt32(0),
		closed:        atomic.NewBool(false),
		cleanupTicker: time.NewTicker(time.Minute),
		done:          make(chan struct{}),
	}

	go pool.cleanup()

	return pool
}

// Get returns an idle established association or opens a new one
func (p *ConnectionPool) Get(ctx context.Context) (*Association, error) {
	if p.closed.Load() {
		return nil, ErrAssociationClosed
	}

	p.mu.Lock()
	for len(p.idle) > 0 {
		last := len(p.idle) - 1
		a := p.idle[last]
		p.idle = p.idle[:last]
		if a.IsConnected() {
			p.mu.Unlock()
			return a, nil
		}
		p.open.Dec()
	}
	if int(p.open.Load()) >= p.maxSize {
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	}
	p.open.Inc()
	p.mu.Unlock()

	a := NewAssociation(p.config)
	if err := a.Connect(ctx); err != nil {
		p.open.Dec()
		return nil, fmt.Errorf("failed to create new association: %w", err)
	}
	return a, nil
}

// Put returns an association obtained from Get
func (p *ConnectionPool) Put(a *Association) {
	if !a.IsConnected() || p.closed.Load() {
		p.open.Dec()
		_ = a.Close()
		return
	}

	a.UpdateLastUsed()
	p.mu.Lock()
	p.idle = append(p.idle, a)
	p.mu.Unlock()
}

// Close releases all idle associations and stops the pool
func (p *ConnectionPool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.done)
	p.cleanupTicker.Stop()

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var failed int
	for _, a := range idle {
		p.open.Dec()
		if err := a.Close(); err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("encountered %d errors while closing pool", failed)
	}
	return nil
}

func (p *ConnectionPool) cleanup() {
	for {
		select {
		case <-p.cleanupTicker.C:
			p.removeIdleConnections()
		case <-p.done:
			return
		}
	}
}

// removeIdleConnections releases associations idle longer than maxIdleTime
func (p *ConnectionPool) removeIdleConnections() {
	now := time.Now()
	var stale []*Association

	p.mu.Lock()
	active := make([]*Association, 0, len(p.idle))
	for _, a := range p.idle {
		if now.Sub(a.GetLastUsed()) > p.maxIdleTime || !a.IsConnected() {
			stale = append(stale, a)
			continue
		}
		active = append(active, a)
	}
	p.idle = active
	p.mu.Unlock()

	for _, a := range stale {
		p.open.Dec()
		_ = a.Close()
	}
}

// Stats returns pool statistics
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PoolStats{
		OpenAssociations: int(p.open.Load()),
		IdleAssociations: len(p.idle),
		MaxSize:          p.maxSize,
	}
}
