package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/arkheioncorp/didin-facil/internal/proxy"
)

var ErrPoolClosed = errors.New("browser pool closed")

// Instance is a startable browser session. *Manager satisfies it.
type Instance interface {
	Start(ctx context.Context, ep *proxy.Endpoint) error
	Stop() error
}

// Pool hands out up to size started instances. Instances are created lazily
// and reused after Release; Shutdown stops every instance the pool created.
type Pool struct {
	factory func() Instance
	slots   chan struct{}

	mu      sync.Mutex
	idle    []Instance
	created []Instance
	closed  bool
}

func NewPool(size int, factory func() Instance) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		factory: factory,
		slots:   make(chan struct{}, size),
	}
}

// Acquire blocks until a slot is free or ctx ends. ep is only used when a
// new instance has to be started.
func (p *Pool) Acquire(ctx context.Context, ep *proxy.Endpoint) (Instance, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		inst := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return inst, nil
	}
	p.mu.Unlock()

	inst := p.factory()
	if err := inst.Start(ctx, ep); err != nil {
		inst.Stop()
		<-p.slots
		return nil, fmt.Errorf("failed to start pooled browser: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		inst.Stop()
		<-p.slots
		return nil, ErrPoolClosed
	}
	p.created = append(p.created, inst)
	return inst, nil
}

func (p *Pool) Release(inst Instance) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		inst.Stop()
	} else {
		p.idle = append(p.idle, inst)
		p.mu.Unlock()
	}
	<-p.slots
}

// Shutdown stops every instance, including ones still acquired.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	created := p.created
	p.created = nil
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, inst := range created {
		if err := inst.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
