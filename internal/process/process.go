// Package process provides ProcessContext, a single cancellable
// context.Context plus a component-tracking WaitGroup shared by every
// subsystem a homeserver process starts, so shutdown can be triggered
// once and waited on from one place.
package process

import (
	"context"
	"sync"
)

// ProcessContext carries the root context for a running homeserver
// process. Components that run background goroutines call
// ComponentStarted when they begin and ComponentFinished when they
// exit (in this module, cmd/homeserver's HTTP server goroutine), so
// ShutdownDendrite can block until every such component has actually
// stopped rather than merely being told to.
type ProcessContext struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownOnce sync.Once
}

// NewProcessContext constructs a ProcessContext rooted in
// context.Background.
func NewProcessContext() *ProcessContext {
	ctx, cancel := context.WithCancel(context.Background())
	return &ProcessContext{ctx: ctx, cancel: cancel}
}

// Context returns the process-wide context. It is cancelled once
// ShutdownDendrite is called.
func (p *ProcessContext) Context() context.Context {
	return p.ctx
}

// ComponentStarted registers a background component. Must be paired
// with a later ComponentFinished.
func (p *ProcessContext) ComponentStarted() {
	p.wg.Add(1)
}

// ComponentFinished signals that a background component registered via
// ComponentStarted has exited.
func (p *ProcessContext) ComponentFinished() {
	p.wg.Done()
}

// ShutdownDendrite cancels the process context, signalling every
// component to stop. It does not block; call WaitForComponentsToFinish
// to wait for them to actually exit.
func (p *ProcessContext) ShutdownDendrite() {
	p.shutdownOnce.Do(p.cancel)
}

// WaitForShutdown blocks until ShutdownDendrite has been called.
func (p *ProcessContext) WaitForShutdown() {
	<-p.ctx.Done()
}

// WaitForComponentsToFinish blocks until every started component has
// called ComponentFinished. Callers typically call ShutdownDendrite
// first.
func (p *ProcessContext) WaitForComponentsToFinish() {
	p.wg.Wait()
}
