package voice

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

var errAlreadyRunning = errors.New("orchestrator already running")

// Run processes queued turns on Config.Workers goroutines until ctx is
// done. Turns still queued at shutdown are left in recording_received for
// the janitor to time out.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.runMu.Lock()
	if o.ran {
		o.runMu.Unlock()
		return errAlreadyRunning
	}
	o.ran = true
	o.runMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case job := <-o.queue:
					o.setQueueDepth()
					o.runTurn(gctx, job)
				}
			}
		})
	}
	return g.Wait()
}

// QueueDepth reports turns waiting for a worker.
func (o *Orchestrator) QueueDepth() int { return len(o.queue) }
