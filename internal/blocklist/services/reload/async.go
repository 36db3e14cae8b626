package reload

import (
	"context"
	"errors"
	"sort"
)

// Submit queues ev for the next round of Run. A pending event for the same
// source is replaced and closed, and a build already running for that
// source is cancelled so the round skips publishing its stale data.
func (c *Coordinator) Submit(ev FetchEvent) {
	c.mu.Lock()
	if old, ok := c.pending[ev.SourceID]; ok {
		closeLines(old.Lines)
	}
	c.pending[ev.SourceID] = ev
	if cancel, ok := c.inflight[ev.SourceID]; ok {
		cancel()
		c.dirty = true
	}
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Pending returns how many events are queued.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Run processes submitted events until ctx is done. Each round takes every
// pending event, builds them one at a time and publishes once.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			for id, ev := range c.pending {
				closeLines(ev.Lines)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return ctx.Err()
		case <-c.wake:
			c.round(ctx)
		}
	}
}

func (c *Coordinator) round(ctx context.Context) {
	c.mu.Lock()
	batch := c.pending
	c.pending = make(map[string]FetchEvent)
	c.dirty = false
	c.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	c.buildMu.Lock()
	defer c.buildMu.Unlock()
	c.state.Store(int32(StateBuilding))
	defer c.state.Store(int32(StateIdle))

	ids := make([]string, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	built := 0
	for i, id := range ids {
		ev := batch[id]

		c.mu.Lock()
		_, newer := c.pending[id]
		if newer {
			c.dirty = true
		}
		bctx, cancel := context.WithCancel(ctx)
		if !newer {
			c.inflight[id] = cancel
		}
		c.mu.Unlock()

		if newer {
			cancel()
			closeLines(ev.Lines)
			c.logger.Debug(map[string]any{"source": id}, "reload_event_superseded")
			continue
		}

		rs, err := c.build(bctx, ev)
		superseded := bctx.Err() != nil && ctx.Err() == nil

		c.mu.Lock()
		delete(c.inflight, id)
		c.mu.Unlock()
		cancel()

		switch {
		case err == nil && !superseded:
			c.accept(rs)
			built++
		case ctx.Err() != nil:
			for _, rest := range ids[i+1:] {
				closeLines(batch[rest].Lines)
			}
			return
		case superseded || errors.Is(err, context.Canceled):
			c.logger.Debug(map[string]any{"source": id}, "reload_build_superseded")
		default:
			c.reject(id, err)
		}
	}

	c.mu.Lock()
	skip := c.dirty
	c.mu.Unlock()
	if skip {
		c.logger.Debug(map[string]any{"built": built}, "reload_round_superseded")
		return
	}
	if !c.unpublished {
		return
	}
	_, _, _ = c.publish()
}
