package engine

import (
	"context"
	"time"
)

// maintenanceLoop runs auto-checkpoints and background compaction until the
// engine closes.
func (e *Engine) maintenanceLoop() {
	defer close(e.maintDone)

	var tick <-chan time.Time
	if e.opts.CompactionInterval > 0 {
		t := time.NewTicker(e.opts.CompactionInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-e.maintStop:
			return

		case <-e.checkpointCh:
			if err := e.Checkpoint(context.Background()); err != nil {
				e.log.Error("auto-checkpoint failed", "error", err)
			}

		case <-tick:
			e.compactIfNeeded()
		}
	}
}

// compactIfNeeded compacts every collection whose tombstone ratio exceeds the
// configured threshold.
func (e *Engine) compactIfNeeded() {
	e.mu.RLock()
	cols := make([]*collection, 0, len(e.byID))
	for _, col := range e.byID {
		cols = append(cols, col)
	}
	e.mu.RUnlock()

	for _, col := range cols {
		live := col.index.Len()
		dead := col.index.TombstoneCount()
		if dead == 0 {
			continue
		}
		ratio := float64(dead) / float64(live+dead)
		if ratio < e.opts.CompactionThreshold {
			continue
		}

		if !e.controller.TryAcquireBackground() {
			return
		}
		start := time.Now()
		err := col.index.Compact(context.Background())
		e.controller.ReleaseBackground()

		if err != nil {
			e.log.Error("compaction failed", "collection", col.name, "error", err)
			continue
		}
		e.log.Info("compaction completed",
			"collection", col.name,
			"removed", dead,
			"duration", time.Since(start),
		)
	}
}

// Compact immediately compacts the named collection's index, removing
// tombstoned nodes.
func (e *Engine) Compact(ctx context.Context, collection string) error {
	if err := e.beginOp(); err != nil {
		return err
	}
	defer e.endOp()

	col, err := e.lookup(collection)
	if err != nil {
		return err
	}

	if err := e.controller.AcquireBackground(ctx); err != nil {
		return err
	}
	defer e.controller.ReleaseBackground()

	return col.index.Compact(ctx)
}
