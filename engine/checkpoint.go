package engine

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/velodb/velo/persistence"
)

// Checkpoint makes all applied state durable and truncates the WAL: flush the
// page store, snapshot the graphs and key maps, then cut the log. Writers are
// quiesced for the duration.
func (e *Engine) Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()

	e.opMu.Lock()
	defer e.opMu.Unlock()

	if err := e.pages.Flush(); err != nil {
		return fmt.Errorf("engine: checkpoint: %w", err)
	}

	e.mu.RLock()
	sections := make([]persistence.Section, 0, 2*len(e.byID))
	for _, col := range e.byID {
		var graph bytes.Buffer
		if err := col.index.Save(&graph); err != nil {
			e.mu.RUnlock()
			return fmt.Errorf("engine: checkpoint: graph for %q: %w", col.name, err)
		}
		var keymap bytes.Buffer
		if err := col.records.SaveState(&keymap); err != nil {
			e.mu.RUnlock()
			return fmt.Errorf("engine: checkpoint: key map for %q: %w", col.name, err)
		}
		sections = append(sections,
			persistence.Section{Kind: persistence.SectionGraph, Collection: col.id, Data: graph.Bytes()},
			persistence.Section{Kind: persistence.SectionKeymap, Collection: col.id, Data: keymap.Bytes()},
		)
	}
	e.mu.RUnlock()

	total := 0
	for _, s := range sections {
		total += len(s.Data)
	}
	if err := e.controller.AcquireIO(ctx, total); err != nil {
		return fmt.Errorf("engine: checkpoint: %w", err)
	}

	seq := e.wal.Seq()
	if err := persistence.Write(e.dir, seq, sections); err != nil {
		return fmt.Errorf("engine: checkpoint: %w", err)
	}
	if err := e.wal.Checkpoint(); err != nil {
		return fmt.Errorf("engine: checkpoint: %w", err)
	}

	e.log.Info("checkpoint completed",
		"seq", seq,
		"sections", len(sections),
		"duration", time.Since(start),
	)
	return nil
}

// requestCheckpoint is wired into the WAL's auto-checkpoint trigger. The
// trigger fires inside an append, where the writer already holds the shared
// operation lock, so the checkpoint itself must run elsewhere.
func (e *Engine) requestCheckpoint() error {
	select {
	case e.checkpointCh <- struct{}{}:
	default:
	}
	return nil
}
