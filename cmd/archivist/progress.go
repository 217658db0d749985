package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/poiesic/archivist/core"
)

// progressTracker reports the progress of one ingestion job on a single
// line that is rewritten as chunks are committed.
type progressTracker struct {
	writer    io.Writer
	jobID     string
	last      core.JobView
	reported  bool
	startTime time.Time
	started   bool
	mu        sync.Mutex
}

func newProgressTracker(writer io.Writer, jobID string) *progressTracker {
	if writer == nil {
		writer = io.Discard
	}
	return &progressTracker{writer: writer, jobID: jobID}
}

// Start begins tracking progress.
func (p *progressTracker) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.startTime = time.Now()
	p.started = true
	p.reported = false
	p.last = core.JobView{}
}

// Update reports v if the status or the chunk counts changed.
func (p *progressTracker) Update(v core.JobView) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return
	}
	if p.reported && v.Status == p.last.Status &&
		v.ChunksCommitted == p.last.ChunksCommitted && v.ChunksFailed == p.last.ChunksFailed &&
		v.SegmentsFailed == p.last.SegmentsFailed {
		return
	}
	p.last = v
	p.reported = true
	p.report()
}

// Finish reports the final state and ends the line.
func (p *progressTracker) Finish(v core.JobView) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return
	}
	p.last = v
	p.report()
	fmt.Fprintln(p.writer)
}

// Elapsed returns the time elapsed since Start was called.
func (p *progressTracker) Elapsed() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return 0
	}
	return time.Since(p.startTime)
}

// report prints the current progress. Must be called with lock held.
func (p *progressTracker) report() {
	elapsed := time.Since(p.startTime)
	rate := 0.0
	if s := elapsed.Seconds(); s > 0 {
		rate = float64(p.last.ChunksCommitted) / s
	}
	fmt.Fprintf(p.writer, "\rjob %s: %s - %d chunks committed, %d failed (%.1f chunks/s)",
		p.jobID, p.last.Status, p.last.ChunksCommitted, p.last.ChunksFailed, rate)
}
