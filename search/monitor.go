package search

import (
	"time"

	"github.com/poiesic/archivist/core"
)

// Reasons a hit is dropped before it reaches the results.
const (
	DropMissing    = "missing"
	DropUnindexed  = "unindexed"
	DropFiltered   = "filtered"
	DropCollection = "collection"
)

// Monitor provides hooks to observe retrieval.
// Implement this interface to track intermediate steps and results.
type Monitor interface {
	Start(req RetrieveRequest)
	AfterEmbedding(dim int, elapsed time.Duration)
	AfterVectorSearch(fetch int, hits []core.Hit)
	Dropped(hit core.Hit, reason string)
	Finish(results []core.ChunkResult, elapsed time.Duration)
	Failed(err error, elapsed time.Duration)
}

// noopMonitor is a no-op implementation of Monitor
type noopMonitor struct{}

var _ Monitor = (*noopMonitor)(nil)

func (n *noopMonitor) Start(_ RetrieveRequest)                      {}
func (n *noopMonitor) AfterEmbedding(_ int, _ time.Duration)        {}
func (n *noopMonitor) AfterVectorSearch(_ int, _ []core.Hit)        {}
func (n *noopMonitor) Dropped(_ core.Hit, _ string)                 {}
func (n *noopMonitor) Finish(_ []core.ChunkResult, _ time.Duration) {}
func (n *noopMonitor) Failed(_ error, _ time.Duration)              {}

// Monitors fans every hook out to each monitor in order.
type Monitors []Monitor

var _ Monitor = Monitors(nil)

func (ms Monitors) Start(req RetrieveRequest) {
	for _, m := range ms {
		m.Start(req)
	}
}

func (ms Monitors) AfterEmbedding(dim int, elapsed time.Duration) {
	for _, m := range ms {
		m.AfterEmbedding(dim, elapsed)
	}
}

func (ms Monitors) AfterVectorSearch(fetch int, hits []core.Hit) {
	for _, m := range ms {
		m.AfterVectorSearch(fetch, hits)
	}
}

func (ms Monitors) Dropped(hit core.Hit, reason string) {
	for _, m := range ms {
		m.Dropped(hit, reason)
	}
}

func (ms Monitors) Finish(results []core.ChunkResult, elapsed time.Duration) {
	for _, m := range ms {
		m.Finish(results, elapsed)
	}
}

func (ms Monitors) Failed(err error, elapsed time.Duration) {
	for _, m := range ms {
		m.Failed(err, elapsed)
	}
}
