package patch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"orgrun/internal/domain"
	"orgrun/internal/graph"
)

// Appender persists patch records. The sqlite store implements it; a nil
// appender keeps the log purely in memory.
type Appender interface {
	AppendPatch(ctx context.Context, rec domain.PatchRecord) error
}

// Log is the append-only patch journal and the source of truth for a run.
// Every record is applied to the materialized graph before it is admitted,
// so the log never contains a patch the graph rejected.
type Log struct {
	mu    sync.Mutex
	seq   int64
	recs  []domain.PatchRecord
	graph *graph.Graph
	store Appender
	now   func() time.Time
}

func NewLog(store Appender) *Log {
	return &Log{graph: graph.New(), store: store, now: time.Now}
}

// Append validates a patch against the graph, assigns it a sequence number
// and timestamp, applies it and persists it. On validation failure nothing
// is recorded.
func (l *Log) Append(ctx context.Context, p domain.PatchRecord) (domain.PatchRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p.Seq = l.seq + 1
	p.CreatedAt = l.now().UTC()
	if err := l.graph.ApplyPatch(p); err != nil {
		return domain.PatchRecord{}, fmt.Errorf("apply patch %s %s: %w", p.Op, p.Path, err)
	}
	l.seq = p.Seq
	l.recs = append(l.recs, p)
	if l.store != nil {
		if err := l.store.AppendPatch(ctx, p); err != nil {
			return p, fmt.Errorf("persist patch %d: %w", p.Seq, err)
		}
	}
	return p, nil
}

// AppendAll applies a batch in order, stopping at the first failure.
func (l *Log) AppendAll(ctx context.Context, ps []domain.PatchRecord) error {
	for _, p := range ps {
		if _, err := l.Append(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Graph returns the materialized graph. Callers must treat it as read-only
// and route every mutation through Append.
func (l *Log) Graph() *graph.Graph {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.graph
}

// Records returns a copy of the journal in sequence order.
func (l *Log) Records() []domain.PatchRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.PatchRecord, len(l.recs))
	copy(out, l.recs)
	return out
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.recs)
}

// Replay rebuilds a graph from a journal. Applying the same records to an
// empty graph always yields the same result, which is what makes the log,
// not the graph, the system of record.
func Replay(recs []domain.PatchRecord) (*graph.Graph, error) {
	g := graph.New()
	for _, p := range recs {
		if err := g.ApplyPatch(p); err != nil {
			return nil, fmt.Errorf("replay patch %d (%s %s): %w", p.Seq, p.Op, p.Path, err)
		}
	}
	return g, nil
}

// Open seeds a log from previously persisted records, continuing the
// sequence where the journal left off.
func Open(store Appender, recs []domain.PatchRecord) (*Log, error) {
	g, err := Replay(recs)
	if err != nil {
		return nil, err
	}
	l := NewLog(store)
	l.graph = g
	l.recs = append(l.recs, recs...)
	if n := len(recs); n > 0 {
		l.seq = recs[n-1].Seq
	}
	return l, nil
}
