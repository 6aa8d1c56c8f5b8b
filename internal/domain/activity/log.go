package activity

import (
	"context"
	"sync"
	"time"

	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/CareCircle/pkg/clock"
	"github.com/turtacn/CareCircle/pkg/errors"
)

// tick is the smallest gap between two server timestamps in one child's log.
// It matches the precision Postgres keeps for timestamptz.
const tick = time.Microsecond

type head struct {
	mu       sync.Mutex
	loaded   bool
	sequence int64
	last     time.Time
}

// Log assigns server timestamps and sequence numbers and appends events.
//
// Each child has its own sequencing point, so appends for different children
// never wait on each other. Callers authorize LOG_ACTIVITY before Append.
type Log struct {
	repo   Repository
	clock  clock.Clock
	logger logging.Logger

	mu    sync.Mutex
	heads map[string]*head
}

// NewLog returns a Log over repo.
func NewLog(repo Repository, clk clock.Clock, logger logging.Logger) *Log {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Log{repo: repo, clock: clk, logger: logger.Named("activity"), heads: make(map[string]*head)}
}

// Repository exposes the underlying store for readers.
func (l *Log) Repository() Repository { return l.repo }

func (l *Log) headFor(childID string) *head {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.heads[childID]
	if !ok {
		h = &head{}
		l.heads[childID] = h
	}
	return h
}

// Append commits e at the end of its child's log. ServerTimestamp is strictly
// greater than every earlier timestamp in the same log, even if the wall
// clock stepped backwards.
func (l *Log) Append(ctx context.Context, e *Event) (*Event, error) {
	if e == nil {
		return nil, errors.New(errors.ErrCodeEventInvalid, "event is required")
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}

	h := l.headFor(e.ChildID)
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.loaded {
		last, err := l.repo.Head(ctx, e.ChildID)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeDatabaseError, "failed to load log head")
		}
		if last != nil {
			h.sequence = last.Sequence
			h.last = last.ServerTimestamp
		}
		h.loaded = true
	}

	ts := l.clock.Now().UTC().Truncate(tick)
	if !ts.After(h.last) {
		ts = h.last.Add(tick)
	}

	committed := e.Clone()
	committed.ServerTimestamp = ts
	committed.Sequence = h.sequence + 1
	if committed.SyncStatus == "" || committed.SyncStatus == SyncPending {
		committed.SyncStatus = SyncCommitted
	}

	if err := l.repo.Append(ctx, committed); err != nil {
		// The head may be behind the store now; reload on next append.
		h.loaded = false
		return nil, errors.Wrap(err, errors.CodeDatabaseError, "failed to append event")
	}
	h.sequence = committed.Sequence
	h.last = ts

	l.logger.Debug("event appended",
		logging.FamilyID(committed.FamilyID),
		logging.ChildID(committed.ChildID),
		logging.EventID(committed.ID),
		logging.Int64("sequence", committed.Sequence))
	return committed, nil
}

// Annotate persists resolution changes to an existing event.
func (l *Log) Annotate(ctx context.Context, e *Event) error {
	if err := l.repo.Annotate(ctx, e); err != nil {
		return errors.Wrap(err, errors.CodeUnknown, "failed to annotate event")
	}
	return nil
}

// Forget drops cached heads for the given children. Family actors call it
// when they stop so idle logs do not pin memory.
func (l *Log) Forget(childIDs ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range childIDs {
		delete(l.heads, id)
	}
}
