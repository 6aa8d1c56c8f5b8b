package presence

import (
	"context"
	"time"

	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/CareCircle/pkg/clock"
	"github.com/turtacn/CareCircle/pkg/errors"
)

// Config tunes heartbeat expiry.
type Config struct {
	// Timeout is how long a record may go without a heartbeat before the
	// sweep flips it to OFFLINE.
	Timeout time.Duration
	// SweepInterval is the period of Run.
	SweepInterval time.Duration
	// Retention is how long an OFFLINE record stays visible.
	Retention time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{Timeout: 60 * time.Second, SweepInterval: 15 * time.Second, Retention: 10 * time.Minute}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	return c
}

// DeltaSink receives every presence change.
type DeltaSink func(ctx context.Context, d Delta)

// HeartbeatInput is one client heartbeat.
type HeartbeatInput struct {
	FamilyID string
	UserID   string
	MemberID string
	Status   Status
	ChildID  string
}

// Manager applies heartbeats and expires silent caregivers.
type Manager struct {
	store  Store
	cfg    Config
	clock  clock.Clock
	logger logging.Logger
	sink   DeltaSink
}

// NewManager builds a Manager. sink may be nil.
func NewManager(store Store, cfg Config, clk clock.Clock, logger logging.Logger, sink DeltaSink) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if sink == nil {
		sink = func(context.Context, Delta) {}
	}
	return &Manager{store: store, cfg: cfg.withDefaults(), clock: clk, logger: logger.Named("presence"), sink: sink}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Heartbeat records in and resets its TTL. A delta is emitted when the
// status or the child being cared for changed.
func (m *Manager) Heartbeat(ctx context.Context, in HeartbeatInput) (*Record, error) {
	if in.FamilyID == "" || in.UserID == "" {
		return nil, errors.InvalidParam("family id and user id are required")
	}
	if in.Status == "" {
		in.Status = StatusOnline
	}
	if _, err := ParseStatus(string(in.Status)); err != nil {
		return nil, err
	}
	if in.Status == StatusCaring && in.ChildID == "" {
		return nil, errors.InvalidParam("CARING requires a child id")
	}
	if in.Status != StatusCaring {
		in.ChildID = ""
	}

	now := m.clock.Now()
	rec := &Record{
		FamilyID:      in.FamilyID,
		UserID:        in.UserID,
		MemberID:      in.MemberID,
		Status:        in.Status,
		ChildID:       in.ChildID,
		LastHeartbeat: now,
		UpdatedAt:     now,
	}
	prev, err := m.store.Upsert(ctx, rec, m.cfg.Timeout+m.cfg.Retention)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeCacheError, "failed to store presence")
	}

	if prev == nil || prev.Status != rec.Status || prev.ChildID != rec.ChildID {
		d := Delta{Record: *rec, Reason: ReasonHeartbeat}
		if prev != nil {
			d.Previous = prev.Status
		}
		m.sink(ctx, d)
	}
	return rec, nil
}

// List returns the family's live records. A record that missed its deadline
// but has not been swept yet is reported as OFFLINE.
func (m *Manager) List(ctx context.Context, familyID string) ([]*Record, error) {
	recs, err := m.store.List(ctx, familyID)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeCacheError, "failed to list presence")
	}
	now := m.clock.Now()
	for _, r := range recs {
		if r.Status != StatusOffline && r.Stale(now, m.cfg.Timeout) {
			r.Status = StatusOffline
			r.ChildID = ""
		}
	}
	return recs, nil
}

// Sweep flips every record silent for longer than the timeout to OFFLINE
// and emits one delta per flip.
func (m *Manager) Sweep(ctx context.Context) ([]Delta, error) {
	families, err := m.store.Families(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeCacheError, "failed to list presence families")
	}
	now := m.clock.Now()
	cutoff := now.Add(-m.cfg.Timeout)

	var deltas []Delta
	for _, familyID := range families {
		recs, err := m.store.List(ctx, familyID)
		if err != nil {
			m.logger.Warn("presence sweep skipped family", logging.FamilyID(familyID), logging.Err(err))
			continue
		}
		for _, r := range recs {
			if r.Status == StatusOffline || !r.Stale(now, m.cfg.Timeout) {
				continue
			}
			updated, flipped, err := m.store.MarkOffline(ctx, familyID, r.UserID, cutoff, now, m.cfg.Retention)
			if err != nil {
				m.logger.Warn("presence mark offline failed",
					logging.FamilyID(familyID), logging.String("user_id", r.UserID), logging.Err(err))
				continue
			}
			if !flipped {
				continue
			}
			d := Delta{Record: *updated, Previous: r.Status, Reason: ReasonTimeout}
			deltas = append(deltas, d)
			m.sink(ctx, d)
		}
	}
	if len(deltas) > 0 {
		m.logger.Debug("presence sweep expired records", logging.Int("count", len(deltas)))
	}
	return deltas, nil
}

// Run sweeps every SweepInterval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Error("presence sweep failed", logging.Err(err))
			}
		}
	}
}
