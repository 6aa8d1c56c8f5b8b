package care

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/turtacn/CareCircle/internal/domain/activity"
	"github.com/turtacn/CareCircle/internal/domain/conflict"
	"github.com/turtacn/CareCircle/internal/domain/family"
	"github.com/turtacn/CareCircle/internal/domain/replay"
	"github.com/turtacn/CareCircle/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/prometheus"
	pkgerrors "github.com/turtacn/CareCircle/pkg/errors"
)

const (
	defaultSyncMaxBatch    = 500
	defaultSyncMaxAttempts = 4
)

// SyncBatchRequest replays actions a device buffered while offline.
type SyncBatchRequest struct {
	UserID   string          `json:"-"`
	FamilyID string          `json:"-"`
	DeviceID string          `json:"device_id"`
	Actions  []replay.Action `json:"actions"`
}

// SyncBatchResult has one result per action in device order. LastSeq is the
// device cursor after the batch.
type SyncBatchResult struct {
	Results []replay.Result `json:"results"`
	LastSeq int64           `json:"last_seq"`
}

func (s *service) syncLimits() (maxBatch, maxAttempts int) {
	maxBatch, maxAttempts = s.cfg.Sync.MaxBatch, s.cfg.Sync.MaxAttempts
	if maxBatch <= 0 {
		maxBatch = defaultSyncMaxBatch
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultSyncMaxAttempts
	}
	return maxBatch, maxAttempts
}

func (r *SyncBatchRequest) validate(maxBatch int) error {
	if strings.TrimSpace(r.DeviceID) == "" {
		return pkgerrors.New(pkgerrors.ErrCodeValidation, "device_id is required")
	}
	if len(r.Actions) == 0 {
		return pkgerrors.New(pkgerrors.ErrCodeValidation, "actions must not be empty")
	}
	if len(r.Actions) > maxBatch {
		return pkgerrors.New(pkgerrors.ErrCodeValidation, fmt.Sprintf("batch exceeds %d actions", maxBatch))
	}
	return nil
}

// SyncBatch applies actions in device sequence order. Each action is
// authorized when it is applied, not when it was recorded, so a grant revoked
// while the device was offline drops the actions that depended on it.
// Actions at or below the device cursor are reported as duplicates.
// Transient failures are retried with exponential backoff and dead-lettered
// once attempts run out; the batch always continues with the next action.
func (s *service) SyncBatch(ctx context.Context, req *SyncBatchRequest) (*SyncBatchResult, error) {
	timer := prometheus.NewTimer(s.metrics.SyncBatchDuration.WithLabelValues())
	defer timer.ObserveDuration()

	maxBatch, maxAttempts := s.syncLimits()
	if err := req.validate(maxBatch); err != nil {
		return nil, err
	}
	actions, err := replay.Order(req.Actions)
	if err != nil {
		return nil, err
	}
	// Membership is checked up front so an outsider learns nothing per action.
	if _, _, err := s.membership(ctx, req.FamilyID, req.UserID); err != nil {
		return nil, err
	}

	out := &SyncBatchResult{Results: make([]replay.Result, 0, len(actions))}
	for _, a := range actions {
		res, last := s.replayAction(ctx, req, a, maxAttempts)
		s.metrics.RecordSyncAction(string(res.Kind), string(res.Outcome), res.Attempts)
		out.Results = append(out.Results, res)
		if last > out.LastSeq {
			out.LastSeq = last
		}
		if ctx.Err() != nil {
			break
		}
	}
	s.logger.Info("sync batch replayed",
		logging.FamilyID(req.FamilyID),
		logging.String("device_id", req.DeviceID),
		logging.Int("actions", len(actions)),
		logging.Int("applied", len(out.Results)),
		logging.Int64("last_seq", out.LastSeq))
	return out, nil
}

// replayAction runs one action to a final outcome. Each attempt is its own
// actor command; backoff waits happen off the actor.
func (s *service) replayAction(ctx context.Context, req *SyncBatchRequest, a replay.Action, maxAttempts int) (replay.Result, int64) {
	res := replay.Result{DeviceSeq: a.DeviceSeq, Kind: a.Kind}
	if err := a.Validate(); err != nil {
		res.Outcome, res.Code, res.Reason = replay.OutcomeRejected, pkgerrors.GetCode(err), err.Error()
		return res, s.advanceCursor(ctx, req, a.DeviceSeq)
	}

	var last int64
	op := func() error {
		res.Attempts++
		err := s.actors.do(ctx, req.FamilyID, func(ctx context.Context) error {
			cur, err := s.cursors.Get(ctx, req.FamilyID, req.DeviceID)
			if err != nil {
				return pkgerrors.Wrap(err, pkgerrors.CodeCacheError, "failed to load device cursor")
			}
			if cur != nil && a.DeviceSeq <= cur.LastSeq {
				res.Outcome = replay.OutcomeDuplicate
				last = cur.LastSeq
				return nil
			}
			applyErr := s.applyAction(ctx, req, a, &res)
			outcome, retry := replay.Classify(applyErr)
			if retry {
				return applyErr
			}
			res.Outcome = outcome
			if applyErr != nil {
				res.Code, res.Reason = pkgerrors.GetCode(applyErr), applyErr.Error()
			}
			last = s.saveCursor(ctx, req, cur, a.DeviceSeq)
			return nil
		})
		if err == nil {
			return nil
		}
		if _, retry := replay.Classify(err); !retry {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.Sync.InitialBackoff
	if b.InitialInterval <= 0 {
		b.InitialInterval = 50 * time.Millisecond
	}
	b.MaxInterval = s.cfg.Sync.MaxBackoff
	if b.MaxInterval <= 0 {
		b.MaxInterval = 2 * time.Second
	}
	b.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxAttempts-1)), ctx))
	if err == nil {
		return res, last
	}

	if _, retry := replay.Classify(err); !retry {
		// Failed outside the action itself, e.g. the request was cancelled.
		res.Outcome, res.Code, res.Reason = replay.OutcomeRejected, pkgerrors.GetCode(err), err.Error()
		return res, last
	}
	res.Outcome = replay.OutcomeDeadLettered
	res.Code = pkgerrors.CodeSyncReplayRejected
	res.Reason = err.Error()
	s.deadLetter(req, a, res.Attempts, err)
	return res, s.advanceCursor(ctx, req, a.DeviceSeq)
}

// applyAction dispatches a to the live code path. The acting member is
// resolved on every attempt.
func (s *service) applyAction(ctx context.Context, req *SyncBatchRequest, a replay.Action, res *replay.Result) error {
	_, m, err := s.writable(ctx, req.FamilyID, req.UserID)
	if err != nil {
		return err
	}
	switch a.Kind {
	case replay.KindAppend:
		return s.replayAppend(ctx, m, req.DeviceID, a, res)
	case replay.KindHeartbeat:
		_, err := s.heartbeat(ctx, m, a.Heartbeat.Status, a.Heartbeat.ChildID)
		return err
	case replay.KindResolve:
		out, err := s.resolveOnActor(ctx, req.FamilyID, conflict.Command{
			ConflictID:      a.Resolve.ConflictID,
			Resolution:      conflict.Resolution(strings.ToUpper(a.Resolve.Resolution)),
			ResolverID:      m.ID,
			ExpectedVersion: a.Resolve.ExpectedVersion,
			TargetEventID:   a.Resolve.TargetEventID,
		})
		if err != nil {
			return err
		}
		res.ConflictID = out.Record.ID
		if out.Canonical != nil {
			res.EventID = out.Canonical.ID
		}
		return nil
	}
	return pkgerrors.InvalidParam(fmt.Sprintf("unknown action kind %q", a.Kind))
}

func (s *service) replayAppend(ctx context.Context, m *family.Member, deviceID string, a replay.Action, res *replay.Result) error {
	typ, err := activity.ParseType(a.Append.Type)
	if err != nil {
		return err
	}
	out, err := s.appendOnActor(ctx, m, appendInput{
		childID:         a.Append.ChildID,
		typ:             typ,
		payload:         a.Append.Payload,
		clientTimestamp: a.ClientTimestamp,
		deviceID:        deviceID,
		deviceSeq:       a.DeviceSeq,
	})
	if err != nil {
		return err
	}
	res.EventID = out.Event.ID
	if out.Conflict != nil {
		res.ConflictID = out.Conflict.ID
	}
	return nil
}

// saveCursor moves the device cursor to seq and returns the stored value. A
// failed save is logged; the action itself has already been applied.
func (s *service) saveCursor(ctx context.Context, req *SyncBatchRequest, cur *replay.Cursor, seq int64) int64 {
	if cur == nil {
		cur = &replay.Cursor{FamilyID: req.FamilyID, DeviceID: req.DeviceID}
	}
	if seq <= cur.LastSeq {
		return cur.LastSeq
	}
	next := *cur
	next.LastSeq = seq
	next.UpdatedAt = s.clock.Now()
	if m, err := s.members.FindByFamilyAndUser(ctx, req.FamilyID, req.UserID); err == nil {
		next.MemberID = m.ID
	}
	if err := s.cursors.Save(ctx, &next); err != nil {
		s.logger.Error("failed to save device cursor",
			logging.FamilyID(req.FamilyID),
			logging.String("device_id", req.DeviceID),
			logging.Int64("seq", seq),
			logging.Err(err))
		s.metrics.RecordError("sync", string(pkgerrors.GetCode(err)))
		return cur.LastSeq
	}
	return seq
}

// advanceCursor moves the cursor past an action that ended without applying.
func (s *service) advanceCursor(ctx context.Context, req *SyncBatchRequest, seq int64) int64 {
	var last int64
	_ = s.actors.do(ctx, req.FamilyID, func(ctx context.Context) error {
		cur, err := s.cursors.Get(ctx, req.FamilyID, req.DeviceID)
		if err != nil {
			return err
		}
		last = s.saveCursor(ctx, req, cur, seq)
		return nil
	})
	return last
}

func (s *service) deadLetter(req *SyncBatchRequest, a replay.Action, attempts int, err error) {
	var memberID string
	if m, ferr := s.members.FindByFamilyAndUser(context.Background(), req.FamilyID, req.UserID); ferr == nil {
		memberID = m.ID
	}
	s.logger.Warn("sync action dead-lettered",
		logging.FamilyID(req.FamilyID),
		logging.String("device_id", req.DeviceID),
		logging.Int64("device_seq", a.DeviceSeq),
		logging.Int("attempts", attempts),
		logging.Err(err))
	s.publisher.publish(kafka.TopicDeadLetter, EventSyncActionRejected, req.FamilyID, deadLetterPayload{
		DeviceID: req.DeviceID,
		MemberID: memberID,
		Action:   a,
		Attempts: attempts,
		Error:    err.Error(),
	})
}
