package main

import (
	"context"

	"github.com/cenkalti/backoff/v4"

	"github.com/turtacn/CareCircle/internal/application/care"
	"github.com/turtacn/CareCircle/internal/domain/activity"
	"github.com/turtacn/CareCircle/internal/domain/conflict"
	"github.com/turtacn/CareCircle/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/CareCircle/pkg/errors"
)

type eventFinder interface {
	FindByID(ctx context.Context, id string) (*activity.Event, error)
}

type photoRemover interface {
	Delete(ctx context.Context, familyID, objectKey string) error
}

// photoJanitor removes the stored photo of an event that a DELETE
// resolution tombstoned. Merged or kept events keep their objects.
type photoJanitor struct {
	events eventFinder
	photos photoRemover
	logger logging.Logger
}

func newPhotoJanitor(events eventFinder, photos photoRemover, logger logging.Logger) *photoJanitor {
	return &photoJanitor{events: events, photos: photos, logger: logger.Named("photo_janitor")}
}

// HandleConflict is the handler for the conflict lifecycle topic. Errors
// wrapped in backoff.Permanent are not worth retrying.
func (j *photoJanitor) HandleConflict(ctx context.Context, env *kafka.EventEnvelope) error {
	if env.EventType != care.EventConflictResolved {
		return nil
	}
	var rec conflict.Record
	if err := env.DecodePayload(&rec); err != nil {
		return backoff.Permanent(err)
	}
	if rec.Resolution != conflict.ResolutionDelete || rec.DeletedEventID == "" {
		return nil
	}

	e, err := j.events.FindByID(ctx, rec.DeletedEventID)
	if err != nil {
		if errors.IsNotFound(err) {
			j.logger.Warn("deleted event not found", logging.EventID(rec.DeletedEventID))
			return nil
		}
		return err
	}
	if e.Type != activity.TypePhoto || !e.Tombstoned {
		return nil
	}
	key, _ := e.Payload["object_key"].(string)
	if key == "" {
		return nil
	}

	if err := j.photos.Delete(ctx, e.FamilyID, key); err != nil {
		if errors.IsCode(err, errors.ErrCodeForbidden) {
			j.logger.Warn("photo key outside family prefix",
				logging.EventID(e.ID), logging.String("object_key", key))
			return nil
		}
		return err
	}
	j.logger.Info("removed photo of deleted event",
		logging.EventID(e.ID), logging.String("object_key", key))
	return nil
}
