package activity

import (
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/CareCircle/pkg/errors"
)

// MergePayloads unions the payloads. A key whose values disagree between
// sources is left out and reported in the second return value.
func MergePayloads(payloads ...Payload) (Payload, []string) {
	merged := Payload{}
	conflicting := map[string]struct{}{}
	for _, p := range payloads {
		for k, v := range p {
			if k == PayloadDistinct {
				continue
			}
			if _, bad := conflicting[k]; bad {
				continue
			}
			if existing, ok := merged[k]; ok && !reflect.DeepEqual(existing, v) {
				delete(merged, k)
				conflicting[k] = struct{}{}
				continue
			}
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(conflicting))
	for k := range conflicting {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return merged, keys
}

// NewCanonical builds the uncommitted merge of sources, authored by
// mergedBy. The canonical event occurs at the earliest source occurrence and
// takes the earliest source's type.
func NewCanonical(sources []*Event, mergedBy string) (*Event, error) {
	if len(sources) < 2 {
		return nil, errors.New(errors.ErrCodeResolutionInvalid, "a merge needs at least two events")
	}
	ordered := append([]*Event(nil), sources...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].OccurredAt().Before(ordered[j].OccurredAt())
	})

	first := ordered[0]
	payloads := make([]Payload, 0, len(ordered))
	ids := make([]string, 0, len(ordered))
	for _, s := range ordered {
		if s.ChildID != first.ChildID || s.FamilyID != first.FamilyID {
			return nil, errors.New(errors.ErrCodeResolutionInvalid, "merged events must share a child")
		}
		payloads = append(payloads, s.Payload)
		ids = append(ids, s.ID)
	}
	payload, dropped := MergePayloads(payloads...)
	if len(dropped) > 0 {
		payload["merge_dropped_fields"] = dropped
	}
	sort.Strings(ids)

	occurred := first.OccurredAt()
	canonical := &Event{
		ID:              uuid.New().String(),
		FamilyID:        first.FamilyID,
		ChildID:         first.ChildID,
		AuthorID:        mergedBy,
		Type:            first.Type,
		Payload:         payload,
		ClientTimestamp: timePtr(occurred),
		MergedFrom:      ids,
		SyncStatus:      SyncCommitted,
	}
	// A required field may have been dropped as conflicting; the earliest
	// source wins for those so the canonical event stays valid.
	if canonical.Validate() != nil {
		for _, k := range dropped {
			if v, ok := first.Payload[k]; ok {
				canonical.Payload[k] = v
			}
		}
	}
	return canonical, nil
}

func timePtr(t time.Time) *time.Time { return &t }
