package conflict

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/CareCircle/internal/domain/activity"
)

var ten = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func ev(id, author string, typ activity.Type, at time.Time, payload activity.Payload) *activity.Event {
	return &activity.Event{ID: id, FamilyID: "f", ChildID: "c", AuthorID: author, Type: typ, ServerTimestamp: at, Payload: payload}
}

func TestPolicy_TwoMinuteDiaperDuplicate(t *testing.T) {
	p := DefaultPolicy()
	a := ev("1", "A", activity.TypeDiaper, ten, nil)
	b := ev("2", "B", activity.TypeDiaper, ten.Add(2*time.Minute), nil)

	require.True(t, p.Candidate(a, b))
	s := p.Score(a, b)
	assert.InDelta(t, 0.6, s.Time, 1e-9)
	assert.InDelta(t, 0.5, s.Fields, 1e-9)
	assert.InDelta(t, 1.0, s.Signal, 1e-9)
	assert.InDelta(t, 0.65, s.Total, 1e-9)
	assert.GreaterOrEqual(t, s.Total, p.Threshold)
}

func TestPolicy_ScoreNonIncreasingInTimeDelta(t *testing.T) {
	p := DefaultPolicy()
	rng := rand.New(rand.NewSource(7))
	payloads := []activity.Payload{
		nil,
		{"kind": "wet"},
		{"kind": "dirty", "cream": true},
		{"amount_ml": 120.0},
		{"amount_ml": 90.0, activity.PayloadDistinct: true},
	}
	for i := 0; i < 200; i++ {
		pa := payloads[rng.Intn(len(payloads))]
		pb := payloads[rng.Intn(len(payloads))]
		a := ev("a", "A", activity.TypeFeeding, ten, pa)

		prev := 2.0
		for step := 0; step <= 60; step++ {
			delta := time.Duration(step) * p.Window / 60
			if rng.Intn(2) == 0 {
				delta = -delta
			}
			b := ev("b", "B", activity.TypeFeeding, ten.Add(delta), pb)
			s := p.Score(a, b).Total
			assert.LessOrEqual(t, s, prev+1e-12, "score rose at delta %s", delta)
			prev = s
		}
	}
}

func TestPolicy_Candidate(t *testing.T) {
	p := DefaultPolicy()
	a := ev("1", "A", activity.TypeSleep, ten, nil)

	assert.True(t, p.Candidate(a, ev("2", "B", activity.TypeNap, ten.Add(time.Minute), nil)))
	assert.False(t, p.Candidate(a, ev("2", "A", activity.TypeSleep, ten, nil)), "same author")
	assert.False(t, p.Candidate(a, ev("2", "B", activity.TypeFeeding, ten, nil)), "incompatible type")
	assert.False(t, p.Candidate(a, ev("2", "B", activity.TypeSleep, ten.Add(6*time.Minute), nil)), "outside window")
	assert.False(t, p.Candidate(a, a), "self")

	other := ev("2", "B", activity.TypeSleep, ten, nil)
	other.ChildID = "c2"
	assert.False(t, p.Candidate(a, other), "different child")

	gone := ev("2", "B", activity.TypeSleep, ten, nil)
	gone.Tombstoned = true
	assert.False(t, p.Candidate(a, gone), "tombstoned")
}

func TestPolicy_ClientTimestampDrivesWindow(t *testing.T) {
	p := DefaultPolicy()
	offline := ten.Add(-time.Minute)
	a := ev("1", "A", activity.TypeDiaper, ten.Add(3*time.Hour), nil)
	a.ClientTimestamp = &offline
	b := ev("2", "B", activity.TypeDiaper, ten, nil)

	assert.True(t, p.Candidate(a, b))
	assert.InDelta(t, 0.8, p.Score(a, b).Time, 1e-9)
}

func TestFieldSimilarity(t *testing.T) {
	assert.Equal(t, 0.5, fieldSimilarity(activity.Payload{"x": 1.0}, activity.Payload{"y": 1.0}))
	assert.Equal(t, 1.0, fieldSimilarity(activity.Payload{"kind": "Wet"}, activity.Payload{"kind": "wet "}))
	assert.Equal(t, 0.0, fieldSimilarity(activity.Payload{"kind": "wet"}, activity.Payload{"kind": "dirty"}))
	assert.InDelta(t, 0.75, fieldSimilarity(activity.Payload{"amount_ml": 90.0}, activity.Payload{"amount_ml": 120.0}), 1e-9)
	assert.Equal(t, 0.5, fieldSimilarity(
		activity.Payload{activity.PayloadDistinct: true},
		activity.Payload{activity.PayloadDistinct: true}))
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())

	bad := []func(*Policy){
		func(p *Policy) { p.Window = 0 },
		func(p *Policy) { p.Threshold = 1.5 },
		func(p *Policy) { p.TimeWeight = -1 },
		func(p *Policy) { p.TimeWeight, p.FieldWeight, p.SignalWeight = 0, 0, 0 },
	}
	for i, mutate := range bad {
		p := DefaultPolicy()
		mutate(&p)
		assert.Error(t, p.Validate(), "case %d", i)
	}
}

func TestResolution_Target(t *testing.T) {
	assert.Equal(t, StatusMerged, ResolutionMerge.Target())
	assert.Equal(t, StatusEscalated, ResolutionEscalate.Target())
	assert.False(t, Resolution("IGNORE").IsValid())
	assert.True(t, StatusDeleted.IsTerminal())
	assert.False(t, StatusEscalated.IsTerminal())
}
