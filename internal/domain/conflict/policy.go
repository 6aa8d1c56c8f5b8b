package conflict

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/turtacn/CareCircle/internal/domain/activity"
	"github.com/turtacn/CareCircle/pkg/errors"
)

// Policy is the tunable duplicate-scoring policy.
//
// The score of a candidate pair is the weighted mean of three terms in [0,1]:
//
//	time    1 - |Δ|/Window, where Δ is the gap between occurrence times
//	fields  mean similarity of payload keys both events carry (0.5 if none)
//	signal  0 if either event carries the distinct_event flag, else 1
type Policy struct {
	Window       time.Duration `mapstructure:"window" yaml:"window" json:"window"`
	Threshold    float64       `mapstructure:"threshold" yaml:"threshold" json:"threshold"`
	TimeWeight   float64       `mapstructure:"time_weight" yaml:"time_weight" json:"time_weight"`
	FieldWeight  float64       `mapstructure:"field_weight" yaml:"field_weight" json:"field_weight"`
	SignalWeight float64       `mapstructure:"signal_weight" yaml:"signal_weight" json:"signal_weight"`
}

// DefaultPolicy is ±5 minutes, threshold 0.6, weights 0.5/0.3/0.2.
func DefaultPolicy() Policy {
	return Policy{
		Window:       5 * time.Minute,
		Threshold:    0.6,
		TimeWeight:   0.5,
		FieldWeight:  0.3,
		SignalWeight: 0.2,
	}
}

// Validate rejects policies that cannot produce a score in [0,1].
func (p Policy) Validate() error {
	if p.Window <= 0 {
		return errors.InvalidParam("conflict window must be positive")
	}
	if p.Threshold < 0 || p.Threshold > 1 {
		return errors.InvalidParam("conflict threshold must be within [0,1]")
	}
	for name, w := range map[string]float64{"time": p.TimeWeight, "field": p.FieldWeight, "signal": p.SignalWeight} {
		if w < 0 {
			return errors.InvalidParam(fmt.Sprintf("%s weight must not be negative", name))
		}
	}
	if p.TimeWeight+p.FieldWeight+p.SignalWeight == 0 {
		return errors.InvalidParam("at least one conflict weight must be positive")
	}
	return nil
}

// Score is a scored candidate pair.
type Score struct {
	Total  float64 `json:"total"`
	Time   float64 `json:"time"`
	Fields float64 `json:"fields"`
	Signal float64 `json:"signal"`
}

// Candidate reports whether b may duplicate a: same child, compatible type,
// different author, both visible, occurrence gap within the window.
func (p Policy) Candidate(a, b *activity.Event) bool {
	if a.ID == b.ID || a.ChildID != b.ChildID || a.AuthorID == b.AuthorID {
		return false
	}
	if !a.Visible() || !b.Visible() || !a.Type.CompatibleWith(b.Type) {
		return false
	}
	return absDuration(a.OccurredAt().Sub(b.OccurredAt())) <= p.Window
}

// Score rates how likely a and b record the same care. It does not check
// Candidate.
func (p Policy) Score(a, b *activity.Event) Score {
	s := Score{
		Time:   p.timeProximity(absDuration(a.OccurredAt().Sub(b.OccurredAt()))),
		Fields: fieldSimilarity(a.Payload, b.Payload),
		Signal: 1,
	}
	if a.SignalsDistinct() || b.SignalsDistinct() {
		s.Signal = 0
	}
	sum := p.TimeWeight + p.FieldWeight + p.SignalWeight
	s.Total = (p.TimeWeight*s.Time + p.FieldWeight*s.Fields + p.SignalWeight*s.Signal) / sum
	return s
}

func (p Policy) timeProximity(delta time.Duration) float64 {
	if delta >= p.Window {
		return 0
	}
	return 1 - float64(delta)/float64(p.Window)
}

// ignoredFields never count towards similarity.
var ignoredFields = map[string]struct{}{
	activity.PayloadDistinct: {},
	"merge_dropped_fields":   {},
}

func fieldSimilarity(a, b activity.Payload) float64 {
	var total float64
	var common int
	for k, av := range a {
		if _, skip := ignoredFields[k]; skip {
			continue
		}
		bv, ok := b[k]
		if !ok {
			continue
		}
		common++
		total += valueSimilarity(av, bv)
	}
	if common == 0 {
		return 0.5
	}
	return total / float64(common)
}

func valueSimilarity(a, b interface{}) float64 {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			if af == bf {
				return 1
			}
			m := math.Max(math.Abs(af), math.Abs(bf))
			return math.Max(0, 1-math.Abs(af-bf)/m)
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			if strings.EqualFold(strings.TrimSpace(as), strings.TrimSpace(bs)) {
				return 1
			}
			return 0
		}
	}
	if reflect.DeepEqual(a, b) {
		return 1
	}
	return 0
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
