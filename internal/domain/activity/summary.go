package activity

import "time"

// TypeStats aggregates one activity type.
type TypeStats struct {
	Count int       `json:"count"`
	Last  time.Time `json:"last"`
}

// Summary aggregates visible events for analytics.
type Summary struct {
	From       time.Time                      `json:"from"`
	To         time.Time                      `json:"to"`
	Total      int                            `json:"total"`
	ByType     map[Type]*TypeStats            `json:"by_type"`
	ByChild    map[string]map[Type]*TypeStats `json:"by_child"`
	ByAuthor   map[string]int                 `json:"by_author"`
	Merged     int                            `json:"merged"`
	Tombstoned int                            `json:"tombstoned"`
}

// Summarize folds events into a Summary. Hidden events are counted in
// Merged and Tombstoned only.
func Summarize(events []*Event, from, to time.Time) *Summary {
	s := &Summary{
		From:     from,
		To:       to,
		ByType:   map[Type]*TypeStats{},
		ByChild:  map[string]map[Type]*TypeStats{},
		ByAuthor: map[string]int{},
	}
	for _, e := range events {
		switch {
		case e.Tombstoned:
			s.Tombstoned++
			continue
		case e.SupersededBy != "":
			s.Merged++
			continue
		}
		at := e.OccurredAt()
		s.Total++
		s.ByAuthor[e.AuthorID]++
		bump(s.ByType, e.Type, at)
		child, ok := s.ByChild[e.ChildID]
		if !ok {
			child = map[Type]*TypeStats{}
			s.ByChild[e.ChildID] = child
		}
		bump(child, e.Type, at)
	}
	return s
}

func bump(m map[Type]*TypeStats, t Type, at time.Time) {
	st, ok := m[t]
	if !ok {
		st = &TypeStats{}
		m[t] = st
	}
	st.Count++
	if at.After(st.Last) {
		st.Last = at
	}
}
