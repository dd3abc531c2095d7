package defectlog

import "defectline/internal/domain"

// Log is the in-memory, insertion-ordered defect collection. It does not
// enforce id uniqueness and is not safe for concurrent use.
type Log struct {
	defects []*domain.Defect
}

func New() *Log { return &Log{} }

// FromSnapshot rebuilds a log from stored defects, keeping their order.
func FromSnapshot(items []domain.Defect) *Log {
	l := New()
	l.Replace(items)
	return l
}

// Add appends d to the end of the log.
func (l *Log) Add(d *domain.Defect) {
	l.defects = append(l.defects, d)
}

// Find returns the first defect whose id matches, ignoring case.
func (l *Log) Find(id string) (*domain.Defect, bool) {
	for _, d := range l.defects {
		if domain.SameID(d.ID, id) {
			return d, true
		}
	}
	return nil, false
}

// RemoveResolved drops every resolved defect and returns how many went.
func (l *Log) RemoveResolved() int {
	kept := l.defects[:0]
	for _, d := range l.defects {
		if !d.Resolved {
			kept = append(kept, d)
		}
	}
	removed := len(l.defects) - len(kept)
	for i := len(kept); i < len(l.defects); i++ {
		l.defects[i] = nil
	}
	l.defects = kept
	return removed
}

// All returns copies of the defects in insertion order.
func (l *Log) All() []domain.Defect {
	out := make([]domain.Defect, 0, len(l.defects))
	for _, d := range l.defects {
		cp := *d
		if d.ResolvedAt != nil {
			at := *d.ResolvedAt
			cp.ResolvedAt = &at
		}
		out = append(out, cp)
	}
	return out
}

func (l *Log) Len() int { return len(l.defects) }

// Replace discards the current contents and loads items.
func (l *Log) Replace(items []domain.Defect) {
	l.defects = make([]*domain.Defect, 0, len(items))
	for i := range items {
		d := items[i]
		l.defects = append(l.defects, &d)
	}
}
