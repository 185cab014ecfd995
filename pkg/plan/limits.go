package plan

// LimitSet holds the per-period limits of a plan. A nil field means the limit
// is unlimited; this is the only representation of "no limit" in the engine,
// never a sentinel integer.
type LimitSet struct {
	EventsPerPeriod       *int64 `yaml:"events_per_period" json:"events_per_period,omitempty"`
	CoursesPerPeriod      *int64 `yaml:"courses_per_period" json:"courses_per_period,omitempty"`
	CertificatesPerPeriod *int64 `yaml:"certificates_per_period" json:"certificates_per_period,omitempty"`
	MaxAttendeesPerEvent  *int64 `yaml:"max_attendees_per_event" json:"max_attendees_per_event,omitempty"`
}

// Limit is a convenience constructor for a finite limit value.
func Limit(n int64) *int64 {
	return &n
}

// StrictZero returns a LimitSet with every limit set to zero. It is the
// fallback when no subscription exists at all, so that a missing record never
// grants unlimited usage.
func StrictZero() LimitSet {
	return LimitSet{
		EventsPerPeriod:       Limit(0),
		CoursesPerPeriod:      Limit(0),
		CertificatesPerPeriod: Limit(0),
		MaxAttendeesPerEvent:  Limit(0),
	}
}

// clone copies the set including the pointed-to values, so a caller writing
// through a cloned limit never reaches the original.
func (l LimitSet) clone() LimitSet {
	out := LimitSet{}
	if l.EventsPerPeriod != nil {
		out.EventsPerPeriod = Limit(*l.EventsPerPeriod)
	}
	if l.CoursesPerPeriod != nil {
		out.CoursesPerPeriod = Limit(*l.CoursesPerPeriod)
	}
	if l.CertificatesPerPeriod != nil {
		out.CertificatesPerPeriod = Limit(*l.CertificatesPerPeriod)
	}
	if l.MaxAttendeesPerEvent != nil {
		out.MaxAttendeesPerEvent = Limit(*l.MaxAttendeesPerEvent)
	}
	return out
}

// Merge overlays the override on top of the base set. Each override field is
// applied independently: a set field replaces the base value, a nil field
// falls through to the base. Overriding a limit to unlimited is intentionally
// not expressible through overrides.
func Merge(base LimitSet, override *LimitSet) LimitSet {
	if override == nil {
		return base
	}
	out := base
	if override.EventsPerPeriod != nil {
		out.EventsPerPeriod = override.EventsPerPeriod
	}
	if override.CoursesPerPeriod != nil {
		out.CoursesPerPeriod = override.CoursesPerPeriod
	}
	if override.CertificatesPerPeriod != nil {
		out.CertificatesPerPeriod = override.CertificatesPerPeriod
	}
	if override.MaxAttendeesPerEvent != nil {
		out.MaxAttendeesPerEvent = override.MaxAttendeesPerEvent
	}
	return out
}
