package spec

// Match is the three-valued outcome of comparing a rule constraint with a
// probe attribute. A probe may stand for a range of flows, so a constraint can
// hold for all of them, for some of them, or for none.
type Match int

const (
	MatchNot Match = iota
	MatchPartial
	MatchAll
)

func (m Match) String() string {
	switch m {
	case MatchAll:
		return "ALL"
	case MatchPartial:
		return "MATCH"
	default:
		return "NOT"
	}
}

// And combines constraints that must all hold.
func (m Match) And(o Match) Match {
	if m < o {
		return m
	}
	return o
}

// Or combines alternative constraints when their exact union is unknown.
func (m Match) Or(o Match) Match {
	if m > o {
		return m
	}
	return o
}

// Invert returns the match of the complement constraint.
func (m Match) Invert() Match {
	switch m {
	case MatchAll:
		return MatchNot
	case MatchNot:
		return MatchAll
	default:
		return MatchPartial
	}
}

// Relation classifies a candidate set against a reference set given whether
// the candidate is contained in it and whether the two overlap.
func Relation(contained, overlaps bool) Match {
	switch {
	case contained:
		return MatchAll
	case overlaps:
		return MatchPartial
	default:
		return MatchNot
	}
}

func (m Match) MarshalText() ([]byte, error) { return []byte(m.String()), nil }
