package workflow

// Participant is a member of a stage's signing group. Order is the position
// within the group when ordered signing is enabled; Signed is scoped to the
// stage the group belongs to and resets when the document re-enters it.
type Participant struct {
	ID       string `json:"id"`
	UserID   string `json:"userId"`
	Name     string `json:"name"`
	Initials string `json:"initials"`
	Order    int    `json:"order"`
	Signed   bool   `json:"signed"`
}

// Group is the ordered collection of participants for one sign-active stage.
type Group struct {
	Stage        Stage         `json:"stage"`
	EnforceOrder bool          `json:"enforceOrder"`
	Participants []Participant `json:"participants"`
}

// Member returns the participant for userID, if present.
func (g Group) Member(userID string) (Participant, bool) {
	for _, p := range g.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// NextUnsigned returns the earliest unsigned participant by order. The
// second result is false once everyone has signed.
func (g Group) NextUnsigned() (Participant, bool) {
	var next Participant
	found := false
	for _, p := range g.Participants {
		if p.Signed {
			continue
		}
		if !found || p.Order < next.Order {
			next = p
			found = true
		}
	}
	return next, found
}

// Complete reports whether every participant in the group has signed.
func (g Group) Complete() bool {
	for _, p := range g.Participants {
		if !p.Signed {
			return false
		}
	}
	return true
}
