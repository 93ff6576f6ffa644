package workflow

import "errors"

// Stage is a position in the document lifecycle. The zero value is Draft.
type Stage int

const (
	StageDraft Stage = iota
	StageExternal
	StageUploaded
	StagePreApprove
	StagePreExecute
	StageExecute
	StagePostApprove
	StageClosed
	StageFinalised
	// StageVoided is absorbing: reachable from any non-terminal stage,
	// never left.
	StageVoided
)

var ErrInvalidTransition = errors.New("invalid stage transition")

var stageNames = map[Stage]string{
	StageDraft:       "Draft",
	StageExternal:    "External",
	StageUploaded:    "Uploaded",
	StagePreApprove:  "PreApprove",
	StagePreExecute:  "PreExecute",
	StageExecute:     "Execute",
	StagePostApprove: "PostApprove",
	StageClosed:      "Closed",
	StageFinalised:   "Finalised",
	StageVoided:      "Voided",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "Unknown"
}

// SignActive reports whether the stage collects participant signatures.
func (s Stage) SignActive() bool {
	return s == StagePreApprove || s == StageExecute || s == StagePostApprove
}

// Terminal stages accept no further mutations.
func (s Stage) Terminal() bool {
	return s == StageFinalised || s == StageVoided
}

// AdvanceStage validates a transition from current to target. Transitions
// are forward-only along the lifecycle ordering, except that any
// non-terminal stage may be voided.
func AdvanceStage(current, target Stage) error {
	if current.Terminal() {
		return ErrInvalidTransition
	}
	if target == StageVoided {
		return nil
	}
	if target == current+1 && target <= StageFinalised {
		return nil
	}
	return ErrInvalidTransition
}

// ParseStage maps a wire integer back to a Stage.
func ParseStage(value int) (Stage, bool) {
	s := Stage(value)
	_, ok := stageNames[s]
	return s, ok
}
