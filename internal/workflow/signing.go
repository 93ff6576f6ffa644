package workflow

type Role string

const (
	RoleOperator Role = "operator"
	RoleReviewer Role = "reviewer"
	RoleOwner    Role = "owner"
	// RoleAdmin administers the system and is therefore barred from
	// content mutations in sign-active stages (separation of duties).
	RoleAdmin Role = "admin"
)

type Action int

const (
	ActionSign Action = iota
	ActionFreeText
	ActionNote
	ActionAttach
	ActionVerifyAttachment
	ActionCorrect
	ActionCheckbox
	ActionBulkNA
	ActionChangeStage
	ActionClose
)

// executeOnly actions may only happen while the document is in Execute.
var executeOnly = map[Action]bool{
	ActionAttach:           true,
	ActionVerifyAttachment: true,
	ActionCorrect:          true,
	ActionCheckbox:         true,
	ActionBulkNA:           true,
}

type Denial string

const (
	DenialNone            Denial = ""
	DenialNotInList       Denial = "not_in_list"
	DenialNotYourTurn     Denial = "not_your_turn"
	DenialWrongStage      Denial = "wrong_stage"
	DenialAdminRestricted Denial = "admin_restricted"
	DenialTerminal        Denial = "document_terminal"
)

type Actor struct {
	UserID string
	Role   Role
}

type Decision struct {
	Allowed bool
	Denial  Denial
}

func allow() Decision        { return Decision{Allowed: true} }
func deny(d Denial) Decision { return Decision{Denial: d} }

// CanAct decides whether actor may perform action in the given stage. The
// group is the participant group scoped to that stage; it may be empty for
// stages that collect no signatures.
func CanAct(actor Actor, stage Stage, action Action, group Group) Decision {
	if stage.Terminal() {
		return deny(DenialTerminal)
	}
	if executeOnly[action] && stage != StageExecute {
		return deny(DenialWrongStage)
	}
	if stage.SignActive() && actor.Role == RoleAdmin && action != ActionChangeStage && action != ActionClose {
		return deny(DenialAdminRestricted)
	}

	if action == ActionSign {
		if !stage.SignActive() {
			return deny(DenialWrongStage)
		}
		member, ok := group.Member(actor.UserID)
		if !ok {
			return deny(DenialNotInList)
		}
		if group.EnforceOrder {
			next, pending := group.NextUnsigned()
			if !pending || next.UserID != member.UserID {
				return deny(DenialNotYourTurn)
			}
		}
		return allow()
	}

	// Free text and notes only need membership, never turn order.
	if (action == ActionFreeText || action == ActionNote) && stage.SignActive() {
		if _, ok := group.Member(actor.UserID); !ok {
			return deny(DenialNotInList)
		}
		return allow()
	}

	if executeOnly[action] {
		if _, ok := group.Member(actor.UserID); !ok {
			return deny(DenialNotInList)
		}
		return allow()
	}

	return allow()
}
