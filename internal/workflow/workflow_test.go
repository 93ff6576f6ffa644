package workflow

import "testing"

func orderedGroup(signedA, signedB, signedC bool) Group {
	return Group{
		Stage:        StagePostApprove,
		EnforceOrder: true,
		Participants: []Participant{
			{ID: "p1", UserID: "alice", Name: "Alice Nguyen", Initials: "AN", Order: 0, Signed: signedA},
			{ID: "p2", UserID: "bart", Name: "Bart Ho", Initials: "BH", Order: 1, Signed: signedB},
			{ID: "p3", UserID: "cleo", Name: "Cleo Park", Initials: "CP", Order: 2, Signed: signedC},
		},
	}
}

func TestAdvanceStage(t *testing.T) {
	cases := []struct {
		name    string
		current Stage
		target  Stage
		wantErr bool
	}{
		{name: "draft to external", current: StageDraft, target: StageExternal, wantErr: false},
		{name: "execute to postapprove", current: StageExecute, target: StagePostApprove, wantErr: false},
		{name: "closed to finalised", current: StageClosed, target: StageFinalised, wantErr: false},
		{name: "skip forward", current: StageDraft, target: StageUploaded, wantErr: true},
		{name: "backward", current: StageExecute, target: StagePreExecute, wantErr: true},
		{name: "void from execute", current: StageExecute, target: StageVoided, wantErr: false},
		{name: "void from draft", current: StageDraft, target: StageVoided, wantErr: false},
		{name: "void from finalised", current: StageFinalised, target: StageVoided, wantErr: true},
		{name: "leave voided", current: StageVoided, target: StageDraft, wantErr: true},
		{name: "advance past finalised", current: StageFinalised, target: StageFinalised + 1, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := AdvanceStage(tc.current, tc.target)
			if (err != nil) != tc.wantErr {
				t.Fatalf("AdvanceStage(%v, %v) error = %v, wantErr %v", tc.current, tc.target, err, tc.wantErr)
			}
		})
	}
}

func TestCanActOrderedSigning(t *testing.T) {
	// With [A, B, C] ordered: B denied while A unsigned, allowed after A,
	// C denied until B signs.
	group := orderedGroup(false, false, false)

	if d := CanAct(Actor{UserID: "bart", Role: RoleReviewer}, StagePostApprove, ActionSign, group); d.Allowed || d.Denial != DenialNotYourTurn {
		t.Fatalf("expected not_your_turn for B, got %+v", d)
	}
	if d := CanAct(Actor{UserID: "alice", Role: RoleReviewer}, StagePostApprove, ActionSign, group); !d.Allowed {
		t.Fatalf("expected A allowed, got %+v", d)
	}

	group = orderedGroup(true, false, false)
	if d := CanAct(Actor{UserID: "bart", Role: RoleReviewer}, StagePostApprove, ActionSign, group); !d.Allowed {
		t.Fatalf("expected B allowed after A signed, got %+v", d)
	}
	if d := CanAct(Actor{UserID: "cleo", Role: RoleReviewer}, StagePostApprove, ActionSign, group); d.Allowed || d.Denial != DenialNotYourTurn {
		t.Fatalf("expected not_your_turn for C, got %+v", d)
	}

	group = orderedGroup(true, true, false)
	if d := CanAct(Actor{UserID: "cleo", Role: RoleReviewer}, StagePostApprove, ActionSign, group); !d.Allowed {
		t.Fatalf("expected C allowed after A and B signed, got %+v", d)
	}
}

func TestCanActDenials(t *testing.T) {
	group := orderedGroup(false, false, false)

	cases := []struct {
		name   string
		actor  Actor
		stage  Stage
		action Action
		allow  bool
		denial Denial
	}{
		{name: "outsider sign", actor: Actor{UserID: "mallory", Role: RoleReviewer}, stage: StagePostApprove, action: ActionSign, denial: DenialNotInList},
		{name: "admin sign", actor: Actor{UserID: "alice", Role: RoleAdmin}, stage: StagePostApprove, action: ActionSign, denial: DenialAdminRestricted},
		{name: "admin stage change", actor: Actor{UserID: "root", Role: RoleAdmin}, stage: StagePostApprove, action: ActionChangeStage, allow: true},
		{name: "sign outside sign stage", actor: Actor{UserID: "alice", Role: RoleReviewer}, stage: StageUploaded, action: ActionSign, denial: DenialWrongStage},
		{name: "correction outside execute", actor: Actor{UserID: "alice", Role: RoleReviewer}, stage: StagePostApprove, action: ActionCorrect, denial: DenialWrongStage},
		{name: "bulk na outside execute", actor: Actor{UserID: "alice", Role: RoleReviewer}, stage: StagePreApprove, action: ActionBulkNA, denial: DenialWrongStage},
		{name: "free text ignores order", actor: Actor{UserID: "cleo", Role: RoleReviewer}, stage: StagePostApprove, action: ActionFreeText, allow: true},
		{name: "free text outsider", actor: Actor{UserID: "mallory", Role: RoleReviewer}, stage: StagePostApprove, action: ActionFreeText, denial: DenialNotInList},
		{name: "terminal stage", actor: Actor{UserID: "alice", Role: RoleReviewer}, stage: StageFinalised, action: ActionFreeText, denial: DenialTerminal},
		{name: "voided stage", actor: Actor{UserID: "alice", Role: RoleReviewer}, stage: StageVoided, action: ActionSign, denial: DenialTerminal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := CanAct(tc.actor, tc.stage, tc.action, group)
			if d.Allowed != tc.allow {
				t.Fatalf("CanAct() allowed = %v, want %v (denial %q)", d.Allowed, tc.allow, d.Denial)
			}
			if !tc.allow && d.Denial != tc.denial {
				t.Fatalf("CanAct() denial = %q, want %q", d.Denial, tc.denial)
			}
		})
	}
}

func TestCanActCorrectionInExecute(t *testing.T) {
	group := Group{
		Stage:        StageExecute,
		EnforceOrder: false,
		Participants: []Participant{
			{ID: "p1", UserID: "alice", Name: "Alice Nguyen", Initials: "AN"},
		},
	}
	if d := CanAct(Actor{UserID: "alice", Role: RoleOperator}, StageExecute, ActionCorrect, group); !d.Allowed {
		t.Fatalf("expected correction allowed in Execute, got %+v", d)
	}
	if d := CanAct(Actor{UserID: "mallory", Role: RoleOperator}, StageExecute, ActionCheckbox, group); d.Allowed || d.Denial != DenialNotInList {
		t.Fatalf("expected not_in_list for outsider checkbox, got %+v", d)
	}
}

func TestGroupNextUnsigned(t *testing.T) {
	group := orderedGroup(true, false, false)
	next, ok := group.NextUnsigned()
	if !ok || next.UserID != "bart" {
		t.Fatalf("NextUnsigned() = %+v, %v; want bart", next, ok)
	}

	group = orderedGroup(true, true, true)
	if _, ok := group.NextUnsigned(); ok {
		t.Fatal("NextUnsigned() should report none pending when all signed")
	}
	if !group.Complete() {
		t.Fatal("Complete() = false, want true")
	}
}

func TestParseStage(t *testing.T) {
	if s, ok := ParseStage(int(StageExecute)); !ok || s != StageExecute {
		t.Fatalf("ParseStage() = %v, %v", s, ok)
	}
	if _, ok := ParseStage(42); ok {
		t.Fatal("ParseStage(42) should fail")
	}
}
