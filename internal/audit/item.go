package audit

import (
	"encoding/json"
	"errors"
	"fmt"

	"veridoc/api/internal/workflow"
)

// InsertionMode records whether an entry targeted a specific cell or the
// editor's current cursor position. Every insertable kind exists in both
// modes on the wire; structurally there is one kind tagged with a mode.
type InsertionMode int

const (
	AtCell InsertionMode = iota
	AtCursor
)

type Kind int

const (
	KindPerformedBySign Kind = iota
	KindReviewedBySign
	KindApprovedBySign
	KindVerifiedBySign
	KindCustomSign
	KindAddAttachment
	KindVerifyAttachment
	KindFreeText
	KindNote
	KindCheckedBox
	KindMadeCorrection
	KindBulkNA
	KindChangedStage
	KindClosed
	KindVoided
	KindFinalisePDF
)

// insertable kinds carry a cursor variant on the wire.
var insertable = map[Kind]bool{
	KindPerformedBySign:  true,
	KindReviewedBySign:   true,
	KindApprovedBySign:   true,
	KindVerifiedBySign:   true,
	KindCustomSign:       true,
	KindAddAttachment:    true,
	KindVerifyAttachment: true,
	KindFreeText:         true,
	KindNote:             true,
}

// Wire codes. Insertable kinds occupy an even/odd pair: even is the
// cell-targeted variant, odd the cursor-targeted one. Structural events
// start at 100 and have no pair.
const structuralBase = 100

func wireCode(kind Kind, mode InsertionMode) int {
	if insertable[kind] {
		code := int(kind) * 2
		if mode == AtCursor {
			code++
		}
		return code
	}
	return structuralBase + int(kind)
}

func parseWireCode(code int) (Kind, InsertionMode, error) {
	if code >= structuralBase {
		kind := Kind(code - structuralBase)
		if insertable[kind] || kind > KindFinalisePDF {
			return 0, 0, fmt.Errorf("unknown action type %d", code)
		}
		return kind, AtCell, nil
	}
	kind := Kind(code / 2)
	if !insertable[kind] {
		return 0, 0, fmt.Errorf("unknown action type %d", code)
	}
	mode := AtCell
	if code%2 == 1 {
		mode = AtCursor
	}
	return kind, mode, nil
}

// ActionType returns the integer wire code for the kind/mode pair.
func (i Item) ActionType() int {
	return wireCode(i.Kind, i.Mode)
}

// CellRef locates one table cell in the document body.
type CellRef struct {
	Table int `json:"table"`
	Row   int `json:"row"`
	Col   int `json:"col"`
}

// AttachmentRef carries the attachment fields of attachment-related events.
type AttachmentRef struct {
	Hash     string
	URL      string
	Filename string
	Number   int
}

// LateEntry is the claimed backdated effective time plus its justification.
// The three fields travel together or not at all.
type LateEntry struct {
	Date   string
	Time   string
	Reason string
}

// Item is the immutable unit of history. Exactly one Item is produced per
// committed mutation and it never changes afterwards; corrections are new
// items referencing prior text, not replacements.
type Item struct {
	LegalName string
	Email     string
	UserID    string
	Initials  string
	// Time is the actual submission time in epoch milliseconds. A late
	// entry never overwrites it; the claimed time lives in Late.
	Time                 int64
	Kind                 Kind
	Mode                 InsertionMode
	Stage                workflow.Stage
	NewText              string
	RemovedText          string
	Reason               string
	CellIndices          []CellRef
	MarkerCounter        *int
	EmptyCellCountChange *int
	Attachment           *AttachmentRef
	Late                 *LateEntry
	Verifications        map[string][]string
	PageCount            *int
}

var ErrPartialLateEntry = errors.New("late entry fields must all be present or all absent")

type wireItem struct {
	LegalName            string              `json:"legalName"`
	Email                string              `json:"email"`
	UserID               string              `json:"userId"`
	Initials             string              `json:"initials"`
	Time                 int64               `json:"time"`
	NewText              string              `json:"newText"`
	RemovedText          string              `json:"removedText"`
	Reason               string              `json:"reason"`
	ActionType           int                 `json:"actionType"`
	Stage                int                 `json:"stage"`
	CellIndices          string              `json:"cellIndices"`
	MarkerCounter        *int                `json:"markerCounter,omitempty"`
	EmptyCellCountChange *int                `json:"emptyCellCountChange,omitempty"`
	AttachmentHash       string              `json:"attachmentHash,omitempty"`
	AttachmentURL        string              `json:"attachmentUrl,omitempty"`
	AttachmentFilename   string              `json:"attachmentFilename,omitempty"`
	AttachmentNumber     int                 `json:"attachmentNumber,omitempty"`
	LateActionDate       string              `json:"lateActionDate,omitempty"`
	LateActionTime       string              `json:"lateActionTime,omitempty"`
	LateReason           string              `json:"lateReason,omitempty"`
	Verifications        map[string][]string `json:"verifications,omitempty"`
	PageCount            *int                `json:"pageCount,omitempty"`
}

// MarshalWire serializes the item to its wire form.
func (i Item) MarshalWire() ([]byte, error) {
	cells, err := json.Marshal(i.CellIndices)
	if err != nil {
		return nil, fmt.Errorf("marshal cell indices: %w", err)
	}
	w := wireItem{
		LegalName:            i.LegalName,
		Email:                i.Email,
		UserID:               i.UserID,
		Initials:             i.Initials,
		Time:                 i.Time,
		NewText:              i.NewText,
		RemovedText:          i.RemovedText,
		Reason:               i.Reason,
		ActionType:           wireCode(i.Kind, i.Mode),
		Stage:                int(i.Stage),
		CellIndices:          string(cells),
		MarkerCounter:        i.MarkerCounter,
		EmptyCellCountChange: i.EmptyCellCountChange,
		Verifications:        i.Verifications,
		PageCount:            i.PageCount,
	}
	if i.Attachment != nil {
		w.AttachmentHash = i.Attachment.Hash
		w.AttachmentURL = i.Attachment.URL
		w.AttachmentFilename = i.Attachment.Filename
		w.AttachmentNumber = i.Attachment.Number
	}
	if i.Late != nil {
		if i.Late.Date == "" || i.Late.Time == "" || i.Late.Reason == "" {
			return nil, ErrPartialLateEntry
		}
		w.LateActionDate = i.Late.Date
		w.LateActionTime = i.Late.Time
		w.LateReason = i.Late.Reason
	}
	return json.Marshal(w)
}

// UnmarshalWire parses an item from its wire form.
func UnmarshalWire(data []byte) (Item, error) {
	var w wireItem
	if err := json.Unmarshal(data, &w); err != nil {
		return Item{}, fmt.Errorf("unmarshal audit item: %w", err)
	}
	kind, mode, err := parseWireCode(w.ActionType)
	if err != nil {
		return Item{}, err
	}
	stage, ok := workflow.ParseStage(w.Stage)
	if !ok {
		return Item{}, fmt.Errorf("unknown stage %d", w.Stage)
	}

	item := Item{
		LegalName:            w.LegalName,
		Email:                w.Email,
		UserID:               w.UserID,
		Initials:             w.Initials,
		Time:                 w.Time,
		Kind:                 kind,
		Mode:                 mode,
		Stage:                stage,
		NewText:              w.NewText,
		RemovedText:          w.RemovedText,
		Reason:               w.Reason,
		MarkerCounter:        w.MarkerCounter,
		EmptyCellCountChange: w.EmptyCellCountChange,
		Verifications:        w.Verifications,
		PageCount:            w.PageCount,
	}
	if w.CellIndices != "" {
		if err := json.Unmarshal([]byte(w.CellIndices), &item.CellIndices); err != nil {
			return Item{}, fmt.Errorf("unmarshal cell indices: %w", err)
		}
	}
	if w.AttachmentHash != "" || w.AttachmentURL != "" || w.AttachmentFilename != "" {
		item.Attachment = &AttachmentRef{
			Hash:     w.AttachmentHash,
			URL:      w.AttachmentURL,
			Filename: w.AttachmentFilename,
			Number:   w.AttachmentNumber,
		}
	}
	lateSet := 0
	for _, v := range []string{w.LateActionDate, w.LateActionTime, w.LateReason} {
		if v != "" {
			lateSet++
		}
	}
	if lateSet > 0 && lateSet < 3 {
		return Item{}, ErrPartialLateEntry
	}
	if lateSet == 3 {
		item.Late = &LateEntry{Date: w.LateActionDate, Time: w.LateActionTime, Reason: w.LateReason}
	}
	return item, nil
}
