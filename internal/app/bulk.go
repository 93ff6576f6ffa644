package app

import (
	"context"
	"net/http"

	"veridoc/api/internal/audit"
	"veridoc/api/internal/store"
	"veridoc/api/internal/workflow"
)

type BulkNAInput struct {
	ExpectedEditTime int64           `json:"expectedEditTime"`
	CellIndices      []audit.CellRef `json:"cellIndices"`
	Late             *LateInput      `json:"late,omitempty"`
}

// BulkNA marks a set of cells "N/A" as one operation: a single audit item
// carrying every targeted cell under one timestamp, one marker drawn from
// the server counter and stamped identically into every cell, and one
// empty-cell adjustment equal to the number of distinct cells actually
// filled. Duplicate cell references collapse so a sloppy client cannot
// drive the empty-cell count below reality.
func (s *Service) BulkNA(ctx context.Context, session Session, documentID string, input BulkNAInput) (store.AuditRecord, error) {
	cells := dedupeCells(input.CellIndices)
	if len(cells) == 0 {
		return store.AuditRecord{}, domainError(http.StatusBadRequest, "CELL_REQUIRED", "Bulk N/A targets at least one cell", nil)
	}

	fresh, err := s.checkFreshAndLock(ctx, documentID, session.UserID, input.ExpectedEditTime)
	if err != nil {
		return store.AuditRecord{}, err
	}

	stage := fresh.Document.Stage
	actor := workflow.Actor{UserID: session.UserID, Role: workflow.Role(session.Role)}
	if decision := workflow.CanAct(actor, stage, workflow.ActionBulkNA, groupForStage(fresh.Groups, stage)); !decision.Allowed {
		return store.AuditRecord{}, denialError(decision.Denial)
	}

	item, err := s.newItem(session, fresh, audit.KindBulkNA, false, cells, input.Late)
	if err != nil {
		return store.AuditRecord{}, err
	}
	marker := audit.NextMarker(fresh.Document.MarkerCounter)
	item.MarkerCounter = &marker
	item.NewText = "N/A " + audit.MarkerText(session.Initials, marker)
	delta := cappedDelta(len(cells), fresh.Document.EmptyCellCount)
	item.EmptyCellCountChange = &delta

	m := s.newMutation(documentID, fresh, item)
	m.NewMarkerCounter = &marker
	m.EmptyCellDelta = delta

	return s.commit(ctx, session, fresh, m)
}

func dedupeCells(cells []audit.CellRef) []audit.CellRef {
	seen := make(map[audit.CellRef]struct{}, len(cells))
	out := make([]audit.CellRef, 0, len(cells))
	for _, c := range cells {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
