package app

import (
	"context"
	"errors"
	"net/http"

	"veridoc/api/internal/session"
	"veridoc/api/internal/store"
)

// checkFreshAndLock is the gate every mutation passes before any work
// happens: the caller must hold (or be able to take) the document's edit
// lock, and the edit-time token it presents must match the stored one. A
// mismatch means another session committed since this client last loaded
// the document; the caller gets the fresh state back in the error details
// and must rebuild its view before retrying.
func (s *Service) checkFreshAndLock(ctx context.Context, documentID, userID string, expectedEditTime int64) (store.FreshState, error) {
	if s.locks != nil {
		if err := s.locks.Acquire(ctx, documentID, userID); err != nil {
			return store.FreshState{}, mapLockError(ctx, s.locks, documentID, err)
		}
	}

	fresh, err := s.store.FreshState(ctx, documentID)
	if err != nil {
		return store.FreshState{}, err
	}
	if expectedEditTime != 0 && fresh.Document.EditTime != expectedEditTime {
		return store.FreshState{}, staleError(fresh)
	}
	return fresh, nil
}

func staleError(fresh store.FreshState) error {
	return domainError(http.StatusConflict, "STALE_DOCUMENT",
		"Document changed since it was loaded; reload and retry", map[string]any{
			"editTime": fresh.Document.EditTime,
			"stage":    int(fresh.Document.Stage),
		})
}

func mapLockError(ctx context.Context, locks lockStore, documentID string, err error) error {
	if !errors.Is(err, session.ErrLockHeld) {
		return err
	}
	holder, holderErr := locks.Holder(ctx, documentID)
	details := map[string]any{}
	if holderErr == nil && holder != "" {
		details["holder"] = holder
	}
	return domainError(http.StatusLocked, "LOCK_HELD", "Document is being edited by another session", details)
}
