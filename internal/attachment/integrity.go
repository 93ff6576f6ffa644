// Package attachment tracks uploaded file integrity: a content digest
// computed before upload and a bounded set of independent verifications.
package attachment

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

const DefaultVerificationCap = 2

var (
	ErrVerificationCapReached = errors.New("maximum verifications reached")
	ErrDuplicateVerifier      = errors.New("verifier already verified this attachment")
)

// Attachment is the metadata record for one uploaded file. Hash is fixed at
// upload time and never changes; the stored object is keyed by it.
type Attachment struct {
	ID            string    `json:"id"`
	DocumentID    string    `json:"documentId"`
	Number        int       `json:"number"`
	Hash          string    `json:"hash"`
	URL           string    `json:"url"`
	Filename      string    `json:"filename"`
	FileType      string    `json:"fileType"`
	AttachedBy    string    `json:"attachedBy"`
	AttachedOn    time.Time `json:"attachedOn"`
	Verifications []string  `json:"verifications"`
}

// Hash computes the hex-encoded SHA-256 content digest for fileBytes. It is
// computed client-side before upload so the stored record can never drift
// from the bytes that were actually attached.
func Hash(fileBytes []byte) string {
	sum := sha256.Sum256(fileBytes)
	return hex.EncodeToString(sum[:])
}

// AddVerification records that verifierInitials attests the attachment is a
// true copy. The verification list is capacity-bounded and each verifier
// may appear at most once.
func AddVerification(a *Attachment, verifierInitials string, limit int) error {
	if limit <= 0 {
		limit = DefaultVerificationCap
	}
	if len(a.Verifications) >= limit {
		return ErrVerificationCapReached
	}
	for _, existing := range a.Verifications {
		if existing == verifierInitials {
			return ErrDuplicateVerifier
		}
	}
	a.Verifications = append(a.Verifications, verifierInitials)
	return nil
}
