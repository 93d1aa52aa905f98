package attestation

import (
	"fmt"

	"github.com/DIMO-Network/tpm-attestation/pkg/pca"
)

// Error is a sentinel error of the attestation engine.
type Error string

func (e Error) Error() string {
	return string(e)
}

const (
	// ErrNotInitialized is returned before Initialize has loaded the database.
	ErrNotInitialized Error = "attestation engine not initialized"
	// ErrTPMNotReady is returned when the TPM is disabled, unowned or busy.
	ErrTPMNotReady Error = "tpm is not ready"
	// ErrNotFinalized is returned while install attributes are not locked.
	ErrNotFinalized Error = "install attributes are not finalized"
	// ErrPreparationInProgress is returned to a caller racing an ongoing
	// preparation.
	ErrPreparationInProgress Error = "enrollment preparation already in progress"
	// ErrNotPrepared is returned when no identity exists for the PCA.
	ErrNotPrepared Error = "not prepared for enrollment"
	// ErrNotEnrolled is returned when the identity has no credential from the
	// PCA.
	ErrNotEnrolled Error = "not enrolled"
	// ErrUnknownPCA is returned for a PCA type missing from the registry.
	ErrUnknownPCA Error = "unknown privacy ca"
	// ErrCAStatus is wrapped by every *CAError.
	ErrCAStatus Error = "privacy ca refused the request"
	// ErrVersionMismatch is returned when a credential targets another TPM
	// family.
	ErrVersionMismatch Error = "tpm version mismatch"
	// ErrUnknownMessageID is returned when no pending request matches a
	// certificate response.
	ErrUnknownMessageID Error = "no pending certificate request for message id"
	// ErrMessageIDMismatch is returned when a certificate response answers
	// another request.
	ErrMessageIDMismatch Error = "certificate response message id mismatch"
	// ErrParse is returned for malformed CA responses.
	ErrParse Error = "malformed privacy ca response"
	// ErrNotAvailable is returned when requested device data does not exist.
	ErrNotAvailable Error = "not available"
)

// CAError is a non-OK status reported by a Privacy CA.
type CAError struct {
	Status pca.ResponseStatus
	Detail string
}

func (e *CAError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", ErrCAStatus, e.Status)
	}
	return fmt.Sprintf("%s: %s: %s", ErrCAStatus, e.Status, e.Detail)
}

// Unwrap lets errors.Is match ErrCAStatus.
func (e *CAError) Unwrap() error {
	return ErrCAStatus
}
