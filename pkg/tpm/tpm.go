// Package tpm defines the TPM adapter consumed by the attestation engine and
// the retry classification every adapter call reports.
package tpm

import (
	"context"
	"errors"
	"fmt"
)

// RetryAction classifies a failed TPM command.
type RetryAction int

const (
	// RetryNone means the command did not fail.
	RetryNone RetryAction = iota
	// RetryCommFailure means communication with the TPM failed.
	RetryCommFailure
	// RetryInvalidHandle means a key handle was stale.
	RetryInvalidHandle
	// RetryLoadFail means a key could not be loaded.
	RetryLoadFail
	// RetryDefendLock means the TPM is in dictionary-attack lockout.
	RetryDefendLock
	// RetryReboot means the TPM needs a reboot before it can be used again.
	RetryReboot
	// RetryFatal means the TPM is unusable.
	RetryFatal
	// RetryFailNoRetry means the command failed and repeating it will not help.
	RetryFailNoRetry
)

var retryActionNames = map[RetryAction]string{
	RetryNone:          "none",
	RetryCommFailure:   "comm_failure",
	RetryInvalidHandle: "invalid_handle",
	RetryLoadFail:      "load_fail",
	RetryDefendLock:    "defend_lock",
	RetryReboot:        "reboot",
	RetryFatal:         "fatal",
	RetryFailNoRetry:   "fail_no_retry",
}

func (a RetryAction) String() string {
	if name, ok := retryActionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("retry_action(%d)", int(a))
}

// Retryable reports whether a reload followed by one more attempt may succeed.
func (a RetryAction) Retryable() bool {
	return a == RetryCommFailure || a == RetryInvalidHandle || a == RetryLoadFail
}

// Error is returned by adapters for failed TPM commands.
type Error struct {
	Op     string
	Action RetryAction
}

func (e *Error) Error() string {
	return fmt.Sprintf("tpm %s failed: %s", e.Op, e.Action)
}

// ActionOf extracts the retry action carried by err. Errors that did not come
// from an adapter are treated as non-retryable failures.
func ActionOf(err error) RetryAction {
	if err == nil {
		return RetryNone
	}
	var tpmErr *Error
	if errors.As(err, &tpmErr) {
		return tpmErr.Action
	}
	return RetryFailNoRetry
}

// Version is the TPM family.
type Version int

const (
	// Version12 is a TPM 1.2 device.
	Version12 Version = 1
	// Version20 is a TPM 2.0 device.
	Version20 Version = 2
)

// KeyUsage selects the capabilities of a certified key.
type KeyUsage int

const (
	// KeyUsageSign creates a signing key.
	KeyUsageSign KeyUsage = iota
	// KeyUsageDecrypt creates a decryption key.
	KeyUsageDecrypt
)

// Identity is the output of MakeIdentity.
type Identity struct {
	PublicKeyDER []byte
	PublicKeyTPM []byte
	KeyBlob      []byte
	Binding      []byte
	Label        []byte
	PCAPublicKey []byte
}

// Quote is a signed statement of one PCR value.
type Quote struct {
	PCRValue   []byte
	QuotedData []byte
	Signature  []byte
}

// CertifiedKey is a key created under and certified by an identity key.
type CertifiedKey struct {
	KeyBlob      []byte
	PublicKeyDER []byte
	PublicKeyTPM []byte
	KeyInfo      []byte
	Proof        []byte
}

// Delegate is an owner delegation allowing identity activation without the
// owner password.
type Delegate struct {
	Blob   []byte
	Secret []byte
}

// TPM is the command layer used by the attestation engine. Every failing call
// returns an *Error carrying a RetryAction.
type TPM interface {
	// IsReady reports whether the TPM is enabled, owned and usable.
	IsReady(ctx context.Context) bool
	// Version reports the TPM family.
	Version() Version
	// Reload reloads cached key handles after a transient failure.
	Reload(ctx context.Context) error

	GetEndorsementPublicKey(ctx context.Context) ([]byte, error)
	GetEndorsementCredential(ctx context.Context) ([]byte, error)
	MakeIdentity(ctx context.Context) (*Identity, error)
	QuotePCR(ctx context.Context, pcr int, identityKeyBlob, externalData []byte) (*Quote, error)
	CreateDelegate(ctx context.Context, identityKeyBlob []byte) (*Delegate, error)
	ActivateIdentity(ctx context.Context, delegate *Delegate, identityKeyBlob, asymCAContents, symCAAttestation []byte) ([]byte, error)
	CreateCertifiedKey(ctx context.Context, identityKeyBlob, externalData []byte, usage KeyUsage) (*CertifiedKey, error)
	Sign(ctx context.Context, keyBlob, data []byte) ([]byte, error)
	GetRandomData(ctx context.Context, size int) ([]byte, error)
	ReadPCR(ctx context.Context, pcr int) ([]byte, error)
	ExtendPCR(ctx context.Context, pcr int, data []byte) error
	// CreateSealedKey returns a fresh random key and the same key sealed to
	// the current boot state.
	CreateSealedKey(ctx context.Context, size int) (key, sealedKey []byte, err error)
	Unseal(ctx context.Context, sealed []byte) ([]byte, error)
}
