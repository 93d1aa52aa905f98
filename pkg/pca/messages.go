package pca

import (
	"fmt"

	"github.com/DIMO-Network/tpm-attestation/pkg/cryptoutil"
	"github.com/DIMO-Network/tpm-attestation/pkg/tpm"
	"github.com/fxamacker/cbor/v2"
)

// ResponseStatus is the outcome reported by a Privacy CA.
type ResponseStatus int

const (
	// StatusOK means the request was accepted.
	StatusOK ResponseStatus = iota
	// StatusServerError means the CA failed internally.
	StatusServerError
	// StatusBadRequest means the request could not be parsed.
	StatusBadRequest
	// StatusReject means the CA refused to certify.
	StatusReject
	// StatusQuotaLimitExceeded means the device exceeded its issuance quota.
	StatusQuotaLimitExceeded
)

var statusNames = map[ResponseStatus]string{
	StatusOK:                 "OK",
	StatusServerError:        "SERVER_ERROR",
	StatusBadRequest:         "BAD_REQUEST",
	StatusReject:             "REJECT",
	StatusQuotaLimitExceeded: "QUOTA_LIMIT_EXCEEDED",
}

func (s ResponseStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS(%d)", int(s))
}

// CertificateProfile selects the kind of certificate requested.
type CertificateProfile int

// Certificate profiles understood by the Privacy CA.
const (
	ProfileEnterpriseMachine CertificateProfile = iota
	ProfileEnterpriseUser
	ProfileContentProtection
	ProfileContentProtectionWithStableID
	ProfileCast
	ProfileGFSC
	ProfileJetstream
	ProfileEnterpriseEnrollment
	ProfileXTS
)

var profileNames = map[CertificateProfile]string{
	ProfileEnterpriseMachine:             "ENTERPRISE_MACHINE_CERTIFICATE",
	ProfileEnterpriseUser:                "ENTERPRISE_USER_CERTIFICATE",
	ProfileContentProtection:             "CONTENT_PROTECTION_CERTIFICATE",
	ProfileContentProtectionWithStableID: "CONTENT_PROTECTION_CERTIFICATE_WITH_STABLE_ID",
	ProfileCast:                          "CAST_CERTIFICATE",
	ProfileGFSC:                          "GFSC_CERTIFICATE",
	ProfileJetstream:                     "JETSTREAM_CERTIFICATE",
	ProfileEnterpriseEnrollment:          "ENTERPRISE_ENROLLMENT_CERTIFICATE",
	ProfileXTS:                           "XTS_CERTIFICATE",
}

func (p CertificateProfile) String() string {
	if name, ok := profileNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PROFILE(%d)", int(p))
}

// ParseProfile accepts the names produced by CertificateProfile.String.
func ParseProfile(s string) (CertificateProfile, error) {
	for p, name := range profileNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown certificate profile %q", s)
}

// Quote carries one signed PCR value.
type Quote struct {
	Quote          []byte `cbor:"1,keyasint" json:"quote"`
	QuotedData     []byte `cbor:"2,keyasint" json:"quotedData"`
	QuotedPCRValue []byte `cbor:"3,keyasint" json:"quotedPcrValue"`
	PCRSourceHint  []byte `cbor:"4,keyasint,omitempty" json:"pcrSourceHint,omitempty"`
}

// SignedData is a payload and its signature.
type SignedData struct {
	Data      []byte `cbor:"1,keyasint" json:"data"`
	Signature []byte `cbor:"2,keyasint" json:"signature"`
}

// EncryptedIdentityCredential is the AIK credential as released by
// ActivateIdentity.
type EncryptedIdentityCredential struct {
	AsymCAContents   []byte      `cbor:"1,keyasint" json:"asymCaContents"`
	SymCAAttestation []byte      `cbor:"2,keyasint" json:"symCaAttestation"`
	TPMVersion       tpm.Version `cbor:"3,keyasint" json:"tpmVersion"`
}

// EnrollmentRequest asks a Privacy CA to certify an identity key.
type EnrollmentRequest struct {
	EncryptedEndorsementCredential *cryptoutil.EncryptedData `cbor:"1,keyasint" json:"encryptedEndorsementCredential"`
	IdentityPublicKey              []byte                    `cbor:"2,keyasint" json:"identityPublicKey"`
	PCR0Quote                      *Quote                    `cbor:"3,keyasint" json:"pcr0Quote"`
	PCR1Quote                      *Quote                    `cbor:"4,keyasint" json:"pcr1Quote"`
	EnterpriseEnrollmentNonce      []byte                    `cbor:"5,keyasint,omitempty" json:"enterpriseEnrollmentNonce,omitempty"`
	TPMVersion                     tpm.Version               `cbor:"6,keyasint" json:"tpmVersion"`
}

// EnrollmentResponse carries the encrypted identity credential.
type EnrollmentResponse struct {
	Status                      ResponseStatus               `cbor:"1,keyasint" json:"status"`
	Detail                      string                       `cbor:"2,keyasint,omitempty" json:"detail,omitempty"`
	EncryptedIdentityCredential *EncryptedIdentityCredential `cbor:"3,keyasint,omitempty" json:"encryptedIdentityCredential,omitempty"`
	ExtraDetails                string                       `cbor:"4,keyasint,omitempty" json:"extraDetails,omitempty"`
}

// CertificateRequest asks a Privacy CA to certify a key created under an
// enrolled identity.
type CertificateRequest struct {
	IdentityCredential []byte             `cbor:"1,keyasint" json:"identityCredential"`
	CertifiedPublicKey []byte             `cbor:"2,keyasint" json:"certifiedPublicKey"`
	CertifiedKeyInfo   []byte             `cbor:"3,keyasint" json:"certifiedKeyInfo"`
	CertifiedKeyProof  []byte             `cbor:"4,keyasint" json:"certifiedKeyProof"`
	MessageID          []byte             `cbor:"5,keyasint" json:"messageId"`
	Profile            CertificateProfile `cbor:"6,keyasint" json:"profile"`
	Origin             string             `cbor:"7,keyasint,omitempty" json:"origin,omitempty"`
	TemporalIndex      *int               `cbor:"8,keyasint,omitempty" json:"temporalIndex,omitempty"`
	TPMVersion         tpm.Version        `cbor:"9,keyasint" json:"tpmVersion"`
}

// CertificateResponse carries the issued certificate chain.
type CertificateResponse struct {
	Status                        ResponseStatus `cbor:"1,keyasint" json:"status"`
	Detail                        string         `cbor:"2,keyasint,omitempty" json:"detail,omitempty"`
	CertifiedKeyCredential        []byte         `cbor:"3,keyasint,omitempty" json:"certifiedKeyCredential,omitempty"`
	IntermediateCACert            []byte         `cbor:"4,keyasint,omitempty" json:"intermediateCaCert,omitempty"`
	MessageID                     []byte         `cbor:"5,keyasint" json:"messageId"`
	AdditionalIntermediateCACerts [][]byte       `cbor:"6,keyasint,omitempty" json:"additionalIntermediateCaCert,omitempty"`
	ExtraDetails                  string         `cbor:"7,keyasint,omitempty" json:"extraDetails,omitempty"`
}

var encMode = func() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// Marshal encodes a protocol record.
func Marshal(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal decodes a protocol record.
func Unmarshal(data []byte, v any) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %T: %w", v, err)
	}
	return nil
}
