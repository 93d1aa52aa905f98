package challenge

import (
	"fmt"
	"strings"

	"github.com/DIMO-Network/tpm-attestation/pkg/cryptoutil"
	"github.com/DIMO-Network/tpm-attestation/pkg/pca"
)

// VAType selects the enterprise Verified Access server.
type VAType int

const (
	// DefaultVA is the production Verified Access server.
	DefaultVA VAType = iota
	// TestVA is the Verified Access test server.
	TestVA
)

func (t VAType) String() string {
	switch t {
	case DefaultVA:
		return "default"
	case TestVA:
		return "test"
	default:
		return fmt.Sprintf("va(%d)", int(t))
	}
}

// ParseVAType parses the names produced by VAType.String.
func ParseVAType(s string) (VAType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return DefaultVA, nil
	case "test":
		return TestVA, nil
	default:
		return 0, fmt.Errorf("unknown va type %q", s)
	}
}

// KeyType tells the Verified Access server which scope the key belongs to.
type KeyType int

const (
	// KeyTypeEMK is an enterprise machine key.
	KeyTypeEMK KeyType = 1
	// KeyTypeEUK is an enterprise user key.
	KeyTypeEUK KeyType = 2
)

// Challenge is the payload a Verified Access server signs.
type Challenge struct {
	Prefix    string `cbor:"1,keyasint"`
	Nonce     []byte `cbor:"2,keyasint,omitempty"`
	Timestamp int64  `cbor:"3,keyasint,omitempty"`
}

// KeyInfo describes the key answering a challenge. It is only ever sent
// encrypted for the Verified Access server.
type KeyInfo struct {
	KeyType                     KeyType `cbor:"1,keyasint"`
	Domain                      string  `cbor:"2,keyasint,omitempty"`
	DeviceID                    []byte  `cbor:"3,keyasint,omitempty"`
	Certificate                 string  `cbor:"4,keyasint,omitempty"`
	SignedPublicKeyAndChallenge []byte  `cbor:"5,keyasint,omitempty"`
}

// Response is signed by the challenged key.
type Response struct {
	Challenge        *pca.SignedData           `cbor:"1,keyasint"`
	Nonce            []byte                    `cbor:"2,keyasint"`
	EncryptedKeyInfo *cryptoutil.EncryptedData `cbor:"3,keyasint"`
}
