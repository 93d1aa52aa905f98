// Package pca defines the Privacy CA wire protocol, the table of known
// authorities and the HTTP transport used to reach them.
package pca

import (
	"crypto/rsa"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/DIMO-Network/tpm-attestation/pkg/cryptoutil"
)

// Type selects a Privacy CA.
type Type int

const (
	// Default is the production Privacy CA.
	Default Type = iota
	// Test is the Privacy CA test instance.
	Test
)

func (t Type) String() string {
	switch t {
	case Default:
		return "default"
	case Test:
		return "test"
	default:
		return fmt.Sprintf("pca(%d)", int(t))
	}
}

// ParseType parses the names produced by Type.String.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return Default, nil
	case "test":
		return Test, nil
	default:
		return 0, fmt.Errorf("unknown pca type %q", s)
	}
}

// Authority describes one Privacy CA.
type Authority struct {
	Type Type
	// PublicKeyHex is the RSA modulus; the exponent is 65537.
	PublicKeyHex string
	// PublicKeyID identifies PublicKeyHex in wrapped envelopes.
	PublicKeyID []byte
	// URL is the base URL of the enroll and sign endpoints.
	URL string
}

// PublicKey parses PublicKeyHex.
func (a Authority) PublicKey() (*rsa.PublicKey, error) {
	pub, err := cryptoutil.PublicKeyFromHex(a.PublicKeyHex)
	if err != nil {
		return nil, fmt.Errorf("pca %s: %w", a.Type, err)
	}
	return pub, nil
}

// Registry maps each known PCA type to its authority.
type Registry map[Type]Authority

// Lookup returns the authority for t.
func (r Registry) Lookup(t Type) (Authority, bool) {
	a, ok := r[t]
	return a, ok
}

// Types lists the registered types in ascending order.
func (r Registry) Types() []Type {
	return slices.Sorted(maps.Keys(r))
}

// With returns a copy of r with a replacing the entry of the same type.
func (r Registry) With(a Authority) Registry {
	out := maps.Clone(r)
	if out == nil {
		out = Registry{}
	}
	out[a.Type] = a
	return out
}

// DefaultRegistry returns the production and test authorities.
func DefaultRegistry() Registry {
	return Registry{
		Default: {
			Type: Default,
			PublicKeyHex: "A2976637E113CC457013F4334312A416395B08D4B2A9724FC9BAD65D0290F39C" +
				"866D1163C2CD6474A24A55403C968CF78FA153C338179407FE568C6E550949B1" +
				"B3A80731BA9311EC16F8F66060A2C550914D252DB90B44D19BC6C15E923FFCFB" +
				"E8A366038772803EE57C7D7E5B3D5E8090BF0960D4F6A6644CB9A456708508F0" +
				"6C19245486C3A49F807AB07C65D5E9954F4F8832BC9F882E9EE1AAA2621B1F43" +
				"4083FD98758745CBFFD6F55DA699B2EE983307C14C9990DDFB48897F26DF8FB2" +
				"CFFF03E631E62FAE59CBF89525EDACD1F7BBE0BA478B5418E756FF3E14AC9970" +
				"D334DB04A1DF267D2343C75E5D282A287060D345981ABDA0B2506AD882579FEF",
			PublicKeyID: []byte{0x00, 0xc7, 0x0e, 0x50, 0xb1},
			URL:         "https://chromeos-ca.gstatic.com",
		},
		Test: {
			Type: Test,
			PublicKeyHex: "A1D50D088994000492B5F3ED8A9C5FC8772706219F4C063B2F6A8C6B74D3AD6B" +
				"212A53D01DABB34A6261288540D420D3BA59ED279D859DE6227A7AB6BD88FADD" +
				"FC3078D465F4DF97E03A52A587BD0165AE3B180FE7B255B7BEDC1BE81CB1383F" +
				"E9E46F9312B1EF28F4025E7D332E33F4416525FEB8F0FC7B815E8FBB79CDABE6" +
				"327B5A155FEF13F559A7086CB8A543D72AD6ECAEE2E704FF28824149D7F4E393" +
				"D3C74E721ACA97F7ADBE2CCF7B4BCC165F7380F48065F2C8370F25F066091259" +
				"D14EA362BAF236E3CD8771A94BDEDA3900577143A238AB92B6C55F11DEFAFB31" +
				"7D1DC5B6AE210C52B008D87F2A7BFF6EB5C4FB32D6ECEC6505796173951A3167",
			PublicKeyID: []byte{0x00, 0xc2, 0xb0, 0x56, 0x2d},
			URL:         "https://asbestos-qa.corp.google.com",
		},
	}
}
