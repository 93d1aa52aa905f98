// Package challenge answers simple and enterprise Verified Access challenges
// with certified TPM keys.
package challenge

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/DIMO-Network/tpm-attestation/pkg/cryptoutil"
	"github.com/DIMO-Network/tpm-attestation/pkg/database"
	"github.com/DIMO-Network/tpm-attestation/pkg/pca"
	"github.com/DIMO-Network/tpm-attestation/pkg/tpm"
	"github.com/DIMO-Network/tpm-attestation/pkg/verify"
	"github.com/rs/zerolog"
)

// Error is a sentinel error of this package.
type Error string

func (e Error) Error() string {
	return string(e)
}

const (
	// ErrInvalidChallenge is returned when an enterprise challenge fails
	// validation.
	ErrInvalidChallenge Error = "invalid enterprise challenge"
	// ErrUnknownVA is returned for a VA type missing from the table.
	ErrUnknownVA Error = "unknown verified access server"
)

// EnterprisePrefix is the literal every enterprise challenge must carry.
const EnterprisePrefix = "EnterpriseKeyChallenge"

// NonceSize is the length of the nonce mixed into every signed response.
const NonceSize = 20

// Authority holds the keys of one Verified Access server.
type Authority struct {
	// SigningPublicKeyHex verifies challenges; the exponent is 65537.
	SigningPublicKeyHex string
	// EncryptionPublicKeyHex receives the encrypted KeyInfo.
	EncryptionPublicKeyHex string
	EncryptionPublicKeyID  []byte
}

// Table maps VA types to their keys.
type Table map[VAType]Authority

// DefaultTable returns the production and test Verified Access keys.
func DefaultTable() Table {
	return Table{
		DefaultVA: {
			SigningPublicKeyHex: "bf7fefa3a661437b26aed0801db64d7ba8b58875c351d3bdc9f653847d4a67b3" +
				"b67479327724d56aa0f71a3f57c2290fdc1ff05df80589715e381dfbbda2c4ac" +
				"114c30d0a73c5b7b2e22178d26d8b65860aa8dd65e1b3d61a07c81de87c1e7e4" +
				"590145624936a011ece10434c1d5d41f917c3dc4b41dd8392479130c4fd6eafc" +
				"3bb4e0dedcc8f6a9c28428bf8fbba8bd6438a325a9d3eabee1e89e838138ad99" +
				"69c292c6d9f6f52522333b84ddf9471ffe00f01bf2de5faa1621f967f49e158b" +
				"f2b305360f886826cc6fdbef11a12b2d6002d70d8d1e8f40e0901ff94c203cb2" +
				"01a36a0bd6e83955f14b494f4f2f17c0c826657b85c25ffb8a73599721fa17ab",
			EncryptionPublicKeyHex: "edba5e723da811e41636f792c7a77aef633fbf39b542aa537c93c93eaba7a3b1" +
				"0bc3e484388c13d625ef5573358ec9e7fbeb6baaaa87ca87d93fb61bf5760e29" +
				"6813c435763ed2c81f631e26e3ff1a670261cdc3c39a4640b6bbf4ead3d6587b" +
				"e43ef7f1f08e7596b628ec0b44c9b7ad71c9ee3a1258852c7a986c7614f0c4ec" +
				"f0ce147650a53b6aa9ae107374a2d6d4e7922065f2f6eb537a994372e1936c87" +
				"eb08318611d44daf6044f8527687dc7ce5319b51eae6ab12bee6bd16e59c499e" +
				"fa53d80232ae886c7ee9ad8bc1cbd6e4ac55cb8fa515671f7e7ad66e98769f52" +
				"c3c309f98bf08a3b8fbb0166e97906151b46402217e65c5d01ddac8514340e8b",
			EncryptionPublicKeyID: []byte{0x00, 0x4a, 0xe2, 0xdc, 0xae},
		},
		TestVA: {
			SigningPublicKeyHex: "baab3e277518c65b1b98290bb55061df9a50b9f32a4b0ff61c7c61c51e966fcd" +
				"c891799a39ee0b7278f204a2b45a7e615080ff8f69f668e05adcf3486b319f80" +
				"f9da814d9b86b16a3e68b4ce514ab5591112838a68dc3bfdcc4043a5aa8de52c" +
				"ae936847a271971ecaa188172692c13f3b0321239c90559f3b7ba91e66d38ef4" +
				"db4c75104ac5f2f15e55a463c49753a88e56906b1725fd3f0c1372beb16d4904" +
				"752c74452b0c9f757ee12877a859dd0666cafaccbfc33fe67d98a89a2c12ef52" +
				"5e4b16ea8972577dbfc567c2625a3eee6bcaa6cb4939b941f57236d1d57243f8" +
				"c9766938269a8034d82fbd44044d2ee6a5c7275589afc3790b60280c0689900f",
			EncryptionPublicKeyHex: "c0c116e7ded8d7c1e577f9c8fb0d267c3c5c3e3b6800abb0309c248eaa5cd9bf" +
				"91945132e4bb0111711356a388b756788e20bc1ecc9261ea9bcae8369cfd050e" +
				"d8dc00b50fbe36d2c1c8a9b335f2e11096be76bebce8b5dcb0dc39ac0fd963b0" +
				"51474f794d4289cc0c52d0bab451b9e69a43ecd3a84330b0b2de4365c038ffce" +
				"ec0f1999d789615849c2f3c29d1d9ed42ccb7f330d5b56f40fb7cc6556190c3b" +
				"698c20d83fb341a442fd69701fe0bdc41bdcf8056ccbc8d9b4275e8e43ec6b63" +
				"c1ae70d52838dfa90a9cd9e7b6bd88ed3abf4fab444347104e30e635f4f296ac" +
				"4c91939103e317d0eca5f36c48102e967f176a19a42220f3cf14634b6773be07",
			EncryptionPublicKeyID: []byte{0x00, 0xef, 0x22, 0x0f, 0xb0},
		},
	}
}

// Signer signs with a TPM-resident key.
type Signer interface {
	Sign(ctx context.Context, keyBlob, data []byte) ([]byte, error)
	GetRandomData(ctx context.Context, size int) ([]byte, error)
}

// Engine signs challenge responses.
type Engine struct {
	signer   Signer
	table    Table
	verifier verify.Verifier
}

// New returns an engine. A nil table selects DefaultTable.
func New(signer Signer, version tpm.Version, table Table) *Engine {
	if table == nil {
		table = DefaultTable()
	}
	return &Engine{signer: signer, table: table, verifier: verify.Verifier{Version: version}}
}

// EnterpriseRequest is an enterprise challenge to answer.
type EnterpriseRequest struct {
	VAType VAType
	// UserSpecific selects an EUK response; the key is a user key.
	UserSpecific bool
	Domain       string
	DeviceID     []byte
	// IncludeSignedPublicKey adds an SPKAC for user keys.
	IncludeSignedPublicKey bool
	// Challenge is an encoded pca.SignedData wrapping a Challenge.
	Challenge []byte
}

// SignSimple signs challenge with a fresh nonce appended, so the key never
// signs a value chosen entirely by the caller.
func (e *Engine) SignSimple(ctx context.Context, key *database.CertifiedKey, challenge []byte) ([]byte, error) {
	nonce, err := e.signer.GetRandomData(ctx, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	data := make([]byte, 0, len(challenge)+len(nonce))
	data = append(data, challenge...)
	data = append(data, nonce...)
	return e.sign(ctx, key, data)
}

// SignEnterprise validates an enterprise challenge and returns the signed
// encoded Response.
func (e *Engine) SignEnterprise(ctx context.Context, key *database.CertifiedKey, req *EnterpriseRequest) ([]byte, error) {
	logger := zerolog.Ctx(ctx).With().Str("component", "challenge").Stringer("va", req.VAType).Logger()
	authority, ok := e.table[req.VAType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVA, req.VAType)
	}
	var signed pca.SignedData
	if err := pca.Unmarshal(req.Challenge, &signed); err != nil {
		logger.Error().Err(err).Msg("Failed to parse signed challenge.")
		return nil, fmt.Errorf("%w: %w", ErrInvalidChallenge, err)
	}
	if err := e.validate(authority, &signed); err != nil {
		logger.Error().Err(err).Msg("Invalid challenge.")
		return nil, err
	}
	nonce, err := e.signer.GetRandomData(ctx, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	info := &KeyInfo{KeyType: KeyTypeEMK, Domain: req.Domain, DeviceID: req.DeviceID}
	if req.UserSpecific {
		info.KeyType = KeyTypeEUK
		info.Certificate = key.CertificateChain()
		if req.IncludeSignedPublicKey {
			info.SignedPublicKeyAndChallenge, err = e.spkac(ctx, key)
			if err != nil {
				return nil, err
			}
		}
	}
	encrypted, err := encryptKeyInfo(authority, info)
	if err != nil {
		return nil, err
	}
	response, err := pca.Marshal(&Response{Challenge: &signed, Nonce: nonce, EncryptedKeyInfo: encrypted})
	if err != nil {
		return nil, err
	}
	return e.sign(ctx, key, response)
}

func (e *Engine) validate(authority Authority, signed *pca.SignedData) error {
	pub, err := cryptoutil.PublicKeyFromHex(authority.SigningPublicKeyHex)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidChallenge, err)
	}
	if !e.verifier.Signature(pub, signed.Data, signed.Signature) {
		return fmt.Errorf("%w: bad signature", ErrInvalidChallenge)
	}
	var challenge Challenge
	if err := pca.Unmarshal(signed.Data, &challenge); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidChallenge, err)
	}
	if challenge.Prefix != EnterprisePrefix {
		return fmt.Errorf("%w: unexpected prefix", ErrInvalidChallenge)
	}
	return nil
}

func encryptKeyInfo(authority Authority, info *KeyInfo) (*cryptoutil.EncryptedData, error) {
	serialized, err := pca.Marshal(info)
	if err != nil {
		return nil, err
	}
	defer cryptoutil.Zero(serialized)
	pub, err := cryptoutil.PublicKeyFromHex(authority.EncryptionPublicKeyHex)
	if err != nil {
		return nil, err
	}
	encrypted, err := cryptoutil.EncryptForKey(pub, authority.EncryptionPublicKeyID, serialized)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt key info: %w", err)
	}
	return encrypted, nil
}

func (e *Engine) spkac(ctx context.Context, key *database.CertifiedKey) ([]byte, error) {
	size := 20
	if e.verifier.Version == tpm.Version20 {
		size = 32
	}
	random, err := e.signer.GetRandomData(ctx, size)
	if err != nil {
		return nil, fmt.Errorf("failed to generate spkac challenge: %w", err)
	}
	challenge := strings.ToUpper(hex.EncodeToString(random))
	spkac, err := cryptoutil.BuildSPKAC(key.PublicKeyDER, challenge, func(tbs []byte) ([]byte, error) {
		return e.signer.Sign(ctx, key.KeyBlob, tbs)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create signed public key: %w", err)
	}
	return spkac, nil
}

func (e *Engine) sign(ctx context.Context, key *database.CertifiedKey, data []byte) ([]byte, error) {
	signature, err := e.signer.Sign(ctx, key.KeyBlob, data)
	if err != nil {
		return nil, fmt.Errorf("failed to sign data: %w", err)
	}
	return pca.Marshal(&pca.SignedData{Data: data, Signature: signature})
}
