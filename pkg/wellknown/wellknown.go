// Package wellknown provides fiber controllers for well-known endpoints.
package wellknown

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync/atomic"

	"github.com/DIMO-Network/tpm-attestation/pkg/attestation"
	"github.com/DIMO-Network/tpm-attestation/pkg/cryptoutil"
	"github.com/DIMO-Network/tpm-attestation/pkg/pca"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// Source provides the public attestation material of the device.
type Source interface {
	GetEndorsementInfo(ctx context.Context) (*attestation.EndorsementInfo, error)
	GetAttestationKeyInfo(ctx context.Context, t pca.Type) (*attestation.AttestationKeyInfo, error)
}

// EndorsementResponse is the response for the endorsement endpoint.
type EndorsementResponse struct {
	// PublicKey is a DER SubjectPublicKeyInfo.
	PublicKey         []byte `json:"publicKey"`
	CertificatePEM    string `json:"certificatePem"`
	CertificateSHA256 string `json:"certificateSha256"`
}

// IdentityResponse is the response for the identity endpoint.
type IdentityResponse struct {
	PCA            string     `json:"pca"`
	PublicKey      []byte     `json:"publicKey"`
	CertificatePEM string     `json:"certificatePem"`
	PCR0Quote      *pca.Quote `json:"pcr0Quote,omitempty"`
	PCR1Quote      *pca.Quote `json:"pcr1Quote,omitempty"`
}

// RegisterRoutes adds the well-known attestation routes to a fiber app.
func RegisterRoutes(app *fiber.App, controller *Controller) {
	wellKnown := app.Group("/.well-known/attestation")
	wellKnown.Get("endorsement", controller.GetEndorsement)
	wellKnown.Get("identity", controller.GetIdentity)
}

// Controller serves the endorsement and identity public material.
type Controller struct {
	source     Source
	cachedResp atomic.Pointer[EndorsementResponse]
}

// NewController creates a new Controller.
func NewController(source Source) *Controller {
	return &Controller{source: source}
}

// GetEndorsement godoc
// @Summary Get the endorsement key
// @Description Get the TPM endorsement public key and certificate
// @Tags attestation
// @Produce json
// @Success 200 {object} EndorsementResponse
// @Failure 404 {object} codeResp
// @Router /.well-known/attestation/endorsement [get]
func (c *Controller) GetEndorsement(ctx *fiber.Ctx) error {
	if cached := c.cachedResp.Load(); cached != nil {
		return ctx.JSON(cached)
	}
	info, err := c.source.GetEndorsementInfo(ctx.UserContext())
	if err != nil {
		return c.fail(ctx, err, "Failed to get endorsement info")
	}
	hash := sha256.Sum256(info.Certificate)
	resp := &EndorsementResponse{
		PublicKey:         info.PublicKey,
		CertificatePEM:    cryptoutil.PEMChain(info.Certificate),
		CertificateSHA256: hex.EncodeToString(hash[:]),
	}
	// The endorsement key lives as long as the TPM.
	c.cachedResp.Store(resp)
	return ctx.JSON(resp)
}

// GetIdentity godoc
// @Summary Get the attestation identity key
// @Description Get the identity key certified by a Privacy CA with its PCR quotes
// @Tags attestation
// @Produce json
// @Param pca query string false "Privacy CA"
// @Success 200 {object} IdentityResponse
// @Failure 400 {object} codeResp
// @Failure 404 {object} codeResp
// @Router /.well-known/attestation/identity [get]
func (c *Controller) GetIdentity(ctx *fiber.Ctx) error {
	t, err := pca.ParseType(ctx.Query("pca"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	info, err := c.source.GetAttestationKeyInfo(ctx.UserContext(), t)
	if err != nil {
		return c.fail(ctx, err, "Failed to get identity")
	}
	return ctx.JSON(IdentityResponse{
		PCA:            t.String(),
		PublicKey:      info.PublicKey,
		CertificatePEM: cryptoutil.PEMChain(info.Certificate),
		PCR0Quote:      info.PCR0Quote,
		PCR1Quote:      info.PCR1Quote,
	})
}

func (c *Controller) fail(ctx *fiber.Ctx, err error, msg string) error {
	if errors.Is(err, attestation.ErrNotEnrolled) || errors.Is(err, attestation.ErrNotAvailable) {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	zerolog.Ctx(ctx.UserContext()).Error().Err(err).Msg(msg)
	return fiber.NewError(fiber.StatusInternalServerError, msg)
}
