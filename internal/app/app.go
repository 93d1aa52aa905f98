// Package app serves the attestation engine over a local HTTP API.
package app

import (
	"errors"
	"strings"

	"github.com/DIMO-Network/tpm-attestation/pkg/attestation"
	"github.com/DIMO-Network/tpm-attestation/pkg/challenge"
	"github.com/DIMO-Network/tpm-attestation/pkg/keyregistry"
	"github.com/DIMO-Network/tpm-attestation/pkg/pca"
	"github.com/DIMO-Network/tpm-attestation/pkg/tpm"
	"github.com/DIMO-Network/tpm-attestation/pkg/wellknown"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"
)

// CreateAttestationServer creates the web server exposing engine.
func CreateAttestationServer(logger *zerolog.Logger, engine *attestation.Engine) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return ErrorHandler(c, err, logger)
		},
		DisableStartupMessage: true,
	})
	ctrl := NewController(engine)
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(cors.New())
	app.Use(requestLogger(logger))
	app.Get("/", HealthCheck)
	wellknown.RegisterRoutes(app, wellknown.NewController(engine))

	v1 := app.Group("/v1")
	v1.Get("/status", ctrl.GetStatus)

	enrollment := v1.Group("/enrollment")
	enrollment.Post("/", ctrl.StartEnrollment)
	enrollment.Get("/task", ctrl.GetTask)
	enrollment.Post("/prepare", ctrl.PrepareForEnrollment)
	enrollment.Post("/request", ctrl.CreateEnrollRequest)
	enrollment.Post("/response", ctrl.FinishEnroll)
	enrollment.Get("/id", ctrl.GetEnrollmentID)

	certificates := v1.Group("/certificates")
	certificates.Post("/", ctrl.GetCertificate)
	certificates.Post("/request", ctrl.CreateCertRequest)
	certificates.Post("/response", ctrl.FinishCertRequest)

	keys := v1.Group("/keys")
	keys.Delete("/", ctrl.DeleteKeys)
	keys.Get("/:name", ctrl.GetKeyInfo)
	keys.Delete("/:name", ctrl.DeleteKey)
	keys.Put("/:name/payload", ctrl.SetKeyPayload)
	keys.Post("/:name/register", ctrl.RegisterKey)
	keys.Post("/:name/challenges/simple", ctrl.SignSimpleChallenge)
	keys.Post("/:name/challenges/enterprise", ctrl.SignEnterpriseChallenge)

	v1.Get("/endorsement", ctrl.GetEndorsementInfo)
	v1.Get("/identity", ctrl.GetAttestationKeyInfo)
	v1.Post("/verify", ctrl.Verify)
	return app
}

// requestLogger tags the request context logger with a request id, taken
// from the X-Request-ID header or generated.
func requestLogger(logger *zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(fiber.HeaderXRequestID)
		if id == "" {
			id = uuid.Must(uuid.NewV4()).String()
		}
		c.Set(fiber.HeaderXRequestID, id)
		reqLogger := logger.With().Str("requestId", id).Logger()
		c.SetUserContext(reqLogger.WithContext(c.UserContext()))
		return c.Next()
	}
}

// HealthCheck godoc
// @Summary Show the status of server.
// @Description get the status of server.
// @Tags root
// @Accept */*
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router / [get]
func HealthCheck(ctx *fiber.Ctx) error {
	res := map[string]any{
		"data": "Server is up and running",
	}

	return ctx.JSON(res)
}

// ErrorHandler custom handler to log recovered errors using our logger and return json instead of string.
func ErrorHandler(ctx *fiber.Ctx, err error, logger *zerolog.Logger) error {
	code := fiber.StatusInternalServerError // Default 500 statuscode
	message := "Internal error."

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	// don't log not found errors
	if code != fiber.StatusNotFound {
		logger.Err(err).Int("httpStatusCode", code).
			Str("httpPath", strings.TrimPrefix(ctx.Path(), "/")).
			Str("httpMethod", ctx.Method()).
			Msg("caught an error from http request")
	}

	return ctx.Status(code).JSON(codeResp{Code: code, Message: message})
}

type codeResp struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// apiError maps engine errors to HTTP errors. Unmapped errors are returned
// as is and reported as internal errors.
func apiError(err error) error {
	code := errorStatus(err)
	if code == fiber.StatusInternalServerError {
		return err
	}
	return fiber.NewError(code, err.Error())
}

func errorStatus(err error) int {
	var tpmErr *tpm.Error
	switch {
	case errors.Is(err, attestation.ErrNotInitialized),
		errors.Is(err, attestation.ErrTPMNotReady),
		errors.Is(err, attestation.ErrNotFinalized),
		errors.Is(err, attestation.ErrPreparationInProgress),
		errors.As(err, &tpmErr):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, attestation.ErrNotPrepared),
		errors.Is(err, attestation.ErrNotEnrolled):
		return fiber.StatusConflict
	case errors.Is(err, keyregistry.ErrKeyNotFound),
		errors.Is(err, attestation.ErrUnknownMessageID),
		errors.Is(err, attestation.ErrNotAvailable):
		return fiber.StatusNotFound
	case errors.Is(err, attestation.ErrUnknownPCA),
		errors.Is(err, challenge.ErrUnknownVA),
		errors.Is(err, challenge.ErrInvalidChallenge):
		return fiber.StatusBadRequest
	case errors.Is(err, attestation.ErrCAStatus),
		errors.Is(err, attestation.ErrParse),
		errors.Is(err, attestation.ErrMessageIDMismatch),
		errors.Is(err, attestation.ErrVersionMismatch),
		errors.Is(err, pca.ErrResponseTooLarge):
		return fiber.StatusBadGateway
	case errors.Is(err, keyregistry.ErrNoKeyStore):
		return fiber.StatusNotImplemented
	default:
		return fiber.StatusInternalServerError
	}
}
