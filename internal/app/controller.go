package app

import (
	"github.com/DIMO-Network/tpm-attestation/pkg/attestation"
	"github.com/DIMO-Network/tpm-attestation/pkg/challenge"
	"github.com/DIMO-Network/tpm-attestation/pkg/pca"
	"github.com/gofiber/fiber/v2"
	"github.com/gofrs/uuid"
)

// Controller is the attestation API controller.
type Controller struct {
	engine *attestation.Engine
}

// NewController creates a new Controller.
func NewController(engine *attestation.Engine) *Controller {
	return &Controller{engine: engine}
}

// TaskResponse describes a background enrollment task.
type TaskResponse struct {
	TaskID  uuid.UUID `json:"taskId"`
	Started bool      `json:"started,omitempty"`
	Done    bool      `json:"done"`
	Error   string    `json:"error,omitempty"`
}

// EnrollRequest carries an encoded Privacy CA record.
type EnrollRequest struct {
	PCA      string `json:"pca"`
	Response []byte `json:"response"`
}

// CertificateRequest selects the certificate to obtain.
type CertificateRequest struct {
	PCA      string `json:"pca"`
	Profile  string `json:"profile"`
	Username string `json:"username"`
	Origin   string `json:"origin"`
	KeyName  string `json:"keyName"`
	ForceNew bool   `json:"forceNew"`
}

// FinishCertificateRequest carries an encoded certificate response.
type FinishCertificateRequest struct {
	Response []byte `json:"response"`
	Username string `json:"username"`
	KeyName  string `json:"keyName"`
}

// EncodedResponse carries an encoded Privacy CA request.
type EncodedResponse struct {
	Request []byte `json:"request"`
}

// CertificateResponse carries a PEM certificate chain.
type CertificateResponse struct {
	CertificateChain string `json:"certificateChain"`
}

// PayloadRequest sets a key payload.
type PayloadRequest struct {
	Payload []byte `json:"payload"`
}

// SimpleChallengeRequest is a challenge to sign.
type SimpleChallengeRequest struct {
	Challenge []byte `json:"challenge"`
}

// EnterpriseChallengeRequest is an enterprise challenge to answer.
type EnterpriseChallengeRequest struct {
	VAType                 string `json:"vaType"`
	Domain                 string `json:"domain"`
	DeviceID               []byte `json:"deviceId"`
	IncludeSignedPublicKey bool   `json:"includeSignedPublicKey"`
	Challenge              []byte `json:"challenge"`
}

// SignedResponse carries an encoded SignedData record.
type SignedResponse struct {
	Response []byte `json:"response"`
}

// EnrollmentIDResponse carries the enrollment id.
type EnrollmentIDResponse struct {
	EnrollmentID []byte `json:"enrollmentId"`
}

// VerifyRequest selects the verification checks.
type VerifyRequest struct {
	EKOnly   bool `json:"ekOnly"`
	CrosCore bool `json:"crosCore"`
}

// VerifyResponse reports the verification result.
type VerifyResponse struct {
	Verified bool `json:"verified"`
}

func queryPCA(ctx *fiber.Ctx) (pca.Type, error) {
	t, err := pca.ParseType(ctx.Query("pca"))
	if err != nil {
		return 0, fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return t, nil
}

// parseProfile defaults to the enterprise machine profile.
func parseProfile(s string) (pca.CertificateProfile, error) {
	if s == "" {
		return pca.ProfileEnterpriseMachine, nil
	}
	profile, err := pca.ParseProfile(s)
	if err != nil {
		return 0, fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return profile, nil
}

func parseBody(ctx *fiber.Ctx, out any) error {
	if err := ctx.BodyParser(out); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	return nil
}

// GetStatus godoc
// @Summary Get attestation status
// @Tags attestation
// @Produce json
// @Param extended query bool false "Include the verified boot check"
// @Success 200 {object} attestation.Status
// @Router /v1/status [get]
func (c *Controller) GetStatus(ctx *fiber.Ctx) error {
	status, err := c.engine.GetStatus(ctx.UserContext(), ctx.QueryBool("extended"))
	if err != nil {
		return apiError(err)
	}
	return ctx.JSON(status)
}

// PrepareForEnrollment godoc
// @Summary Create the identity used to enroll
// @Tags enrollment
// @Success 204
// @Failure 503 {object} codeResp
// @Router /v1/enrollment/prepare [post]
func (c *Controller) PrepareForEnrollment(ctx *fiber.Ctx) error {
	if err := c.engine.PrepareForEnrollment(ctx.UserContext()); err != nil {
		return apiError(err)
	}
	return ctx.SendStatus(fiber.StatusNoContent)
}

// StartEnrollment godoc
// @Summary Prepare and enroll in the background
// @Tags enrollment
// @Produce json
// @Param pca query string false "Privacy CA"
// @Success 202 {object} TaskResponse
// @Router /v1/enrollment [post]
func (c *Controller) StartEnrollment(ctx *fiber.Ctx) error {
	t, err := queryPCA(ctx)
	if err != nil {
		return err
	}
	task, started := c.engine.StartEnrollment(ctx.UserContext(), t)
	resp := taskResponse(task)
	resp.Started = started
	return ctx.Status(fiber.StatusAccepted).JSON(resp)
}

// GetTask godoc
// @Summary Get the latest background enrollment task
// @Tags enrollment
// @Produce json
// @Success 200 {object} TaskResponse
// @Failure 404 {object} codeResp
// @Router /v1/enrollment/task [get]
func (c *Controller) GetTask(ctx *fiber.Ctx) error {
	task := c.engine.Task()
	if task == nil {
		return fiber.NewError(fiber.StatusNotFound, "no enrollment task")
	}
	return ctx.JSON(taskResponse(task))
}

func taskResponse(task *attestation.EnrollmentTask) TaskResponse {
	resp := TaskResponse{TaskID: task.ID}
	select {
	case <-task.Done():
		resp.Done = true
		if err := task.Err(); err != nil {
			resp.Error = err.Error()
		}
	default:
	}
	return resp
}

// CreateEnrollRequest godoc
// @Summary Build an enrollment request
// @Tags enrollment
// @Produce json
// @Param pca query string false "Privacy CA"
// @Success 200 {object} EncodedResponse
// @Router /v1/enrollment/request [post]
func (c *Controller) CreateEnrollRequest(ctx *fiber.Ctx) error {
	t, err := queryPCA(ctx)
	if err != nil {
		return err
	}
	req, err := c.engine.CreateEnrollRequest(ctx.UserContext(), t)
	if err != nil {
		return apiError(err)
	}
	return ctx.JSON(EncodedResponse{Request: req})
}

// FinishEnroll godoc
// @Summary Consume an enrollment response
// @Tags enrollment
// @Accept json
// @Param request body EnrollRequest true "Enrollment response"
// @Success 204
// @Router /v1/enrollment/response [post]
func (c *Controller) FinishEnroll(ctx *fiber.Ctx) error {
	var req EnrollRequest
	if err := parseBody(ctx, &req); err != nil {
		return err
	}
	t, err := pca.ParseType(req.PCA)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if err := c.engine.Enroll(ctx.UserContext(), t, req.Response); err != nil {
		return apiError(err)
	}
	return ctx.SendStatus(fiber.StatusNoContent)
}

// GetEnrollmentID godoc
// @Summary Get the enterprise enrollment id
// @Tags enrollment
// @Produce json
// @Param ignoreCache query bool false "Recompute the id"
// @Success 200 {object} EnrollmentIDResponse
// @Router /v1/enrollment/id [get]
func (c *Controller) GetEnrollmentID(ctx *fiber.Ctx) error {
	id, err := c.engine.GetEnrollmentID(ctx.UserContext(), ctx.QueryBool("ignoreCache"))
	if err != nil {
		return apiError(err)
	}
	return ctx.JSON(EnrollmentIDResponse{EnrollmentID: id})
}

// GetCertificate godoc
// @Summary Get or obtain a certified key
// @Tags certificates
// @Accept json
// @Produce json
// @Param request body CertificateRequest true "Certificate options"
// @Success 200 {object} CertificateResponse
// @Router /v1/certificates [post]
func (c *Controller) GetCertificate(ctx *fiber.Ctx) error {
	var req CertificateRequest
	if err := parseBody(ctx, &req); err != nil {
		return err
	}
	t, err := pca.ParseType(req.PCA)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	profile, err := parseProfile(req.Profile)
	if err != nil {
		return err
	}
	if req.KeyName == "" {
		return fiber.NewError(fiber.StatusBadRequest, "keyName is required")
	}
	chain, err := c.engine.GetCertificate(ctx.UserContext(), attestation.CertificateOptions{
		PCA:      t,
		Profile:  profile,
		Username: req.Username,
		Origin:   req.Origin,
		KeyName:  req.KeyName,
		ForceNew: req.ForceNew,
	})
	if err != nil {
		return apiError(err)
	}
	return ctx.JSON(CertificateResponse{CertificateChain: chain})
}

// CreateCertRequest godoc
// @Summary Build a certificate request
// @Tags certificates
// @Accept json
// @Produce json
// @Param request body CertificateRequest true "Certificate options"
// @Success 200 {object} EncodedResponse
// @Router /v1/certificates/request [post]
func (c *Controller) CreateCertRequest(ctx *fiber.Ctx) error {
	var req CertificateRequest
	if err := parseBody(ctx, &req); err != nil {
		return err
	}
	t, err := pca.ParseType(req.PCA)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	profile, err := parseProfile(req.Profile)
	if err != nil {
		return err
	}
	encoded, err := c.engine.CreateCertRequest(ctx.UserContext(), t, profile, req.Username, req.Origin)
	if err != nil {
		return apiError(err)
	}
	return ctx.JSON(EncodedResponse{Request: encoded})
}

// FinishCertRequest godoc
// @Summary Consume a certificate response
// @Tags certificates
// @Accept json
// @Produce json
// @Param request body FinishCertificateRequest true "Certificate response"
// @Success 200 {object} CertificateResponse
// @Router /v1/certificates/response [post]
func (c *Controller) FinishCertRequest(ctx *fiber.Ctx) error {
	var req FinishCertificateRequest
	if err := parseBody(ctx, &req); err != nil {
		return err
	}
	if req.KeyName == "" {
		return fiber.NewError(fiber.StatusBadRequest, "keyName is required")
	}
	chain, err := c.engine.FinishCertRequest(ctx.UserContext(), req.Response, req.Username, req.KeyName)
	if err != nil {
		return apiError(err)
	}
	return ctx.JSON(CertificateResponse{CertificateChain: chain})
}

// GetKeyInfo godoc
// @Summary Describe a certified key
// @Tags keys
// @Produce json
// @Param name path string true "Key name"
// @Param user query string false "Key owner; empty for device keys"
// @Success 200 {object} attestation.KeyInfo
// @Router /v1/keys/{name} [get]
func (c *Controller) GetKeyInfo(ctx *fiber.Ctx) error {
	info, err := c.engine.GetKeyInfo(ctx.UserContext(), ctx.Query("user"), ctx.Params("name"))
	if err != nil {
		return apiError(err)
	}
	return ctx.JSON(info)
}

// SetKeyPayload godoc
// @Summary Attach a payload to a key
// @Tags keys
// @Accept json
// @Param name path string true "Key name"
// @Param user query string false "Key owner"
// @Param request body PayloadRequest true "Payload"
// @Success 204
// @Router /v1/keys/{name}/payload [put]
func (c *Controller) SetKeyPayload(ctx *fiber.Ctx) error {
	var req PayloadRequest
	if err := parseBody(ctx, &req); err != nil {
		return err
	}
	if err := c.engine.SetKeyPayload(ctx.UserContext(), ctx.Query("user"), ctx.Params("name"), req.Payload); err != nil {
		return apiError(err)
	}
	return ctx.SendStatus(fiber.StatusNoContent)
}

// DeleteKey godoc
// @Summary Delete a key
// @Tags keys
// @Param name path string true "Key name"
// @Param user query string false "Key owner"
// @Success 204
// @Router /v1/keys/{name} [delete]
func (c *Controller) DeleteKey(ctx *fiber.Ctx) error {
	if err := c.engine.DeleteKey(ctx.UserContext(), ctx.Query("user"), ctx.Params("name")); err != nil {
		return apiError(err)
	}
	return ctx.SendStatus(fiber.StatusNoContent)
}

// DeleteKeys godoc
// @Summary Delete every key with a name prefix
// @Tags keys
// @Param prefix query string true "Key name prefix"
// @Param user query string false "Key owner"
// @Success 204
// @Router /v1/keys [delete]
func (c *Controller) DeleteKeys(ctx *fiber.Ctx) error {
	prefix := ctx.Query("prefix")
	if prefix == "" {
		return fiber.NewError(fiber.StatusBadRequest, "prefix is required")
	}
	if err := c.engine.DeleteKeys(ctx.UserContext(), ctx.Query("user"), prefix); err != nil {
		return apiError(err)
	}
	return ctx.SendStatus(fiber.StatusNoContent)
}

// RegisterKey godoc
// @Summary Hand a user key to the user's token
// @Tags keys
// @Param name path string true "Key name"
// @Param user query string true "Key owner"
// @Success 204
// @Router /v1/keys/{name}/register [post]
func (c *Controller) RegisterKey(ctx *fiber.Ctx) error {
	if err := c.engine.RegisterKeyWithToken(ctx.UserContext(), ctx.Query("user"), ctx.Params("name")); err != nil {
		return apiError(err)
	}
	return ctx.SendStatus(fiber.StatusNoContent)
}

// SignSimpleChallenge godoc
// @Summary Sign a challenge with a key
// @Tags challenges
// @Accept json
// @Produce json
// @Param name path string true "Key name"
// @Param user query string false "Key owner"
// @Param request body SimpleChallengeRequest true "Challenge"
// @Success 200 {object} SignedResponse
// @Router /v1/keys/{name}/challenges/simple [post]
func (c *Controller) SignSimpleChallenge(ctx *fiber.Ctx) error {
	var req SimpleChallengeRequest
	if err := parseBody(ctx, &req); err != nil {
		return err
	}
	signed, err := c.engine.SignSimpleChallenge(ctx.UserContext(), ctx.Query("user"), ctx.Params("name"), req.Challenge)
	if err != nil {
		return apiError(err)
	}
	return ctx.JSON(SignedResponse{Response: signed})
}

// SignEnterpriseChallenge godoc
// @Summary Answer an enterprise challenge with a key
// @Tags challenges
// @Accept json
// @Produce json
// @Param name path string true "Key name"
// @Param user query string false "Key owner"
// @Param request body EnterpriseChallengeRequest true "Challenge"
// @Success 200 {object} SignedResponse
// @Router /v1/keys/{name}/challenges/enterprise [post]
func (c *Controller) SignEnterpriseChallenge(ctx *fiber.Ctx) error {
	var req EnterpriseChallengeRequest
	if err := parseBody(ctx, &req); err != nil {
		return err
	}
	vaType, err := challenge.ParseVAType(req.VAType)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	signed, err := c.engine.SignEnterpriseChallenge(ctx.UserContext(), attestation.EnterpriseChallenge{
		Username:               ctx.Query("user"),
		KeyName:                ctx.Params("name"),
		VAType:                 vaType,
		Domain:                 req.Domain,
		DeviceID:               req.DeviceID,
		IncludeSignedPublicKey: req.IncludeSignedPublicKey,
		Challenge:              req.Challenge,
	})
	if err != nil {
		return apiError(err)
	}
	return ctx.JSON(SignedResponse{Response: signed})
}

// GetEndorsementInfo godoc
// @Summary Get the endorsement key and certificate
// @Tags attestation
// @Produce json
// @Success 200 {object} attestation.EndorsementInfo
// @Router /v1/endorsement [get]
func (c *Controller) GetEndorsementInfo(ctx *fiber.Ctx) error {
	info, err := c.engine.GetEndorsementInfo(ctx.UserContext())
	if err != nil {
		return apiError(err)
	}
	return ctx.JSON(info)
}

// GetAttestationKeyInfo godoc
// @Summary Get the identity key enrolled with a Privacy CA
// @Tags attestation
// @Produce json
// @Param pca query string false "Privacy CA"
// @Success 200 {object} attestation.AttestationKeyInfo
// @Router /v1/identity [get]
func (c *Controller) GetAttestationKeyInfo(ctx *fiber.Ctx) error {
	t, err := queryPCA(ctx)
	if err != nil {
		return err
	}
	info, err := c.engine.GetAttestationKeyInfo(ctx.UserContext(), t)
	if err != nil {
		return apiError(err)
	}
	return ctx.JSON(info)
}

// Verify godoc
// @Summary Verify the attestation data against the TPM
// @Tags attestation
// @Accept json
// @Produce json
// @Param request body VerifyRequest false "Checks"
// @Success 200 {object} VerifyResponse
// @Router /v1/verify [post]
func (c *Controller) Verify(ctx *fiber.Ctx) error {
	var req VerifyRequest
	if len(ctx.Body()) > 0 {
		if err := parseBody(ctx, &req); err != nil {
			return err
		}
	}
	return ctx.JSON(VerifyResponse{Verified: c.engine.Verify(ctx.UserContext(), req.EKOnly, req.CrosCore)})
}
