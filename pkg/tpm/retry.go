package tpm

import (
	"context"

	"github.com/avast/retry-go/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "attestation_tpm_retries_total",
	Help: "TPM commands repeated after a transient failure.",
}, []string{"op", "action"})

// Retrying wraps a TPM so that commands failing with CommFailure,
// InvalidHandle or LoadFail are repeated once after Reload. Every other
// failure is returned as is.
type Retrying struct {
	TPM
}

// NewRetrying wraps t with the reload-and-retry-once policy.
func NewRetrying(t TPM) *Retrying {
	return &Retrying{TPM: t}
}

// attempts is the first try plus one retry.
const attempts = 2

func do[T any](ctx context.Context, t TPM, op string, fn func() (T, error)) (T, error) {
	var out T
	err := retry.Do(
		func() error {
			var err error
			out, err = fn()
			return err
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(0),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return ActionOf(err).Retryable()
		}),
		retry.OnRetry(func(n uint, err error) {
			// Also called after the final attempt, when nothing follows.
			if n+1 >= attempts {
				return
			}
			action := ActionOf(err)
			retriesTotal.WithLabelValues(op, action.String()).Inc()
			logger := zerolog.Ctx(ctx).With().Str("component", "tpm").Str("op", op).Logger()
			logger.Warn().Str("action", action.String()).Msg("Reloading TPM before retry.")
			if rerr := t.Reload(ctx); rerr != nil {
				logger.Warn().Err(rerr).Msg("TPM reload failed.")
			}
		}),
	)
	return out, err
}

// GetEndorsementPublicKey retries the wrapped call once on a transient failure.
func (r *Retrying) GetEndorsementPublicKey(ctx context.Context) ([]byte, error) {
	return do(ctx, r.TPM, "get_endorsement_public_key", func() ([]byte, error) {
		return r.TPM.GetEndorsementPublicKey(ctx)
	})
}

// GetEndorsementCredential retries the wrapped call once on a transient failure.
func (r *Retrying) GetEndorsementCredential(ctx context.Context) ([]byte, error) {
	return do(ctx, r.TPM, "get_endorsement_credential", func() ([]byte, error) {
		return r.TPM.GetEndorsementCredential(ctx)
	})
}

// MakeIdentity retries the wrapped call once on a transient failure.
func (r *Retrying) MakeIdentity(ctx context.Context) (*Identity, error) {
	return do(ctx, r.TPM, "make_identity", func() (*Identity, error) {
		return r.TPM.MakeIdentity(ctx)
	})
}

// QuotePCR retries the wrapped call once on a transient failure.
func (r *Retrying) QuotePCR(ctx context.Context, pcr int, identityKeyBlob, externalData []byte) (*Quote, error) {
	return do(ctx, r.TPM, "quote_pcr", func() (*Quote, error) {
		return r.TPM.QuotePCR(ctx, pcr, identityKeyBlob, externalData)
	})
}

// CreateDelegate retries the wrapped call once on a transient failure.
func (r *Retrying) CreateDelegate(ctx context.Context, identityKeyBlob []byte) (*Delegate, error) {
	return do(ctx, r.TPM, "create_delegate", func() (*Delegate, error) {
		return r.TPM.CreateDelegate(ctx, identityKeyBlob)
	})
}

// ActivateIdentity retries the wrapped call once on a transient failure.
func (r *Retrying) ActivateIdentity(ctx context.Context, delegate *Delegate, identityKeyBlob, asymCAContents, symCAAttestation []byte) ([]byte, error) {
	return do(ctx, r.TPM, "activate_identity", func() ([]byte, error) {
		return r.TPM.ActivateIdentity(ctx, delegate, identityKeyBlob, asymCAContents, symCAAttestation)
	})
}

// CreateCertifiedKey retries the wrapped call once on a transient failure.
func (r *Retrying) CreateCertifiedKey(ctx context.Context, identityKeyBlob, externalData []byte, usage KeyUsage) (*CertifiedKey, error) {
	return do(ctx, r.TPM, "create_certified_key", func() (*CertifiedKey, error) {
		return r.TPM.CreateCertifiedKey(ctx, identityKeyBlob, externalData, usage)
	})
}

// Sign retries the wrapped call once on a transient failure.
func (r *Retrying) Sign(ctx context.Context, keyBlob, data []byte) ([]byte, error) {
	return do(ctx, r.TPM, "sign", func() ([]byte, error) {
		return r.TPM.Sign(ctx, keyBlob, data)
	})
}

// GetRandomData retries the wrapped call once on a transient failure.
func (r *Retrying) GetRandomData(ctx context.Context, size int) ([]byte, error) {
	return do(ctx, r.TPM, "get_random_data", func() ([]byte, error) {
		return r.TPM.GetRandomData(ctx, size)
	})
}

// ReadPCR retries the wrapped call once on a transient failure.
func (r *Retrying) ReadPCR(ctx context.Context, pcr int) ([]byte, error) {
	return do(ctx, r.TPM, "read_pcr", func() ([]byte, error) {
		return r.TPM.ReadPCR(ctx, pcr)
	})
}

// ExtendPCR retries the wrapped call once on a transient failure.
func (r *Retrying) ExtendPCR(ctx context.Context, pcr int, data []byte) error {
	_, err := do(ctx, r.TPM, "extend_pcr", func() (struct{}, error) {
		return struct{}{}, r.TPM.ExtendPCR(ctx, pcr, data)
	})
	return err
}

type sealedKey struct {
	key    []byte
	sealed []byte
}

// CreateSealedKey retries the wrapped call once on a transient failure.
func (r *Retrying) CreateSealedKey(ctx context.Context, size int) ([]byte, []byte, error) {
	out, err := do(ctx, r.TPM, "create_sealed_key", func() (sealedKey, error) {
		key, sealed, err := r.TPM.CreateSealedKey(ctx, size)
		return sealedKey{key: key, sealed: sealed}, err
	})
	return out.key, out.sealed, err
}

// Unseal retries the wrapped call once on a transient failure.
func (r *Retrying) Unseal(ctx context.Context, sealed []byte) ([]byte, error) {
	return do(ctx, r.TPM, "unseal", func() ([]byte, error) {
		return r.TPM.Unseal(ctx, sealed)
	})
}
