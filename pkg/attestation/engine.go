// Package attestation establishes a TPM-backed device identity with a
// Privacy CA and uses it to certify keys and answer challenges.
//
// One mutex guards the attestation database. Every operation holds it for
// its duration except Privacy CA round trips and the TPM work of enrollment
// preparation. Mutations are applied to a copy, persisted, and only then
// swapped in, so a failed step never leaves partial state in memory.
package attestation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/DIMO-Network/tpm-attestation/pkg/challenge"
	"github.com/DIMO-Network/tpm-attestation/pkg/database"
	"github.com/DIMO-Network/tpm-attestation/pkg/keyregistry"
	"github.com/DIMO-Network/tpm-attestation/pkg/keystore"
	"github.com/DIMO-Network/tpm-attestation/pkg/pca"
	"github.com/DIMO-Network/tpm-attestation/pkg/platform"
	"github.com/DIMO-Network/tpm-attestation/pkg/storage"
	"github.com/DIMO-Network/tpm-attestation/pkg/tpm"
	"github.com/DIMO-Network/tpm-attestation/pkg/verify"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

// Config holds the collaborators of an Engine. TPM, Blob and Platform are
// required.
type Config struct {
	TPM      tpm.TPM
	Blob     storage.Blob
	Platform platform.Platform
	// KeyStore holds user keys. Without it only device keys are available.
	KeyStore keystore.KeyStore
	// Registry lists the known Privacy CAs. Defaults to pca.DefaultRegistry.
	Registry pca.Registry
	// Transport reaches the Privacy CAs. Defaults to an HTTP transport.
	Transport pca.Transport
	// EndorsementCAs and LockedEndorsementCAs default to the known tables.
	EndorsementCAs       verify.CATable
	LockedEndorsementCAs verify.CATable
	// VATable holds the Verified Access keys. Defaults to challenge.DefaultTable.
	VATable challenge.Table
	// IdentityFeatures is the feature set of new identities. Zero selects
	// database.FeatureEnterpriseEnrollmentID.
	IdentityFeatures database.Feature
	// PendingTTL bounds how long an unanswered certificate request is kept.
	// Zero keeps it until the process exits.
	PendingTTL time.Duration
}

// Engine is the attestation orchestrator.
type Engine struct {
	tpm         tpm.TPM
	store       *database.Store
	platform    platform.Platform
	registry    pca.Registry
	transport   pca.Transport
	keys        *keyregistry.Registry
	challenges  *challenge.Engine
	verifier    verify.Verifier
	ekCAs       verify.CATable
	lockedEKCAs verify.CATable
	features    database.Feature
	pending     *cache.Cache

	mu        sync.Mutex
	db        *database.AttestationDatabase
	hwid      []byte
	preparing bool
	task      *EnrollmentTask
}

// New returns an engine. Call Initialize before any other method.
func New(cfg Config) (*Engine, error) {
	if cfg.TPM == nil {
		return nil, errors.New("tpm is required")
	}
	if cfg.Blob == nil {
		return nil, errors.New("database blob is required")
	}
	if cfg.Platform == nil {
		return nil, errors.New("platform is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = pca.DefaultRegistry()
	}
	if cfg.Transport == nil {
		cfg.Transport = pca.NewHTTPTransport(nil)
	}
	if cfg.EndorsementCAs == nil {
		cfg.EndorsementCAs = verify.KnownEndorsementCAs
	}
	if cfg.LockedEndorsementCAs == nil {
		cfg.LockedEndorsementCAs = verify.KnownLockedEndorsementCAs
	}
	if cfg.IdentityFeatures == 0 {
		cfg.IdentityFeatures = database.FeatureEnterpriseEnrollmentID
	}

	t := tpm.NewRetrying(cfg.TPM)
	e := &Engine{
		tpm:         t,
		store:       database.NewStore(database.NewCodec(t), cfg.Blob),
		platform:    cfg.Platform,
		registry:    cfg.Registry,
		transport:   cfg.Transport,
		keys:        keyregistry.New(cfg.KeyStore),
		challenges:  challenge.New(t, t.Version(), cfg.VATable),
		verifier:    verify.Verifier{Version: t.Version()},
		ekCAs:       cfg.EndorsementCAs,
		lockedEKCAs: cfg.LockedEndorsementCAs,
		features:    cfg.IdentityFeatures,
	}
	if cfg.PendingTTL > 0 {
		e.pending = cache.New(cfg.PendingTTL, cfg.PendingTTL)
	} else {
		e.pending = cache.New(cache.NoExpiration, 0)
	}
	e.pending.OnEvicted(func(_ string, v any) {
		if key, ok := v.(*database.CertifiedKey); ok {
			key.Clear()
		}
	})
	return e, nil
}

// Initialize loads the database, migrates an older layout and persists the
// result. A missing database starts empty.
func (e *Engine) Initialize(ctx context.Context) error {
	logger := zerolog.Ctx(ctx).With().Str("component", "attestation").Logger()
	e.mu.Lock()
	defer e.mu.Unlock()

	e.hwid = e.platform.HardwareID(ctx)
	db, err := e.store.Load(ctx)
	if errors.Is(err, database.ErrNotFound) {
		logger.Info().Msg("No attestation database, starting empty.")
		e.db = &database.AttestationDatabase{Version: database.CurrentVersion}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load attestation database: %w", err)
	}

	migrated, err := database.Migrate(ctx, db, e.tpm, e.hwid)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to migrate attestation database.")
	}
	encrypted, err := database.EncryptAllEndorsementCredentials(db, e.registry)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to encrypt endorsement credential.")
	}
	if migrated || encrypted {
		if err := e.store.Save(ctx, db); err != nil {
			logger.Warn().Err(err).Msg("Failed to persist migrated database.")
		}
	}
	e.db = db
	return nil
}

// Close drops pending requests and zeroes every secret held in memory.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k := range e.pending.Items() {
		e.pending.Delete(k)
	}
	e.db.Clear()
	e.db = nil
	e.store.Clear()
}

func (e *Engine) loaded() error {
	if e.db == nil {
		return ErrNotInitialized
	}
	return nil
}

// update applies fn to a copy of the database and, when fn reports a change,
// persists the copy and makes it current. The caller holds e.mu.
func (e *Engine) update(ctx context.Context, fn func(db *database.AttestationDatabase) (bool, error)) error {
	if err := e.loaded(); err != nil {
		return err
	}
	next, err := e.db.Clone()
	if err != nil {
		return err
	}
	changed, err := fn(next)
	if err != nil || !changed {
		next.Clear()
		return err
	}
	if err := e.store.Save(ctx, next); err != nil {
		next.Clear()
		return err
	}
	prev := e.db
	e.db = next
	prev.Clear()
	return nil
}

// identity returns the identity certified by t, or the first identity when
// none is.
func (e *Engine) identity(t pca.Type) (int, *database.Identity, bool) {
	index := 0
	if cert, ok := e.db.IdentityCertificates[t]; ok {
		index = cert.Identity
	}
	if index < 0 || index >= len(e.db.Identities) {
		return 0, nil, false
	}
	return index, e.db.Identities[index], true
}
