package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/DIMO-Network/tpm-attestation/internal/app"
	"github.com/DIMO-Network/tpm-attestation/internal/config"
	"github.com/DIMO-Network/tpm-attestation/pkg/attestation"
	"github.com/DIMO-Network/tpm-attestation/pkg/certs"
	"github.com/DIMO-Network/tpm-attestation/pkg/database"
	"github.com/DIMO-Network/tpm-attestation/pkg/keystore"
	"github.com/DIMO-Network/tpm-attestation/pkg/platform"
	"github.com/DIMO-Network/tpm-attestation/pkg/scheduler"
	"github.com/DIMO-Network/tpm-attestation/pkg/server"
	"github.com/DIMO-Network/tpm-attestation/pkg/storage"
	"github.com/DIMO-Network/tpm-attestation/pkg/tpm/simulator"
	"github.com/DIMO-Network/tpm-attestation/pkg/verify"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := server.DefaultLogger("attestationd")

	settingsFile := flag.String("settings", "", "settings file")
	flag.Parse()
	settings, err := config.Load(*settingsFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("Couldn't load settings.")
	}
	server.SetLevel(logger, settings.LogLevel)
	zerolog.DefaultContextLogger = logger

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = logger.WithContext(ctx)

	engine, closeEngine := createEngine(ctx, logger, settings)
	defer closeEngine()

	tlsConfig, err := certs.TLSConfigFromSettings(&settings.TLS)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load TLS settings.")
	}

	group, groupCtx := errgroup.WithContext(ctx)

	monApp := server.CreateMonitoringServer(nil)
	logger.Info().Str("port", strconv.Itoa(settings.MonPort)).Msg("Starting monitoring server")
	server.RunFiber(groupCtx, monApp, ":"+strconv.Itoa(settings.MonPort), nil, group)

	apiApp := app.CreateAttestationServer(logger, engine)
	logger.Info().Str("port", strconv.Itoa(settings.Port)).Bool("tls", tlsConfig != nil).Msg("Starting attestation server")
	server.RunFiber(groupCtx, apiApp, ":"+strconv.Itoa(settings.Port), tlsConfig, group)

	if settings.Scheduler.Enabled {
		enrollType, _ := settings.PCA.EnrollType()
		sched, err := scheduler.New(engine, enrollType, settings.Scheduler.Interval)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create scheduler.")
		}
		group.Go(func() error {
			return sched.Start(groupCtx)
		})
	}

	if err := group.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run servers.")
	}
}

// createEngine builds and initializes the engine from settings. The returned
// func releases it.
func createEngine(ctx context.Context, logger *zerolog.Logger, settings *config.Settings) (*attestation.Engine, func()) {
	sim, err := simulator.New(simulator.Options{KeyBits: settings.TPM.KeyBits})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to start software TPM.")
	}
	logger.Warn().Msg("Using the software TPM, identities do not survive a restart.")
	issuer, modulus := sim.EndorsementRoot()
	ekCAs := append(verify.CATable{{Issuer: issuer, ModulusHex: modulus}}, verify.KnownEndorsementCAs...)

	registry, err := settings.PCA.Registry()
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid Privacy CA settings.")
	}

	cfg := attestation.Config{
		TPM:  sim,
		Blob: storage.NewFile(settings.DatabasePath),
		Platform: &platform.Files{
			InstallAttributesPath: settings.InstallAttributesPath,
			HardwareIDPath:        settings.HardwareIDPath,
			FixedHardwareID:       settings.HardwareID,
			EnrollmentDataPath:    settings.EnrollmentDataPath,
		},
		Registry:       registry,
		EndorsementCAs: ekCAs,
		PendingTTL:     settings.PCA.PendingTTL,
	}
	var keys *keystore.SQLite
	if settings.KeyStorePath != "" {
		keys, err = keystore.Open(settings.KeyStorePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to open key store.")
		}
		cfg.KeyStore = keys
	}

	engine, err := attestation.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create attestation engine.")
	}
	err = engine.Initialize(ctx)
	if errors.Is(err, database.ErrUnseal) {
		// The software TPM that sealed this database is gone.
		logger.Warn().Str("path", settings.DatabasePath).Msg("Discarding database sealed by a previous software TPM.")
		if err = os.Remove(settings.DatabasePath); err == nil {
			err = engine.Initialize(ctx)
		}
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize attestation engine.")
	}
	return engine, func() {
		engine.Close()
		if keys != nil {
			_ = keys.Close()
		}
	}
}
