package main

import (
	"context"
	"encoding/hex"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/DIMO-Network/tpm-attestation/pkg/cryptoutil"
	"github.com/DIMO-Network/tpm-attestation/pkg/pca"
	"github.com/DIMO-Network/tpm-attestation/pkg/pca/simca"
	"github.com/DIMO-Network/tpm-attestation/pkg/server"
	"github.com/gofiber/fiber/v2"
	"golang.org/x/sync/errgroup"
)

// AuthorityResponse is what a daemon needs to trust this CA.
type AuthorityResponse struct {
	PCA            string `json:"pca"`
	PublicKeyHex   string `json:"publicKey"`
	PublicKeyIDHex string `json:"publicKeyId"`
	RootPEM        string `json:"rootPem"`
}

func main() {
	logger := server.DefaultLogger("fake-pca")

	port := flag.Int("port", 8090, "listen port")
	monPort := flag.Int("mon-port", 8891, "monitoring port")
	typeName := flag.String("pca", "default", "privacy ca type to impersonate")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()
	server.SetLevel(logger, *logLevel)

	t, err := pca.ParseType(*typeName)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid Privacy CA type.")
	}
	ca, err := simca.New(simca.Options{Type: t})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Privacy CA.")
	}
	authority := ca.Authority("")
	info := AuthorityResponse{
		PCA:            t.String(),
		PublicKeyHex:   authority.PublicKeyHex,
		PublicKeyIDHex: hex.EncodeToString(authority.PublicKeyID),
		RootPEM:        cryptoutil.PEMChain(ca.Root()),
	}
	logger.Info().Str("pca", info.PCA).Str("publicKeyId", info.PublicKeyIDHex).
		Str("publicKey", info.PublicKeyHex).Msg("Privacy CA ready.")

	caApp := ca.App(logger)
	caApp.Get("/authority", func(c *fiber.Ctx) error {
		return c.JSON(info)
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	group, groupCtx := errgroup.WithContext(ctx)

	server.RunFiber(groupCtx, server.CreateMonitoringServer(nil), ":"+strconv.Itoa(*monPort), nil, group)
	logger.Info().Str("port", strconv.Itoa(*port)).Msg("Starting Privacy CA server")
	server.RunFiber(groupCtx, caApp, ":"+strconv.Itoa(*port), nil, group)

	if err := group.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run servers.")
	}
}
