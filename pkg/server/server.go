package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// ReadyFunc reports whether the service can take requests.
type ReadyFunc func() error

// RunFiber serves fiberApp on addr in group until ctx is done. A non-nil
// tlsConfig serves HTTPS.
func RunFiber(ctx context.Context, fiberApp *fiber.App, addr string, tlsConfig *tls.Config, group *errgroup.Group) {
	group.Go(func() error {
		if tlsConfig == nil {
			if err := fiberApp.Listen(addr); err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}
			return nil
		}
		listener, err := tls.Listen("tcp", addr, tlsConfig)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		return RunListener(fiberApp, listener)
	})
	group.Go(func() error {
		<-ctx.Done()
		if err := fiberApp.Shutdown(); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		return nil
	})
}

// RunListener serves fiberApp on an open listener until the app shuts down.
func RunListener(fiberApp *fiber.App, listener net.Listener) error {
	if err := fiberApp.Listener(listener); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// CreateMonitoringServer returns the app serving /metrics and the readiness
// probe. A nil ready always reports ready.
func CreateMonitoringServer(ready ReadyFunc) *fiber.App {
	monApp := fiber.New(fiber.Config{DisableStartupMessage: true})
	monApp.Get("/", func(*fiber.Ctx) error { return nil })
	monApp.Get("/ready", func(c *fiber.Ctx) error {
		if ready != nil {
			if err := ready(); err != nil {
				return c.Status(fiber.StatusServiceUnavailable).SendString(err.Error())
			}
		}
		return c.SendString("ok")
	})
	monApp.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	return monApp
}
