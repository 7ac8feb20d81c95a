// Command gateway is the SMS gateway's process entrypoint: it wires
// config → logger → metrics → bus → Entity Manager → transport and blocks
// on SIGINT/SIGTERM for graceful shutdown, in the shape described by
// SPEC_FULL.md §2.1 ("process bootstrap") — the real-service descendant of
// the teacher's main.go/poc/main.go demonstration entrypoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smsgate/gateway/internal/bus"
	"github.com/smsgate/gateway/internal/config"
	"github.com/smsgate/gateway/internal/logging"
	"github.com/smsgate/gateway/internal/manager"
	"github.com/smsgate/gateway/internal/transport"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the gateway YAML config")
	envPath := flag.String("env", ".env", "path to an optional .env file overriding secrets")
	flag.Parse()

	if err := run(*configPath, *envPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, envPath string) error {
	if err := config.LoadEnvFile(envPath); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	base := logrus.New()
	if lvl, lerr := logrus.ParseLevel(cfg.Logs.Level); lerr == nil {
		base.SetLevel(lvl)
	}
	log := logging.NewWithLogger(base, "gateway")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	busWriter := bus.NewWriter(cfg.Bus.Brokers, logging.NewWithLogger(base, "bus"))
	defer busWriter.Close()

	var readers []manager.Reader
	var kafkaReaders []*bus.Reader
	for _, topic := range bus.ControlPlaneTopics {
		r := bus.NewReader(cfg.Bus.Brokers, cfg.Bus.GroupID, topic, logging.NewWithLogger(base, "bus"))
		readers = append(readers, r)
		kafkaReaders = append(kafkaReaders, r)
	}
	defer func() {
		for _, r := range kafkaReaders {
			r.Close()
		}
	}()

	mgr := manager.New(readers, busWriter, logging.NewWithLogger(base, "manager"))

	// healthy reflects whether the manager's control-plane dispatch loop
	// (and thus its bus readers) is still running; /healthz reports it
	// unhealthy the moment that loop exits for any reason other than
	// a clean shutdown.
	var healthy atomic.Bool
	healthy.Store(true)

	var wg sync.WaitGroup
	errCh := make(chan error, 2+len(cfg.Listeners))

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := mgr.Run(ctx)
		if ctx.Err() == nil {
			healthy.Store(false)
			if err != nil {
				errCh <- fmt.Errorf("manager: %w", err)
			}
		}
	}()

	for _, lc := range cfg.Listeners {
		ln, err := net.Listen("tcp", lc.Address)
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("listen %s: %w", lc.Address, err)
		}
		tl := transport.NewListener(ln, mgr, logging.NewWithLogger(base, "listener"))

		wg.Add(1)
		go func(lc config.ListenerConfig, tl *transport.Listener) {
			defer wg.Done()
			if err := tl.Run(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("listener %s (%s): %w", lc.Address, lc.Variant, err)
			}
		}(lc, tl)
		log.Info("gateway: listening on %s for %s", lc.Address, lc.Variant)
	}

	httpServer := newObservabilityServer(cfg.Server.Port, &healthy)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	log.Info("gateway: observability surface on :%d (/healthz, /metrics)", cfg.Server.Port)

	select {
	case <-ctx.Done():
		log.Info("gateway: shutdown signal received")
	case err := <-errCh:
		log.Error("gateway: fatal: %v", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			log.Warn("gateway: component error during shutdown: %v", err)
		}
	}
	return nil
}
