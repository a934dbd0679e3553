// Package serverutil runs the control API's HTTP server with TLS support and
// bounded graceful shutdown.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// DefaultShutdownTimeout bounds graceful shutdown when the root context is
// cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// TLSConfig names the certificate and key files for a TLS listener. Both set
// enables TLS; both empty serves plain HTTP; one without the other is a
// configuration error.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Config controls a Run invocation.
type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	// Ready is closed once the listener is accepting connections.
	Ready chan<- struct{}
}

// Run serves cfg.Server until ctx is cancelled, then shuts it down gracefully
// within ShutdownTimeout. In-flight requests get the shutdown window to
// finish; the return value is the serve or shutdown failure, nil on a clean
// stop.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return fmt.Errorf("server is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server-runtime")

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	ln, err := listen(cfg)
	if err != nil {
		return err
	}
	logger.Info("control api listening", "addr", ln.Addr().String(), "tls", cfg.TLS.CertFile != "")

	if cfg.Ready != nil {
		close(cfg.Ready)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("control api shutting down", "timeout", timeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	shutdownErr := cfg.Server.Shutdown(shutdownCtx)

	// Wait for Serve to return so no request is abandoned silently; fall back
	// to the shutdown deadline if it never does.
	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-shutdownCtx.Done():
		if shutdownErr != nil {
			return shutdownErr
		}
		return shutdownCtx.Err()
	}
	return shutdownErr
}

// listen opens the TCP listener, wrapped in TLS when certificates are
// configured.
func listen(cfg Config) (net.Listener, error) {
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return nil, fmt.Errorf("tls cert file and key file must be provided together")
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return nil, err
	}
	// Resolve ":0" requests so callers can read the bound port back.
	cfg.Server.Addr = ln.Addr().String()
	if cfg.TLS.CertFile == "" {
		return ln, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		ln.Close()
		return nil, err
	}
	tlsCfg := cfg.Server.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	cfg.Server.TLSConfig = tlsCfg
	return tls.NewListener(ln, tlsCfg), nil
}
