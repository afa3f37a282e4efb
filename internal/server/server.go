// SPDX-FileCopyrightText: 2025 The vmjoule Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/exporter-toolkit/web"

	"github.com/vmjoule/vmjoule/internal/service"
)

// APIService is the HTTP surface exporters register their handlers on
type APIService interface {
	service.Service
	Register(endpoint string, handler http.Handler)
}

// APIServer serves the registered endpoints on one listener. Any path
// without a registered handler answers 200 with a hint pointing at
// /metrics, so misdirected scrapes fail loudly in the scraper's output
// rather than with an opaque 404.
type APIServer struct {
	logger *slog.Logger

	server    *http.Server
	mux       *http.ServeMux
	webConfig *web.FlagConfig
}

var _ APIService = (*APIServer)(nil)

type Opts struct {
	logger     *slog.Logger
	listenAddr string
}

// OptionFn sets one or more options in Opts
type OptionFn func(*Opts)

func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) { o.logger = logger }
}

// WithListen sets the address and port to bind. Both must already be
// validated; config.Validate refuses to start on values that do not
// parse.
func WithListen(address, port string) OptionFn {
	return func(o *Opts) { o.listenAddr = net.JoinHostPort(address, port) }
}

func DefaultOpts() Opts {
	return Opts{
		logger:     slog.Default(),
		listenAddr: net.JoinHostPort("::", "8080"),
	}
}

func NewAPIServer(applyOpts ...OptionFn) *APIServer {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	mux := http.NewServeMux()
	tlsConfig := ""
	return &APIServer{
		logger: opts.logger.With("service", "api-server"),
		mux:    mux,
		server: &http.Server{Handler: mux},
		webConfig: &web.FlagConfig{
			WebListenAddresses: &[]string{opts.listenAddr},
			WebConfigFile:      &tlsConfig,
		},
	}
}

func (s *APIServer) Name() string {
	return "api-server"
}

func (s *APIServer) Init() error {
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if _, err := w.Write([]byte("metrics are available on /metrics\n")); err != nil {
			s.logger.Error("failed to write hint page", "error", err)
		}
	})
	return nil
}

func (s *APIServer) Run(ctx context.Context) error {
	s.logger.Info("Serving HTTP", "address", (*s.webConfig.WebListenAddresses)[0])
	errCh := make(chan error)
	go func() {
		errCh <- web.ListenAndServe(s.server, s.webConfig, s.logger)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down server on context done")
		return nil

	case err := <-errCh:
		s.logger.Error("server terminated", "error", err)
		return err
	}
}

func (s *APIServer) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *APIServer) Register(endpoint string, handler http.Handler) {
	s.logger.Debug("endpoint registered", "endpoint", endpoint)
	s.mux.Handle(endpoint, handler)
}
