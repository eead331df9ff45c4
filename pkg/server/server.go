// Package server exposes the payload lifecycle over HTTP. It is a thin
// wrapper: every handler decodes, calls the coordinator, and maps the
// coded error to a status. No lifecycle logic lives here.
package server

import (
	"fmt"
	"net/http"

	"github.com/Layr-Labs/payload-relay-go/pkg/coordinator"
	"go.uber.org/zap"
)

// Server handles HTTP requests for payload creation, signing,
// submission and inspection.
type Server struct {
	coordinator *coordinator.Coordinator
	logger      *zap.Logger
	httpServer  *http.Server
}

// NewServer creates a new server instance
func NewServer(c *coordinator.Coordinator, port int, logger *zap.Logger) *Server {
	s := &Server{
		coordinator: c,
		logger:      logger,
	}

	mux := http.NewServeMux()

	// Payload lifecycle endpoints
	mux.HandleFunc("POST /payloads", s.handleCreatePayload)
	mux.HandleFunc("POST /payloads/{id}/sign", s.handleSignPayload)
	mux.HandleFunc("POST /payloads/{id}/submit", s.handleSubmitPayload)
	mux.HandleFunc("POST /payloads/{id}/retry", s.handleRetrySubmission)

	// Inspection endpoints
	mux.HandleFunc("GET /payloads", s.handleListPayloads)
	mux.HandleFunc("GET /payloads/{id}", s.handleGetPayload)
	mux.HandleFunc("GET /payloads/{id}/verify", s.handleVerifySignature)
	mux.HandleFunc("GET /signers/{signer}/payloads", s.handleListForSigner)
	mux.HandleFunc("GET /signers/{signer}/nonce", s.handleCurrentNonce)
	mux.HandleFunc("PUT /signers/{signer}/nonce", s.handleSetNonce)

	// Operational endpoints
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	go func() {
		s.logger.Sugar().Infow("Starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Sugar().Errorw("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Stop stops the HTTP server
func (s *Server) Stop() error {
	return s.httpServer.Close()
}

// GetHandler returns the HTTP handler (for testing)
func (s *Server) GetHandler() http.Handler {
	return s.httpServer.Handler
}
