package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Layr-Labs/payload-relay-go/pkg/types"
)

// CreatePayloadRequest is the body for POST /payloads.
type CreatePayloadRequest struct {
	SignerID    string         `json:"signer_id"`
	PayloadType string         `json:"payload_type"`
	Body        map[string]any `json:"body"`
	ExpiresIn   string         `json:"expires_in,omitempty"` // Go duration string, optional
}

// SignPayloadRequest is the body for POST /payloads/{id}/sign.
type SignPayloadRequest struct {
	PrivateKey string `json:"private_key"`
}

// SetNonceRequest is the body for PUT /signers/{signer}/nonce.
type SetNonceRequest struct {
	Nonce uint64 `json:"nonce"`
}

type errorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	RecordID string `json:"record_id,omitempty"`
}

func (s *Server) handleCreatePayload(w http.ResponseWriter, r *http.Request) {
	var req CreatePayloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, types.ValidationError("failed to parse request: %v", err))
		return
	}

	var expiresIn time.Duration
	if req.ExpiresIn != "" {
		parsed, err := time.ParseDuration(req.ExpiresIn)
		if err != nil {
			s.writeError(w, types.ValidationError("invalid expires_in: %v", err))
			return
		}
		expiresIn = parsed
	}

	record, err := s.coordinator.CreatePayload(r.Context(), req.SignerID, types.PayloadType(req.PayloadType), req.Body, expiresIn)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleSignPayload(w http.ResponseWriter, r *http.Request) {
	var req SignPayloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, types.ValidationError("failed to parse request: %v", err))
		return
	}
	if req.PrivateKey == "" {
		s.writeError(w, types.ValidationError("private_key is required"))
		return
	}

	record, err := s.coordinator.SignPayload(r.Context(), r.PathValue("id"), req.PrivateKey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleSubmitPayload(w http.ResponseWriter, r *http.Request) {
	txRef, record, err := s.coordinator.SubmitPayload(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"tx_ref": txRef,
		"record": record,
	})
}

func (s *Server) handleRetrySubmission(w http.ResponseWriter, r *http.Request) {
	txRef, record, err := s.coordinator.RetrySubmission(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"tx_ref": txRef,
		"record": record,
	})
}

func (s *Server) handleGetPayload(w http.ResponseWriter, r *http.Request) {
	record, err := s.coordinator.GetPayload(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleVerifySignature(w http.ResponseWriter, r *http.Request) {
	expectedSigner := r.URL.Query().Get("signer")
	if expectedSigner == "" {
		s.writeError(w, types.ValidationError("signer query parameter is required"))
		return
	}

	id := r.PathValue("id")
	var (
		valid bool
		err   error
	)
	if r.URL.Query().Get("onchain") == "true" {
		valid, err = s.coordinator.VerifyOnChain(r.Context(), id, expectedSigner)
	} else {
		valid, err = s.coordinator.VerifySignature(r.Context(), id, expectedSigner)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

func (s *Server) handleListPayloads(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("pending") != "true" {
		s.writeError(w, types.ValidationError("only pending=true listings are supported"))
		return
	}
	records, err := s.coordinator.ListPending(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleListForSigner(w http.ResponseWriter, r *http.Request) {
	records, err := s.coordinator.ListForSigner(r.Context(), r.PathValue("signer"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleCurrentNonce(w http.ResponseWriter, r *http.Request) {
	signer := r.PathValue("signer")
	nonce, err := s.coordinator.CurrentNonce(r.Context(), signer)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"signer": signer,
		"nonce":  strconv.FormatUint(nonce, 10),
	})
}

func (s *Server) handleSetNonce(w http.ResponseWriter, r *http.Request) {
	var req SetNonceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, types.ValidationError("failed to parse request: %v", err))
		return
	}

	if err := s.coordinator.SetNonce(r.Context(), r.PathValue("signer"), req.Nonce); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.coordinator.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.HealthCheck(r.Context()); err != nil {
		http.Error(w, fmt.Sprintf("unhealthy: %v", err), http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Sugar().Errorw("Failed to encode response", "error", err)
	}
}

// writeError maps a coded error to an HTTP status. Unknown errors are
// 500s with the message suppressed.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		status int
		resp   errorResponse
	)

	code := types.CodeOf(err)
	switch code {
	case types.CodeValidation:
		status = http.StatusBadRequest
	case types.CodeConflict:
		status = http.StatusConflict
	case types.CodeNotFound:
		status = http.StatusNotFound
	case types.CodeSignature:
		status = http.StatusUnprocessableEntity
	case types.CodeExpired:
		status = http.StatusGone
	case types.CodeLedgerRetryable, types.CodeLedgerTerminal:
		status = http.StatusBadGateway
	case types.CodeStore:
		status = http.StatusInternalServerError
	default:
		status = http.StatusInternalServerError
	}

	resp.Code = string(code)
	if status == http.StatusInternalServerError {
		resp.Message = "internal error"
		s.logger.Sugar().Errorw("Request failed", "error", err)
	} else {
		resp.Message = err.Error()
		var coded *types.Error
		if errors.As(err, &coded) {
			resp.RecordID = coded.RecordID
		}
	}

	s.writeJSON(w, status, resp)
}
