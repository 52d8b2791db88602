// Package transport exposes the dispatcher's three RPCs and its halt
// endpoint over JSON-over-HTTP, the Go-native stand-in for the
// original's FlowTransport endpoints. Routing follows the teacher's
// gorilla/mux convention; error-to-status mapping follows the shape of
// internal/api/errors.go's TranslateError, adapted from S3Error's XML
// body to a flat JSON envelope.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/encrypt-key-proxy/internal/dispatcher"
	"github.com/kenneth/encrypt-key-proxy/internal/ekp"
	"github.com/kenneth/encrypt-key-proxy/internal/ekperrors"
)

// Server wraps a Dispatcher with an HTTP router.
type Server struct {
	dispatcher *dispatcher.Dispatcher
	logger     *logrus.Logger
}

// NewServer builds the JSON-over-HTTP front end for d.
func NewServer(d *dispatcher.Dispatcher, logger *logrus.Logger) *Server {
	return &Server{dispatcher: d, logger: logger}
}

// Router builds the mux.Router exposing the EKP's endpoints.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/get_base_cipher_keys_by_ids", s.handleGetBaseCipherKeysByIds).Methods(http.MethodPost)
	r.HandleFunc("/v1/get_latest_base_cipher_keys", s.handleGetLatestBaseCipherKeys).Methods(http.MethodPost)
	r.HandleFunc("/v1/get_latest_blob_metadata", s.handleGetLatestBlobMetadata).Methods(http.MethodPost)
	r.HandleFunc("/v1/halt", s.handleHalt).Methods(http.MethodPost)
	return r
}

func (s *Server) handleGetBaseCipherKeysByIds(w http.ResponseWriter, r *http.Request) {
	var req ekp.GetBaseCipherKeysByIdsRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	assignDebugID(&req.DebugID)

	reply, err := s.dispatcher.GetBaseCipherKeysByIds(r.Context(), req)
	s.writeReply(w, reply, reply.Error, err)
}

func (s *Server) handleGetLatestBaseCipherKeys(w http.ResponseWriter, r *http.Request) {
	var req ekp.GetLatestBaseCipherKeysRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	assignDebugID(&req.DebugID)

	reply, err := s.dispatcher.GetLatestBaseCipherKeys(r.Context(), req)
	s.writeReply(w, reply, reply.Error, err)
}

func (s *Server) handleGetLatestBlobMetadata(w http.ResponseWriter, r *http.Request) {
	var req ekp.GetLatestBlobMetadataRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	assignDebugID(&req.DebugID)

	reply, err := s.dispatcher.GetLatestBlobMetadata(r.Context(), req)
	s.writeReply(w, reply, reply.Error, err)
}

type haltRequest struct {
	RequesterID string `json:"requester_id"`
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	var req haltRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if err := s.dispatcher.Halt(r.Context(), req.RequesterID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: "malformed_request"})
		return false
	}
	return true
}

func assignDebugID(debugID *string) {
	if *debugID == "" {
		*debugID = uuid.New().String()
	}
}

// writeReply encodes a successful dispatcher call. replyErr is the
// handler's own reply.Error field (client-replyable, packaged inside a
// 200); err is a transport/context error (ctx cancellation) or a fatal
// error that reached the HTTP boundary because the dispatcher itself is
// unwinding.
func (s *Server) writeReply(w http.ResponseWriter, reply any, replyErr, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	if replyErr != nil {
		writeJSON(w, statusForReplyErr(replyErr), errorEnvelope{Error: replyErr.Error()})
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

type errorEnvelope struct {
	Error string `json:"error"`
}

func statusForReplyErr(err error) int {
	switch {
	case errors.Is(err, ekperrors.ErrEncryptKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, ekperrors.ErrTimedOut):
		return http.StatusGatewayTimeout
	case errors.Is(err, ekperrors.ErrConnectionFailed), errors.Is(err, ekperrors.ErrEncryptKeysFetchFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, errorEnvelope{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
