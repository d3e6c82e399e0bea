// Package httpapi exposes the Fork Manager over plain HTTP: fork lifecycle
// endpoints plus a per-fork JSON-RPC endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/web3-fighter/sol-sim/fork"
	"github.com/web3-fighter/sol-sim/rpcserver"
	"github.com/web3-fighter/sol-sim/types"
)

// createTimeout bounds the whole fork-creation path, upstream fetches
// included. A create that cannot finish inside it fails without
// publishing anything to the registry.
const createTimeout = 30 * time.Second

// Server wires the Fork Registry and RPC Dispatcher onto an http.ServeMux.
type Server struct {
	registry   *fork.Registry
	dispatcher *rpcserver.Dispatcher
	access     *zap.Logger

	baseUrl   string
	version   string
	startedAt time.Time
}

// NewServer builds the HTTP handler for the given registry. baseUrl is the
// externally reachable prefix advertised in each fork's rpcUrl; every
// request's method, path and latency is logged through access.
func NewServer(registry *fork.Registry, baseUrl, version string, access *zap.Logger) *Server {
	return &Server{
		registry:   registry,
		dispatcher: rpcserver.NewDispatcher(registry),
		access:     access,
		baseUrl:    strings.TrimRight(baseUrl, "/"),
		version:    version,
		startedAt:  time.Now(),
	}
}

// Handler builds the routed mux. Split out from Server's constructor so
// tests can mount it on an httptest.Server directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /forks", s.createFork)
	mux.HandleFunc("GET /forks/{id}", s.getFork)
	mux.HandleFunc("DELETE /forks/{id}", s.deleteFork)
	mux.HandleFunc("POST /rpc/{id}", s.rpc)
	mux.HandleFunc("GET /health", s.health)
	return s.withAccessLog(mux)
}

func (s *Server) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.access.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("latency", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type createForkRequest struct {
	Accounts []string `json:"accounts"`
}

type createForkResponse struct {
	ForkId       string `json:"forkId"`
	RpcUrl       string `json:"rpcUrl"`
	CreatedAt    string `json:"createdAt"`
	ExpiresAt    string `json:"expiresAt"`
	AccountCount int    `json:"accountCount"`
	TtlMinutes   int    `json:"ttlMinutes"`
}

type forkStatusResponse struct {
	ForkId           string `json:"forkId"`
	RpcUrl           string `json:"rpcUrl"`
	Status           string `json:"status"`
	CreatedAt        string `json:"createdAt"`
	ExpiresAt        string `json:"expiresAt"`
	RemainingMinutes int    `json:"remainingMinutes"`
	AccountCount     int    `json:"accountCount"`
}

func (s *Server) rpcUrl(id types.ForkId) string {
	return s.baseUrl + "/rpc/" + id.String()
}

func (s *Server) createFork(w http.ResponseWriter, r *http.Request) {
	var req createForkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	seeds := make([]types.Address, 0, len(req.Accounts))
	for _, a := range req.Accounts {
		addr, err := solana.PublicKeyFromBase58(a)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid account address: "+a)
			return
		}
		seeds = append(seeds, addr)
	}

	ctx, cancel := context.WithTimeout(r.Context(), createTimeout)
	defer cancel()

	info, err := s.registry.Create(ctx, seeds)
	if err != nil {
		writeError(w, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, createForkResponse{
		ForkId:       info.Id.String(),
		RpcUrl:       s.rpcUrl(info.Id),
		CreatedAt:    info.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:    info.ExpiresAt.UTC().Format(time.RFC3339),
		AccountCount: info.AccountCount,
		TtlMinutes:   int(s.registry.TTL().Minutes()),
	})
}

func (s *Server) getFork(w http.ResponseWriter, r *http.Request) {
	id, ok := parseForkId(w, r)
	if !ok {
		return
	}
	info, err := s.registry.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "FORK_NOT_FOUND", "no fork with id "+id.String())
		return
	}
	now := time.Now()
	writeJSON(w, http.StatusOK, forkStatusResponse{
		ForkId:           info.Id.String(),
		RpcUrl:           s.rpcUrl(info.Id),
		Status:           info.Status(now),
		CreatedAt:        info.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:        info.ExpiresAt.UTC().Format(time.RFC3339),
		RemainingMinutes: int(info.ExpiresAt.Sub(now).Minutes()),
		AccountCount:     info.AccountCount,
	})
}

func (s *Server) deleteFork(w http.ResponseWriter, r *http.Request) {
	id, ok := parseForkId(w, r)
	if !ok {
		return
	}
	if err := s.registry.Delete(id); err != nil {
		writeError(w, http.StatusNotFound, "FORK_NOT_FOUND", "no fork with id "+id.String())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) rpc(w http.ResponseWriter, r *http.Request) {
	id, ok := parseForkId(w, r)
	if !ok {
		return
	}

	var req rpcserver.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, rpcserver.Response{
			Jsonrpc: "2.0",
			Error:   &rpcserver.RpcError{Code: rpcserver.CodeParseError, Message: "invalid JSON-RPC body"},
		})
		return
	}

	resp, err := s.dispatcher.Dispatch(r.Context(), id, req)
	if err != nil {
		if errors.Is(err, types.ErrForkNotFound) {
			writeError(w, http.StatusNotFound, "FORK_NOT_FOUND", "no fork with id "+id.String())
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"version":   s.version,
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"forks":     s.registry.Size(),
	})
}

func parseForkId(w http.ResponseWriter, r *http.Request) (types.ForkId, bool) {
	id, err := types.ParseForkId(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_FORK_ID", "invalid fork id")
		return types.ForkId{}, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{
		"error": {Code: code, Message: message},
	})
}
