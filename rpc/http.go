package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"credline/crypto"
	"credline/native/fund"
	"credline/native/identity"
	"credline/native/lending"
	"credline/native/liquidation"
	"credline/native/registry"
	"credline/native/score"
	"credline/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

// Server exposes the node's modules over JSON-RPC.
type Server struct {
	score      *score.Engine
	lending    *lending.Engine
	auctioneer *liquidation.Auctioneer
	fund       *fund.Engine
	identity   *identity.Module
	ledger     *registry.Ledger

	jwtSecret []byte
	admin     crypto.Address
	limiter   *rate.Limiter
	metrics   *observability.LedgerMetrics
	logger    *slog.Logger
}

// Deps bundles the module handles the server dispatches into.
type Deps struct {
	Score      *score.Engine
	Lending    *lending.Engine
	Auctioneer *liquidation.Auctioneer
	Fund       *fund.Engine
	Identity   *identity.Module
	Ledger     *registry.Ledger
	JWTSecret  []byte
	Admin      crypto.Address
	RateRPS    float64
	RateBurst  int
	Logger     *slog.Logger
}

// NewServer constructs a JSON-RPC server over the provided modules.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rps := deps.RateRPS
	if rps <= 0 {
		rps = 50
	}
	burst := deps.RateBurst
	if burst <= 0 {
		burst = 100
	}
	return &Server{
		score:      deps.Score,
		lending:    deps.Lending,
		auctioneer: deps.Auctioneer,
		fund:       deps.Fund,
		identity:   deps.Identity,
		ledger:     deps.Ledger,
		jwtSecret:  deps.JWTSecret,
		admin:      deps.Admin,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		metrics:    observability.Ledger(),
		logger:     logger,
	}
}

// Router builds the HTTP routing table: the RPC endpoint plus health and
// metrics surfaces.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Post("/rpc", s.handle)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start serves the router until the listener fails.
func (s *Server) Start(addr string) error {
	s.logger.Info("starting JSON-RPC server", "addr", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	if !s.limiter.Allow() {
		observability.ModuleMetrics().RecordThrottle("rpc", "rate_limit")
		writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "rate limit exceeded", nil)
		return
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	status := s.dispatch(w, r, req)
	observability.ModuleMetrics().Observe("rpc", req.Method, status, time.Since(started))
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) int {
	switch req.Method {
	case "cred_getScore":
		return s.handleGetScore(w, req)
	case "cred_getAPR":
		return s.handleGetAPR(w, req)
	case "cred_getPool":
		return s.handleGetPool(w, req)
	case "cred_getLoan":
		return s.handleGetLoan(w, req)
	case "cred_getLoans":
		return s.handleGetLoans(w, req)
	case "cred_getHealthFactor":
		return s.handleGetHealthFactor(w, req)
	case "cred_getAuction":
		return s.handleGetAuction(w, req)
	case "cred_getFund":
		return s.handleGetFund(w, req)
	case "cred_supply":
		return s.withSubjectAuth(w, r, req, s.handleSupply)
	case "cred_borrow":
		return s.withSubjectAuth(w, r, req, s.handleBorrow)
	case "cred_repay":
		return s.withSubjectAuth(w, r, req, s.handleRepay)
	case "cred_stake":
		return s.withSubjectAuth(w, r, req, s.handleStake)
	case "cred_unstake":
		return s.withSubjectAuth(w, r, req, s.handleUnstake)
	case "cred_submitProof":
		return s.withSubjectAuth(w, r, req, s.handleSubmitProof)
	case "cred_recordVote":
		return s.withSubjectAuth(w, r, req, s.handleRecordVote)
	case "cred_recordProposal":
		return s.withSubjectAuth(w, r, req, s.handleRecordProposal)
	case "cred_startLiquidation":
		return s.handleStartLiquidation(w, req)
	case "cred_executeLiquidation":
		return s.withSubjectAuth(w, r, req, s.handleExecuteLiquidation)
	case "cred_cancelLiquidation":
		return s.withSubjectAuth(w, r, req, s.handleCancelLiquidation)
	case "cred_fundDeposit":
		return s.withSubjectAuth(w, r, req, s.handleFundDeposit)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
		return http.StatusNotFound
	}
}

// withSubjectAuth verifies the bearer token and hands the authenticated
// subject to the handler. The token's sub claim is the bech32 address the
// request acts as.
func (s *Server) withSubjectAuth(w http.ResponseWriter, r *http.Request, req *RPCRequest, handler func(http.ResponseWriter, *RPCRequest, crypto.Address) int) int {
	subject, authErr := s.authenticate(r)
	if authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return http.StatusUnauthorized
	}
	return handler(w, req, subject)
}

func (s *Server) authenticate(r *http.Request) (crypto.Address, *RPCError) {
	if len(s.jwtSecret) == 0 {
		return crypto.Address{}, &RPCError{Code: codeUnauthorized, Message: "authentication not configured"}
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		return crypto.Address{}, &RPCError{Code: codeUnauthorized, Message: "bearer token required"}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return crypto.Address{}, &RPCError{Code: codeUnauthorized, Message: "invalid token"}
	}
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return crypto.Address{}, &RPCError{Code: codeUnauthorized, Message: "token subject required"}
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(sub))
	if err != nil {
		return crypto.Address{}, &RPCError{Code: codeUnauthorized, Message: "token subject invalid", Data: err.Error()}
	}
	return addr, nil
}

func (s *Server) writeModuleError(w http.ResponseWriter, id interface{}, err error) int {
	status := http.StatusBadRequest
	code := codeServerError
	switch {
	case errors.Is(err, registry.ErrLoanNotFound),
		errors.Is(err, lending.ErrPositionNotFound),
		errors.Is(err, liquidation.ErrAuctionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrUnauthorized),
		errors.Is(err, lending.ErrUnauthorized),
		errors.Is(err, liquidation.ErrUnauthorized):
		status = http.StatusForbidden
		code = codeUnauthorized
	}
	writeError(w, status, id, code, err.Error(), nil)
	return status
}

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) == 0 {
		return fmt.Errorf("params required")
	}
	return json.Unmarshal(req.Params[0], out)
}

func parseAddressParam(field, value string) (crypto.Address, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return crypto.Address{}, fmt.Errorf("%s required", field)
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%s invalid: %w", field, err)
	}
	return addr, nil
}
