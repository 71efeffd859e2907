// Package facilitator hosts the verify and settle HTTP surface that sits
// between resource servers and the ledger.
package facilitator

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	pay402 "github.com/pay402/pay402-go"
)

// settleRequest is the body of both POST /verify and POST /settle.
type settleRequest struct {
	Payload     pay402.PaymentPayload     `json:"payload"`
	Requirement pay402.PaymentRequirement `json:"requirement"`
}

type healthResponse struct {
	Status string `json:"status"`
}

// Server exposes verification and settlement over HTTP.
type Server struct {
	engine      *pay402.VerificationEngine
	coordinator *pay402.SettlementCoordinator
	store       SettlementStore
	clock       pay402.Clock
	logger      zerolog.Logger
	echo        *echo.Echo
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithStore sets the settlement store. Default is in-memory.
func WithStore(store SettlementStore) ServerOption {
	return func(s *Server) { s.store = store }
}

// WithServerClock overrides the server clock.
func WithServerClock(clock pay402.Clock) ServerOption {
	return func(s *Server) { s.clock = clock }
}

// NewServer wires the verify and settle routes around the given engine
// and coordinator.
func NewServer(engine *pay402.VerificationEngine, coordinator *pay402.SettlementCoordinator, opts ...ServerOption) *Server {
	s := &Server{
		engine:      engine,
		coordinator: coordinator,
		store:       NewMemoryStore(),
		clock:       pay402.SystemClock(),
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomiddleware.Recover())

	e.POST("/verify", s.handleVerify)
	e.POST("/settle", s.handleSettle)
	e.GET("/health", s.handleHealth)

	s.echo = e
	return s
}

// Handler returns the server as an http.Handler, for mounting or for
// httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until the listener fails or the server is shut down.
func (s *Server) Start(address string) error {
	return s.echo.Start(address)
}

func (s *Server) handleVerify(c echo.Context) error {
	req, err := s.decodeRequest(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, pay402.VerifyResult{
			Valid:  false,
			Reason: err.Error(),
		})
	}

	result, err := s.engine.Verify(c.Request().Context(), req.Payload, req.Requirement)
	if err != nil {
		s.logger.Error().Err(err).
			Str("payer", req.Payload.Payer).
			Str("network", req.Payload.Network).
			Msg("proof check failed")
		return c.JSON(http.StatusServiceUnavailable, pay402.VerifyResult{
			Valid:  false,
			Reason: pay402.ErrCodeFacilitator,
		})
	}

	s.logger.Info().
		Bool("valid", result.Valid).
		Str("reason", result.Reason).
		Str("payer", req.Payload.Payer).
		Msg("verified payload")
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleSettle(c echo.Context) error {
	req, err := s.decodeRequest(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, pay402.SettleResult{
			Success: false,
			Status:  pay402.SettleStatusRejected,
			Reason:  err.Error(),
		})
	}

	payloadKey, err := pay402.SettlementKey(req.Payload)
	if err != nil {
		return c.JSON(http.StatusBadRequest, pay402.SettleResult{
			Success: false,
			Status:  pay402.SettleStatusRejected,
			Reason:  pay402.ErrCodeValidation,
		})
	}

	// A payload settled in a previous process lifetime returns its stored
	// result without touching the ledger again.
	if record, err := s.store.Get(c.Request().Context(), payloadKey); err == nil {
		return c.JSON(http.StatusOK, pay402.SettleResult{
			Success:         true,
			LedgerReference: record.LedgerReference,
			BlockNumber:     record.BlockNumber,
			Status:          record.Status,
		})
	}

	result, err := s.coordinator.Settle(c.Request().Context(), req.Payload, req.Requirement)
	if err != nil {
		s.logger.Error().Err(err).
			Str("payer", req.Payload.Payer).
			Str("network", req.Payload.Network).
			Msg("settlement unavailable")
		return c.JSON(http.StatusServiceUnavailable, pay402.SettleResult{
			Success: false,
			Status:  pay402.SettleStatusUnavailable,
			Reason:  pay402.ErrCodeFacilitator,
		})
	}

	if result.Success {
		record := recordFor(payloadKey, req.Payload, result, s.clock.Now())
		if err := s.store.Put(c.Request().Context(), record); err != nil {
			s.logger.Error().Err(err).Str("payloadKey", payloadKey).Msg("storing settlement record")
		}
	}

	s.logger.Info().
		Bool("success", result.Success).
		Str("status", result.Status).
		Str("ledgerReference", result.LedgerReference).
		Str("payer", req.Payload.Payer).
		Msg("settled payload")
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

// decodeRequest schema-checks and decodes a verify or settle body. Error
// text stays coarse so ledger internals never leak to callers.
func (s *Server) decodeRequest(c echo.Context) (settleRequest, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return settleRequest{}, err
	}
	if err := validateRequestBody(body); err != nil {
		return settleRequest{}, err
	}
	var req settleRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return settleRequest{}, err
	}
	return req, nil
}
