package rpc

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"bookingescrow/core/events"
	"bookingescrow/crypto"
	"bookingescrow/gateway/middleware"
	"bookingescrow/native/escrow"
)

const (
	codeEscrowInvalidParams  = -32021
	codeEscrowNotFound       = -32022
	codeEscrowForbidden      = -32023
	codeEscrowConflict       = -32024
	codeEscrowInternal       = -32025
	codeEscrowTransferFailed = -32026

	defaultEventPage = 100
	maxEventPage     = 1000
)

type bookingCreateParams struct {
	ID     string `json:"id"`
	Payee  string `json:"payee"`
	Amount string `json:"amount"`
}

type bookingIDParams struct {
	ID string `json:"id"`
}

type verificationParams struct {
	ID     string `json:"id"`
	Passed bool   `json:"passed"`
}

type resolveParams struct {
	ID        string `json:"id"`
	PayeeWins bool   `json:"payeeWins"`
}

type balanceParams struct {
	Address string `json:"address"`
}

type listEventsParams struct {
	After     uint64 `json:"after,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	BookingID string `json:"bookingId,omitempty"`
}

type bookingJSON struct {
	ID                   string `json:"id"`
	Payer                string `json:"payer"`
	Payee                string `json:"payee"`
	Amount               string `json:"amount"`
	CreatedAt            int64  `json:"createdAt"`
	VerificationDeadline int64  `json:"verificationDeadline"`
	Status               string `json:"status"`
	Verified             bool   `json:"verified"`
}

// EventRecordJSON is the wire form of a log record, shared with the
// websocket stream.
type EventRecordJSON struct {
	Sequence   uint64            `json:"sequence"`
	Timestamp  int64             `json:"timestamp"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Digest     string            `json:"digest"`
}

type eventsPageJSON struct {
	Events []EventRecordJSON `json:"events"`
	Next   uint64            `json:"next"`
	Head   string            `json:"head"`
}

type statusResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (s *Server) handleCreateBooking(r *http.Request, req *RPCRequest) (interface{}, *methodError) {
	var params bookingCreateParams
	if merr := decodeParams(req, &params); merr != nil {
		return nil, merr
	}
	payee, err := crypto.ParseIdentity(params.Payee)
	if err != nil {
		return nil, invalidParams("invalid payee", err)
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		return nil, invalidParams("invalid amount", err)
	}
	payer, _ := middleware.CallerFromContext(r.Context())
	booking, err := s.engine.CreateBooking(params.ID, payer, payee, amount)
	if err != nil {
		return nil, escrowError(err)
	}
	return formatBookingJSON(booking), nil
}

func (s *Server) handleRecordVerification(r *http.Request, req *RPCRequest) (interface{}, *methodError) {
	var params verificationParams
	if merr := decodeParams(req, &params); merr != nil {
		return nil, merr
	}
	caller, _ := middleware.CallerFromContext(r.Context())
	if err := s.engine.RecordVerification(params.ID, caller, params.Passed); err != nil {
		return nil, escrowError(err)
	}
	return s.bookingStatus(params.ID)
}

func (s *Server) handleReleaseToPayee(r *http.Request, req *RPCRequest) (interface{}, *methodError) {
	return s.bookingTransition(req, s.engine.ReleaseToPayee)
}

func (s *Server) handleRefundToPayer(r *http.Request, req *RPCRequest) (interface{}, *methodError) {
	return s.bookingTransition(req, s.engine.RefundToPayer)
}

func (s *Server) handleRefundWithPenalty(r *http.Request, req *RPCRequest) (interface{}, *methodError) {
	return s.bookingTransition(req, s.engine.RefundWithPenalty)
}

func (s *Server) handleTimeout(r *http.Request, req *RPCRequest) (interface{}, *methodError) {
	return s.bookingTransition(req, s.engine.HandleTimeout)
}

func (s *Server) handleRaiseDispute(r *http.Request, req *RPCRequest) (interface{}, *methodError) {
	caller, _ := middleware.CallerFromContext(r.Context())
	return s.bookingTransition(req, func(id string) error {
		return s.engine.RaiseDispute(id, caller)
	})
}

func (s *Server) handleResolveDispute(r *http.Request, req *RPCRequest) (interface{}, *methodError) {
	var params resolveParams
	if merr := decodeParams(req, &params); merr != nil {
		return nil, merr
	}
	caller, _ := middleware.CallerFromContext(r.Context())
	if err := s.engine.ResolveDispute(params.ID, caller, params.PayeeWins); err != nil {
		return nil, escrowError(err)
	}
	return s.bookingStatus(params.ID)
}

// bookingTransition runs a settlement operation whose only input is the
// booking id. These are permissionless once the caller is authenticated.
func (s *Server) bookingTransition(req *RPCRequest, fn func(string) error) (interface{}, *methodError) {
	var params bookingIDParams
	if merr := decodeParams(req, &params); merr != nil {
		return nil, merr
	}
	if err := fn(params.ID); err != nil {
		return nil, escrowError(err)
	}
	return s.bookingStatus(params.ID)
}

func (s *Server) bookingStatus(id string) (interface{}, *methodError) {
	booking, err := s.engine.GetBooking(id)
	if err != nil {
		return nil, escrowError(err)
	}
	return statusResult{ID: booking.ID, Status: booking.Status.String()}, nil
}

func (s *Server) handleGetBooking(r *http.Request, req *RPCRequest) (interface{}, *methodError) {
	var params bookingIDParams
	if merr := decodeParams(req, &params); merr != nil {
		return nil, merr
	}
	booking, err := s.engine.GetBooking(params.ID)
	if err != nil {
		return nil, escrowError(err)
	}
	return formatBookingJSON(booking), nil
}

func (s *Server) handleListBookings(r *http.Request, req *RPCRequest) (interface{}, *methodError) {
	ids, err := s.engine.ListBookings()
	if err != nil {
		return nil, escrowError(err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func (s *Server) handleIsTimedOut(r *http.Request, req *RPCRequest) (interface{}, *methodError) {
	var params bookingIDParams
	if merr := decodeParams(req, &params); merr != nil {
		return nil, merr
	}
	timedOut, err := s.engine.IsTimedOut(params.ID)
	if err != nil {
		return nil, escrowError(err)
	}
	return timedOut, nil
}

func (s *Server) handleTimeRemaining(r *http.Request, req *RPCRequest) (interface{}, *methodError) {
	var params bookingIDParams
	if merr := decodeParams(req, &params); merr != nil {
		return nil, merr
	}
	remaining, err := s.engine.TimeRemaining(params.ID)
	if err != nil {
		return nil, escrowError(err)
	}
	return remaining, nil
}

func (s *Server) handleBalanceOf(r *http.Request, req *RPCRequest) (interface{}, *methodError) {
	var params balanceParams
	if merr := decodeParams(req, &params); merr != nil {
		return nil, merr
	}
	addr, err := crypto.ParseIdentity(params.Address)
	if err != nil {
		return nil, invalidParams("invalid address", err)
	}
	balance, err := s.engine.BalanceOf(addr)
	if err != nil {
		return nil, escrowError(err)
	}
	return balance.String(), nil
}

func (s *Server) handleCustodyBalance(r *http.Request, req *RPCRequest) (interface{}, *methodError) {
	balance, err := s.engine.EscrowBalance()
	if err != nil {
		return nil, escrowError(err)
	}
	return balance.String(), nil
}

func (s *Server) handleListEvents(r *http.Request, req *RPCRequest) (interface{}, *methodError) {
	var params listEventsParams
	if len(req.Params) > 0 {
		if merr := decodeParams(req, &params); merr != nil {
			return nil, merr
		}
	}
	if s.log == nil {
		return nil, &methodError{HTTPStatus: http.StatusServiceUnavailable, Code: codeServerError, Message: "event log unavailable"}
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultEventPage
	}
	if limit > maxEventPage {
		limit = maxEventPage
	}
	var records []events.Record
	if id := strings.TrimSpace(params.BookingID); id != "" {
		for _, rec := range s.log.Filter(escrow.AttrBookingID, id) {
			if rec.Sequence <= params.After {
				continue
			}
			records = append(records, rec)
			if len(records) == limit {
				break
			}
		}
	} else {
		records = s.log.Records(params.After, limit)
	}
	page := eventsPageJSON{Events: make([]EventRecordJSON, 0, len(records)), Next: params.After}
	for _, rec := range records {
		page.Events = append(page.Events, FormatRecord(rec))
		page.Next = rec.Sequence
	}
	head := s.log.Head()
	page.Head = hex.EncodeToString(head[:])
	return page, nil
}

// FormatRecord converts a log record into its JSON wire form.
func FormatRecord(rec events.Record) EventRecordJSON {
	out := EventRecordJSON{
		Sequence:   rec.Sequence,
		Timestamp:  rec.Timestamp,
		Attributes: map[string]string{},
		Digest:     hex.EncodeToString(rec.Digest[:]),
	}
	if rec.Event != nil {
		out.Type = rec.Event.Type
		for k, v := range rec.Event.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

func formatBookingJSON(b *escrow.Booking) bookingJSON {
	amount := "0"
	if b.Amount != nil {
		amount = b.Amount.String()
	}
	return bookingJSON{
		ID:                   b.ID,
		Payer:                crypto.FormatIdentity(b.Payer),
		Payee:                crypto.FormatIdentity(b.Payee),
		Amount:               amount,
		CreatedAt:            b.CreatedAt,
		VerificationDeadline: b.VerificationDeadline,
		Status:               b.Status.String(),
		Verified:             b.Verified,
	}
}

// parseAmount accepts any base 10 integer. Range checks belong to the engine
// so zero and negative amounts surface as escrow errors.
func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

// escrowError maps engine failures onto JSON-RPC codes. The message doubles
// as the transition outcome label.
func escrowError(err error) *methodError {
	merr := &methodError{
		HTTPStatus: http.StatusInternalServerError,
		Code:       codeEscrowInternal,
		Message:    "internal_error",
		Data:       err.Error(),
	}
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		merr.HTTPStatus, merr.Code, merr.Message = http.StatusNotFound, codeEscrowNotFound, "not_found"
	case errors.Is(err, escrow.ErrUnauthorized):
		merr.HTTPStatus, merr.Code, merr.Message = http.StatusForbidden, codeEscrowForbidden, "forbidden"
	case errors.Is(err, escrow.ErrDuplicateID):
		merr.HTTPStatus, merr.Code, merr.Message = http.StatusConflict, codeEscrowConflict, "duplicate_id"
	case errors.Is(err, escrow.ErrInvalidState):
		merr.HTTPStatus, merr.Code, merr.Message = http.StatusConflict, codeEscrowConflict, "invalid_state"
	case errors.Is(err, escrow.ErrAlreadyVerified):
		merr.HTTPStatus, merr.Code, merr.Message = http.StatusConflict, codeEscrowConflict, "already_verified"
	case errors.Is(err, escrow.ErrDeadlinePassed):
		merr.HTTPStatus, merr.Code, merr.Message = http.StatusConflict, codeEscrowConflict, "deadline_passed"
	case errors.Is(err, escrow.ErrDeadlineNotReached):
		merr.HTTPStatus, merr.Code, merr.Message = http.StatusConflict, codeEscrowConflict, "deadline_not_reached"
	case errors.Is(err, escrow.ErrTransferFailed):
		merr.HTTPStatus, merr.Code, merr.Message = http.StatusUnprocessableEntity, codeEscrowTransferFailed, "transfer_failed"
	case errors.Is(err, escrow.ErrInvalidID),
		errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidParty),
		errors.Is(err, escrow.ErrInvalidRole):
		merr.HTTPStatus, merr.Code, merr.Message = http.StatusBadRequest, codeEscrowInvalidParams, "invalid_params"
	}
	return merr
}
