package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	goVerify "github.com/MrEthical07/goVerify"
	"github.com/MrEthical07/goVerify/middleware"
	"github.com/MrEthical07/goVerify/policy"
)

const maxRequestBody = 16 << 10

// verifier is the engine surface the HTTP layer calls.
type verifier interface {
	RequestCode(ctx context.Context, subjectID string, channel goVerify.ChannelType) (goVerify.RequestCodeResult, error)
	SubmitCode(ctx context.Context, sessionID, candidate string) (goVerify.SubmitCodeResult, error)
	SubmitNewCredential(ctx context.Context, ref, candidate string) (goVerify.CredentialResult, error)
	ConfirmAndExecute(ctx context.Context, ref string) (goVerify.ExecuteResult, error)
	Abort(ctx context.Context, ref string) error
	Session(ctx context.Context, sessionID string) (goVerify.SessionView, error)
	PolicyRules() policy.Rules
}

type server struct {
	engine  verifier
	logger  *zap.Logger
	health  func(context.Context) error
	metrics http.Handler
}

type routerOptions struct {
	Context     middleware.ContextOptions
	MetricsPath string
}

func (s *server) routes(opts routerOptions) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.AccessLog(s.logger, routeTemplate))
	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	if s.metrics != nil && opts.MetricsPath != "" {
		r.Handle(opts.MetricsPath, s.metrics).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.RequestContext(opts.Context))
	api.HandleFunc("/verifications", s.requestCode).Methods(http.MethodPost)
	api.HandleFunc("/verifications/{session_id}", s.sessionView).Methods(http.MethodGet)
	api.HandleFunc("/verifications/{session_id}/code", s.submitCode).Methods(http.MethodPost)
	api.Handle("/credential", middleware.RequireReference(http.HandlerFunc(s.submitCredential))).Methods(http.MethodPut)
	api.Handle("/credential/confirm", middleware.RequireReference(http.HandlerFunc(s.confirm))).Methods(http.MethodPost)
	api.Handle("/verifications", middleware.RequireReference(http.HandlerFunc(s.abort))).Methods(http.MethodDelete)
	api.HandleFunc("/policy", s.policyRules).Methods(http.MethodGet)

	return r
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

type requestCodeBody struct {
	SubjectID string `json:"subject_id"`
	Channel   string `json:"channel"`
}

type requestCodeResponse struct {
	SessionID         string    `json:"session_id"`
	Channel           string    `json:"channel"`
	MaskedDestination string    `json:"masked_destination"`
	ExpiresAt         time.Time `json:"expires_at"`
}

func (s *server) requestCode(w http.ResponseWriter, r *http.Request) {
	var body requestCodeBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, goVerify.ErrInvalidInput)
		return
	}

	res, err := s.engine.RequestCode(r.Context(), body.SubjectID, goVerify.ChannelType(body.Channel))
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, requestCodeResponse{
		SessionID:         res.SessionID,
		Channel:           string(res.Channel),
		MaskedDestination: res.MaskedDestination,
		ExpiresAt:         res.ExpiresAt,
	})
}

type submitCodeBody struct {
	Code string `json:"code"`
}

type submitCodeResponse struct {
	Status              string     `json:"status"`
	ResetToken          string     `json:"reset_token,omitempty"`
	ResetTokenExpiresAt *time.Time `json:"reset_token_expires_at,omitempty"`
	AttemptsRemaining   int        `json:"attempts_remaining"`
	Message             string     `json:"message,omitempty"`
}

func (s *server) submitCode(w http.ResponseWriter, r *http.Request) {
	var body submitCodeBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, goVerify.ErrInvalidInput)
		return
	}

	res, err := s.engine.SubmitCode(r.Context(), mux.Vars(r)["session_id"], body.Code)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := submitCodeResponse{
		Status:            string(res.Status),
		ResetToken:        res.ResetToken,
		AttemptsRemaining: res.AttemptsRemaining,
	}
	if !res.ResetTokenExpiresAt.IsZero() {
		out.ResetTokenExpiresAt = &res.ResetTokenExpiresAt
	}
	w.Header().Set("Cache-Control", "no-store")
	if outcome := res.Err(); outcome != nil {
		out.Message = goVerify.PublicMessage(outcome)
		writeJSON(w, statusFor(outcome), out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type credentialBody struct {
	Credential string `json:"credential"`
}

type credentialResponse struct {
	Status              string             `json:"status"`
	Violations          []policy.Violation `json:"violations,omitempty"`
	ResetTokenExpiresAt *time.Time         `json:"reset_token_expires_at,omitempty"`
	Message             string             `json:"message,omitempty"`
}

func (s *server) submitCredential(w http.ResponseWriter, r *http.Request) {
	ref, _ := middleware.ReferenceFromContext(r.Context())

	var body credentialBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, goVerify.ErrInvalidInput)
		return
	}

	res, err := s.engine.SubmitNewCredential(r.Context(), ref, body.Credential)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := credentialResponse{Status: string(res.Status), Violations: res.Violations}
	if !res.ResetTokenExpiresAt.IsZero() {
		out.ResetTokenExpiresAt = &res.ResetTokenExpiresAt
	}
	if outcome := res.Err(); outcome != nil {
		out.Message = goVerify.PublicMessage(outcome)
		writeJSON(w, statusFor(outcome), out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type confirmResponse struct {
	Status   string `json:"status"`
	Replayed bool   `json:"replayed"`
	Message  string `json:"message,omitempty"`
}

func (s *server) confirm(w http.ResponseWriter, r *http.Request) {
	ref, _ := middleware.ReferenceFromContext(r.Context())

	res, err := s.engine.ConfirmAndExecute(r.Context(), ref)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := confirmResponse{Status: string(res.Status), Replayed: res.Replayed}
	if outcome := res.Err(); outcome != nil {
		out.Message = goVerify.PublicMessage(outcome)
		writeJSON(w, statusFor(outcome), out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) abort(w http.ResponseWriter, r *http.Request) {
	ref, _ := middleware.ReferenceFromContext(r.Context())
	if err := s.engine.Abort(r.Context(), ref); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sessionResponse struct {
	SessionID           string     `json:"session_id"`
	State               string     `json:"state"`
	Channel             string     `json:"channel"`
	MaskedDestination   string     `json:"masked_destination"`
	CodeExpiresAt       *time.Time `json:"code_expires_at,omitempty"`
	ResetTokenExpiresAt *time.Time `json:"reset_token_expires_at,omitempty"`
	AttemptsRemaining   int        `json:"attempts_remaining"`
	ClosedReason        string     `json:"closed_reason,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func (s *server) sessionView(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.Session(r.Context(), mux.Vars(r)["session_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID:           view.SessionID,
		State:               view.State.String(),
		Channel:             string(view.Channel),
		MaskedDestination:   view.MaskedDestination,
		CodeExpiresAt:       optionalTime(view.CodeExpiresAt),
		ResetTokenExpiresAt: optionalTime(view.ResetTokenExpiresAt),
		AttemptsRemaining:   view.AttemptsRemaining,
		ClosedReason:        view.ClosedReason,
		CreatedAt:           view.CreatedAt,
		UpdatedAt:           view.UpdatedAt,
	})
}

type policyResponse struct {
	MinLength                int  `json:"min_length"`
	MaxLength                int  `json:"max_length"`
	MinUpper                 int  `json:"min_upper"`
	MinLower                 int  `json:"min_lower"`
	MinDigits                int  `json:"min_digits"`
	MinSymbols               int  `json:"min_symbols"`
	RejectSubjectIdentifiers bool `json:"reject_subject_identifiers"`
	HistoryDepth             int  `json:"history_depth"`
}

func (s *server) policyRules(w http.ResponseWriter, _ *http.Request) {
	rules := s.engine.PolicyRules()
	writeJSON(w, http.StatusOK, policyResponse(rules))
}

func (s *server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"alive": false})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"alive": true})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type errorResponse struct {
	Error string `json:"error"`
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: goVerify.PublicMessage(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, goVerify.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, goVerify.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, goVerify.ErrInvalidCode),
		errors.Is(err, goVerify.ErrPolicyViolation),
		errors.Is(err, goVerify.ErrInvalidDestination),
		errors.Is(err, goVerify.ErrProviderPermanentFailure):
		return http.StatusUnprocessableEntity
	case errors.Is(err, goVerify.ErrCodeExpired):
		return http.StatusGone
	case errors.Is(err, goVerify.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, goVerify.ErrSessionClosed),
		errors.Is(err, goVerify.ErrInvalidState),
		errors.Is(err, goVerify.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, goVerify.ErrChannelUnavailable),
		errors.Is(err, goVerify.ErrProviderUnavailable),
		errors.Is(err, goVerify.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
