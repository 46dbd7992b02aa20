package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	app "github.com/R3E-Network/custody_layer/internal/app"
	"github.com/R3E-Network/custody_layer/internal/app/domain/account"
	"github.com/R3E-Network/custody_layer/internal/app/metrics"
	"github.com/R3E-Network/custody_layer/internal/app/services/accounts"
	"github.com/R3E-Network/custody_layer/internal/app/services/custody"
	"github.com/R3E-Network/custody_layer/internal/app/storage"
	"github.com/R3E-Network/custody_layer/internal/middleware"
	"github.com/R3E-Network/custody_layer/pkg/logger"
)

// DefaultBasePath prefixes every API route.
const DefaultBasePath = "/api/1.0.0"

const maxBodyBytes = 1 << 16

// Config configures the HTTP surface.
type Config struct {
	BasePath    string
	Auth        middleware.AuthConfig
	CORSOrigins []string
	// RequestsPerSecond of zero disables rate limiting.
	RequestsPerSecond int
	Burst             int
	// AuditFile appends custody mutations as JSON lines when set.
	AuditFile string
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app   *app.Application
	log   *logger.Logger
	cors  *middleware.CORSMiddleware
	audit *auditLog
}

// NewHandler returns the router exposing the custody API, health and
// metrics endpoints.
func NewHandler(application *app.Application, cfg Config, log *logger.Logger) (http.Handler, error) {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	base := "/" + strings.Trim(cfg.BasePath, "/")
	if base == "/" {
		base = DefaultBasePath
	}
	sink, err := newFileAuditSink(cfg.AuditFile)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}

	h := &handler{
		app:   application,
		log:   log,
		cors:  middleware.NewCORSMiddleware(cfg.CORSOrigins),
		audit: newAuditLog(500, sink),
	}

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(notFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)

	auth := middleware.NewAuthMiddleware(cfg.Auth, log)
	api := r.PathPrefix(base).Subrouter()
	api.NotFoundHandler = r.NotFoundHandler
	api.MethodNotAllowedHandler = r.MethodNotAllowedHandler
	api.Use(auth.Handler)
	if cfg.RequestsPerSecond > 0 {
		api.Use(middleware.NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst, log).Handler)
	}
	api.Use(h.audited)

	api.HandleFunc("/accounts", h.dock).Methods(http.MethodPost)
	api.HandleFunc("/accounts", h.list).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{accountId}", h.getSingle).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{accountId}", h.update).Methods(http.MethodPut)
	api.HandleFunc("/accounts/{accountId}", h.undock).Methods(http.MethodDelete)
	api.HandleFunc("/events/stream", h.stream).Methods(http.MethodGet)

	var out http.Handler = r
	out = metrics.InstrumentHandler(out)
	out = h.cors.Handler(out)
	out = middleware.NewTracingMiddleware(log).Handler(out)
	return out, nil
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (h *handler) dock(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SeedPhrase string `json:"seedPhrase"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %v", custody.ErrValidation, err))
		return
	}

	acct, err := h.app.Accounts.Dock(r.Context(), accounts.DockRequest{
		SeedPhrase: payload.SeedPhrase,
		UserID:     middleware.GetUserID(r.Context()),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, acct.Redacted())
}

// owned loads the account named in the route if it belongs to the caller.
// Records of other users are reported as missing.
func (h *handler) owned(r *http.Request) (account.Account, error) {
	accountID := mux.Vars(r)["accountId"]
	acct, err := h.app.Accounts.GetSingle(r.Context(), accountID)
	if err != nil {
		return account.Account{}, err
	}
	if user := middleware.GetUserID(r.Context()); user == "" || acct.UserID != user {
		return account.Account{}, fmt.Errorf("account %s: %w", accountID, storage.ErrNotFound)
	}
	return acct, nil
}

func (h *handler) getSingle(w http.ResponseWriter, r *http.Request) {
	acct, err := h.owned(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, acct.Redacted())
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserID(r.Context())
	if user == "" {
		middleware.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	query := r.URL.Query()
	filter := parseConditions(query.Get("conditions"))
	filter.UserID = user
	opts := parseOptions(query.Get("options"))

	page, err := h.app.Accounts.Get(r.Context(), filter, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	for i := range page.Page.Data {
		page.Page.Data[i] = page.Page.Data[i].Redacted()
	}
	middleware.WriteJSON(w, http.StatusOK, page)
}

func (h *handler) update(w http.ResponseWriter, _ *http.Request) {
	middleware.WriteError(w, http.StatusNotImplemented, "Not Implemented")
}

// undock starts undocking and answers with the state the record had when
// the request was accepted.
func (h *handler) undock(w http.ResponseWriter, r *http.Request) {
	acct, err := h.owned(r)
	if errors.Is(err, storage.ErrNotFound) {
		middleware.WriteError(w, http.StatusNotFound, "No accounts found")
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ok, err := h.app.Accounts.InitUndocking(r.Context(), acct.AccountID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !ok {
		middleware.WriteError(w, http.StatusNotFound, "No accounts found")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"accountId": acct.AccountID,
		"state":     acct.State,
	})
}

// writeError maps err to a status, logs server-side failures and writes the
// error envelope. 5xx messages are generic.
func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).
			WithField("request_id", middleware.GetRequestID(r.Context())).
			WithField("path", r.URL.Path).
			Error("request failed")
		message = http.StatusText(status)
	}
	middleware.WriteError(w, status, message)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, custody.ErrValidation), errors.Is(err, custody.ErrNotFound):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, accounts.ErrAccountBusy),
		errors.Is(err, accounts.ErrInvalidState),
		errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, custody.ErrRemoteRejected):
		return http.StatusBadGateway
	case errors.Is(err, custody.ErrRemoteUnavailable),
		errors.Is(err, storage.ErrUnavailable),
		errors.Is(err, accounts.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	middleware.WriteError(w, http.StatusNotFound, "Not Found")
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	middleware.WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	return dec.Decode(dst)
}
