package main

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/knadh/scagateway/internal/sca"
	"github.com/knadh/scagateway/internal/store"
	"github.com/knadh/scagateway/pkg/models"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100

	// Max size of a JSON request body.
	maxBodySize = 64 * 1024
)

type httpResp struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// initRoutes registers the HTTP handlers.
func initRoutes(app *App, authCreds map[string]string) http.Handler {
	// h wraps a handler with auth and the app context.
	h := func(fn http.HandlerFunc) http.HandlerFunc {
		return auth(authCreds, wrap(app, fn))
	}

	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("scagateway"))
	})
	r.Get("/api/health", wrap(app, handleHealthCheck))

	r.Route("/api/v1/operations", func(r chi.Router) {
		r.Get("/", h(handleGetOperations))
		r.Post("/", h(handleCreateOperation))
		r.Get("/{operationID}", h(handleGetOperation))
		r.Put("/{operationID}", h(handleUpdateOperation))
		r.Delete("/{operationID}", h(handleDeleteOperation))
		r.Post("/{operationID}/trigger", h(handleTriggerOperation))
		r.Post("/{operationID}/validate", h(handleValidateOperation))

		r.Get("/{operationID}/challenges", h(handleGetChallenges))
		r.Post("/{operationID}/challenges", h(handleIssueChallenge))
		r.Get("/{operationID}/challenges/{challengeID}", h(handleGetChallenge))
		r.Put("/{operationID}/challenges/{challengeID}", h(handleUpdateChallenge))
		r.Delete("/{operationID}/challenges/{challengeID}", h(handleDeleteChallenge))
		r.Post("/{operationID}/challenges/{challengeID}/validate", h(handleValidateChallenge))

		r.Get("/{operationID}/challenges/{challengeID}/attempts", h(handleGetAttempts))
		r.Post("/{operationID}/challenges/{challengeID}/attempts", h(handleCreateAttempt))
		r.Get("/{operationID}/challenges/{challengeID}/attempts/{attemptID}", h(handleGetAttempt))
		r.Put("/{operationID}/challenges/{challengeID}/attempts/{attemptID}", h(handleUpdateAttempt))
		r.Delete("/{operationID}/challenges/{challengeID}/attempts/{attemptID}", h(handleDeleteAttempt))

		r.Get("/{operationID}/audit", h(handleGetAuditEntries))
		r.Post("/{operationID}/audit", h(handleCreateAuditEntry))
		r.Get("/{operationID}/audit/{auditID}", h(handleGetAuditEntry))

		r.Get("/{operationID}/history", h(handleGetHistory))
		r.Post("/{operationID}/history", h(handleCreateHistory))
		r.Get("/{operationID}/history/{historyID}", h(handleGetHistoryEntry))
		r.Put("/{operationID}/history/{historyID}", h(handleUpdateHistory))
		r.Delete("/{operationID}/history/{historyID}", h(handleDeleteHistory))
	})

	return r
}

func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)

	if err := app.db.Ping(r.Context()); err != nil {
		app.lo.Error("error pinging database", "error", err)
		sendErrorResponse(w, "Unable to reach database.", http.StatusServiceUnavailable, nil)
		return
	}
	if err := app.challenges.Ping(r.Context()); err != nil {
		app.lo.Error("error pinging challenge store", "error", err)
		sendErrorResponse(w, "Unable to reach challenge store.", http.StatusServiceUnavailable, nil)
		return
	}

	sendResponse(w, "OK")
}

// handleGetOperations returns a filtered, paginated list of operations.
func handleGetOperations(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		q   = r.URL.Query()
	)

	pg, ok := getPage(w, r)
	if !ok {
		return
	}

	out, err := app.mgr.List(r.Context(), models.OperationFilter{
		PartyID:     q.Get("party_id"),
		ReferenceID: q.Get("reference_id"),
		Type:        models.OperationType(q.Get("type")),
		Status:      models.Status(q.Get("status")),
	}, pg)
	if err != nil {
		sendStoreError(w, app, err, "Error fetching operations.")
		return
	}

	sendResponse(w, out)
}

func handleCreateOperation(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		in  models.Operation
	)
	if !decodeJSON(w, r, &in) {
		return
	}

	op, err := app.mgr.Create(r.Context(), in)
	if err != nil {
		sendStoreError(w, app, err, "Error creating operation.")
		return
	}

	sendResponse(w, op)
}

func handleGetOperation(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)

	id, ok := getUUID(w, r, "operationID")
	if !ok {
		return
	}

	op, err := app.mgr.Get(r.Context(), id)
	if err != nil {
		sendStoreError(w, app, err, "Error fetching operation.")
		return
	}

	sendResponse(w, op)
}

// handleUpdateOperation updates an operation's attributes. The status
// can only be changed by trigger and validate.
func handleUpdateOperation(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		in  models.Operation
	)

	id, ok := getUUID(w, r, "operationID")
	if !ok {
		return
	}
	if !decodeJSON(w, r, &in) {
		return
	}

	op, err := app.mgr.Update(r.Context(), id, in)
	if err != nil {
		sendStoreError(w, app, err, "Error updating operation.")
		return
	}

	sendResponse(w, op)
}

func handleDeleteOperation(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)

	id, ok := getUUID(w, r, "operationID")
	if !ok {
		return
	}

	if err := app.mgr.Delete(r.Context(), id); err != nil {
		sendStoreError(w, app, err, "Error deleting operation.")
		return
	}

	sendResponse(w, true)
}

// handleTriggerOperation moves an operation to PENDING.
func handleTriggerOperation(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)

	id, ok := getUUID(w, r, "operationID")
	if !ok {
		return
	}

	if err := app.mgr.Trigger(r.Context(), id); err != nil {
		sendStoreError(w, app, err, "Error triggering operation.")
		return
	}

	op, err := app.mgr.Get(r.Context(), id)
	if err != nil {
		sendStoreError(w, app, err, "Error fetching operation.")
		return
	}

	sendResponse(w, op)
}

// handleValidateOperation validates a user code against the operation's
// active challenge. The outcome is always a 200 with the result as the body.
func handleValidateOperation(w http.ResponseWriter, r *http.Request) {
	var (
		app  = r.Context().Value("app").(*App)
		code = r.FormValue("user_code")
	)

	id, ok := getUUID(w, r, "operationID")
	if !ok {
		return
	}

	res, err := app.mgr.Validate(r.Context(), id, code)
	if err != nil {
		sendStoreError(w, app, err, "Error validating operation.")
		return
	}

	sendResponse(w, res)
}

func handleGetChallenges(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)

	opID, ok := getUUID(w, r, "operationID")
	if !ok {
		return
	}
	pg, ok := getPage(w, r)
	if !ok {
		return
	}

	out, err := app.engine.ListChallenges(r.Context(), opID, pg)
	if err != nil {
		sendStoreError(w, app, err, "Error fetching challenges.")
		return
	}

	sendResponse(w, out)
}

// handleIssueChallenge issues a new challenge for an operation. It fails
// if the operation already has an active challenge.
func handleIssueChallenge(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		in  models.Challenge
	)

	opID, ok := getUUID(w, r, "operationID")
	if !ok {
		return
	}
	if !decodeJSON(w, r, &in) {
		return
	}

	c, err := app.engine.IssueChallenge(r.Context(), opID, in)
	if err != nil {
		sendStoreError(w, app, err, "Error issuing challenge.")
		return
	}

	sendResponse(w, c)
}

func handleGetChallenge(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)

	opID, chID, ok := getChallengeIDs(w, r)
	if !ok {
		return
	}

	c, err := app.engine.GetChallenge(r.Context(), opID, chID)
	if err != nil {
		sendStoreError(w, app, err, "Error fetching challenge.")
		return
	}

	sendResponse(w, c)
}

func handleUpdateChallenge(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		in  models.Challenge
	)

	opID, chID, ok := getChallengeIDs(w, r)
	if !ok {
		return
	}
	if !decodeJSON(w, r, &in) {
		return
	}

	c, err := app.engine.UpdateChallenge(r.Context(), opID, chID, in)
	if err != nil {
		sendStoreError(w, app, err, "Error updating challenge.")
		return
	}

	sendResponse(w, c)
}

func handleDeleteChallenge(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)

	opID, chID, ok := getChallengeIDs(w, r)
	if !ok {
		return
	}

	if err := app.engine.DeleteChallenge(r.Context(), opID, chID); err != nil {
		sendStoreError(w, app, err, "Error deleting challenge.")
		return
	}

	sendResponse(w, true)
}

// handleValidateChallenge validates a user code against a specific challenge.
// Locked results (used, expired, not found) are 423s and a wrong code is a 403.
func handleValidateChallenge(w http.ResponseWriter, r *http.Request) {
	var (
		app  = r.Context().Value("app").(*App)
		code = r.FormValue("user_code")
	)

	opID, chID, ok := getChallengeIDs(w, r)
	if !ok {
		return
	}

	res, err := app.engine.ValidateChallenge(r.Context(), opID, chID, code)
	if err != nil {
		sendStoreError(w, app, err, "Error validating challenge.")
		return
	}

	switch {
	case res.LockedOrFailed:
		sendErrorResponse(w, res.Message, http.StatusLocked, res)
	case !res.Success:
		sendErrorResponse(w, res.Message, http.StatusForbidden, res)
	default:
		sendResponse(w, res)
	}
}

// wrap is a middleware that wraps HTTP handlers and injects the "app" context.
func wrap(app *App, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), "app", app)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// auth is a simple authentication middleware.
func auth(authMap map[string]string, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const authBasic = "Basic"
		var (
			pair  [][]byte
			delim = []byte(":")

			h = r.Header.Get("Authorization")
		)

		// Basic auth scheme.
		if strings.HasPrefix(h, authBasic) {
			payload, err := base64.StdEncoding.DecodeString(strings.Trim(h[len(authBasic):], " "))
			if err != nil {
				sendErrorResponse(w, "Invalid Base64 value in Basic Authorization header.",
					http.StatusUnauthorized, nil)
				return
			}

			pair = bytes.SplitN(payload, delim, 2)
		} else {
			sendErrorResponse(w, "Missing Basic Authorization header.",
				http.StatusUnauthorized, nil)
			return
		}

		if len(pair) != 2 {
			sendErrorResponse(w, "Invalid value in Basic Authorization header.",
				http.StatusUnauthorized, nil)
			return
		}

		var (
			namespace = string(pair[0])
			secret    = pair[1]
		)
		s, ok := authMap[namespace]
		if !ok || subtle.ConstantTimeCompare([]byte(s), secret) != 1 {
			sendErrorResponse(w, "Invalid API credentials.",
				http.StatusUnauthorized, nil)
			return
		}

		ctx := context.WithValue(r.Context(), "namespace", namespace)
		ctx = sca.WithCaller(ctx, sca.Caller{Party: namespace, Origin: remoteHost(r)})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sendResponse sends a JSON envelope to the HTTP response.
func sendResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	out, err := json.Marshal(httpResp{Status: "success", Data: data})
	if err != nil {
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}

	w.Write(out)
}

// sendErrorResponse sends a JSON error envelope to the HTTP response.
func sendErrorResponse(w http.ResponseWriter, message string, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)

	resp := httpResp{Status: "error",
		Message: message,
		Data:    data}
	out, _ := json.Marshal(resp)
	w.Write(out)
}

// sendStoreError maps core and store errors to HTTP responses. Unknown
// errors are logged and masked with the given message.
func sendStoreError(w http.ResponseWriter, app *App, err error, msg string) {
	switch {
	case errors.Is(err, store.ErrNotExist):
		sendErrorResponse(w, "Record not found.", http.StatusNotFound, nil)
	case errors.Is(err, store.ErrActiveChallenge):
		sendErrorResponse(w, "Operation already has an active challenge.", http.StatusConflict, nil)
	case errors.Is(err, sca.ErrInvalidState):
		sendErrorResponse(w, "Operation is not in a valid state.", http.StatusConflict, nil)
	case errors.Is(err, sca.ErrInvalidInput):
		sendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	default:
		app.lo.Error(msg, "error", err)
		sendErrorResponse(w, msg, http.StatusInternalServerError, nil)
	}
}

// decodeJSON decodes a JSON request body into out. On failure, it writes
// the error response and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(out); err != nil {
		sendErrorResponse(w, "Invalid JSON in request body.", http.StatusBadRequest, nil)
		return false
	}
	return true
}

// getUUID parses a UUID URL parameter.
func getUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		sendErrorResponse(w, "Invalid `"+param+"`.", http.StatusBadRequest, nil)
		return id, false
	}
	return id, true
}

func getChallengeIDs(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	opID, ok := getUUID(w, r, "operationID")
	if !ok {
		return opID, uuid.Nil, false
	}
	chID, ok := getUUID(w, r, "challengeID")
	return opID, chID, ok
}

// getPage parses the optional page and per_page query params.
func getPage(w http.ResponseWriter, r *http.Request) (models.PageRequest, bool) {
	out := models.PageRequest{Page: 1, PerPage: defaultPerPage}

	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			sendErrorResponse(w, "Invalid `page` value.", http.StatusBadRequest, nil)
			return out, false
		}
		out.Page = n
	}
	if v := q.Get("per_page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			sendErrorResponse(w, "Invalid `per_page` value.", http.StatusBadRequest, nil)
			return out, false
		}
		out.PerPage = min(n, maxPerPage)
	}

	return out, true
}

// remoteHost returns the host part of the request's remote address.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
