package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/knadh/scagateway/internal/sca"
	"github.com/knadh/scagateway/internal/store"
	"github.com/knadh/scagateway/pkg/models"
)

// Attempts, audit entries and history entries are normally written by the
// core as a side effect. These handlers expose them for inspection and
// manual correction. Every record is scoped to its parent in the URL; a
// record that belongs to another parent is a 404.

func handleGetAttempts(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)

	opID, chID, ok := getChallengeIDs(w, r)
	if !ok {
		return
	}
	pg, ok := getPage(w, r)
	if !ok {
		return
	}

	if _, err := app.engine.GetChallenge(r.Context(), opID, chID); err != nil {
		sendStoreError(w, app, err, "Error fetching challenge.")
		return
	}

	out, err := app.attempts.ListAttempts(r.Context(), chID, pg)
	if err != nil {
		sendStoreError(w, app, err, "Error fetching attempts.")
		return
	}

	sendResponse(w, out)
}

func handleCreateAttempt(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		in  models.Attempt
	)

	opID, chID, ok := getChallengeIDs(w, r)
	if !ok {
		return
	}
	if !decodeJSON(w, r, &in) {
		return
	}

	if _, err := app.engine.GetChallenge(r.Context(), opID, chID); err != nil {
		sendStoreError(w, app, err, "Error fetching challenge.")
		return
	}

	in.ID = uuid.New()
	in.ChallengeID = chID
	if in.AttemptedAt.IsZero() {
		in.AttemptedAt = time.Now().UTC()
	}
	if in.Origin == "" {
		in.Origin = sca.CallerFrom(r.Context()).Origin
	}

	out, err := app.attempts.CreateAttempt(r.Context(), in)
	if err != nil {
		sendStoreError(w, app, err, "Error creating attempt.")
		return
	}

	sendResponse(w, out)
}

func handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)

	a, ok := getScopedAttempt(w, r, app)
	if !ok {
		return
	}

	sendResponse(w, a)
}

func handleUpdateAttempt(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		in  models.Attempt
	)

	a, ok := getScopedAttempt(w, r, app)
	if !ok {
		return
	}
	if !decodeJSON(w, r, &in) {
		return
	}

	in.ID = a.ID
	in.ChallengeID = a.ChallengeID
	if in.AttemptedAt.IsZero() {
		in.AttemptedAt = a.AttemptedAt
	}

	out, err := app.attempts.UpdateAttempt(r.Context(), in)
	if err != nil {
		sendStoreError(w, app, err, "Error updating attempt.")
		return
	}

	sendResponse(w, out)
}

func handleDeleteAttempt(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)

	a, ok := getScopedAttempt(w, r, app)
	if !ok {
		return
	}

	if err := app.attempts.DeleteAttempt(r.Context(), a.ID); err != nil {
		sendStoreError(w, app, err, "Error deleting attempt.")
		return
	}

	sendResponse(w, true)
}

// getScopedAttempt fetches the attempt in the URL and checks that it
// belongs to the challenge and operation in the URL.
func getScopedAttempt(w http.ResponseWriter, r *http.Request, app *App) (models.Attempt, bool) {
	opID, chID, ok := getChallengeIDs(w, r)
	if !ok {
		return models.Attempt{}, false
	}
	id, ok := getUUID(w, r, "attemptID")
	if !ok {
		return models.Attempt{}, false
	}

	if _, err := app.engine.GetChallenge(r.Context(), opID, chID); err != nil {
		sendStoreError(w, app, err, "Error fetching challenge.")
		return models.Attempt{}, false
	}

	a, err := app.attempts.GetAttempt(r.Context(), id)
	if err == nil && a.ChallengeID != chID {
		err = fmt.Errorf("attempt %s of challenge %s: %w", id, chID, store.ErrNotExist)
	}
	if err != nil {
		sendStoreError(w, app, err, "Error fetching attempt.")
		return a, false
	}
	return a, true
}

func handleGetAuditEntries(w http.ResponseWriter, r *http.Request) {
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

	out, err := app.audit.ListAudit(r.Context(), opID, pg)
	if err != nil {
		sendStoreError(w, app, err, "Error fetching audit entries.")
		return
	}

	sendResponse(w, out)
}

// handleCreateAuditEntry appends an audit entry. Audit entries can't be
// changed once written.
func handleCreateAuditEntry(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		in  models.AuditEntry
	)

	opID, ok := getUUID(w, r, "operationID")
	if !ok {
		return
	}
	if !decodeJSON(w, r, &in) {
		return
	}

	if !in.EventType.Valid() {
		sendErrorResponse(w, "Invalid `event_type`.", http.StatusBadRequest, nil)
		return
	}
	if _, err := app.mgr.Get(r.Context(), opID); err != nil {
		sendStoreError(w, app, err, "Error fetching operation.")
		return
	}

	in.ID = uuid.New()
	in.OperationID = opID
	if in.EventTime.IsZero() {
		in.EventTime = time.Now().UTC()
	}
	if in.PartyID == "" {
		in.PartyID = sca.CallerFrom(r.Context()).Party
	}

	out, err := app.audit.CreateAudit(r.Context(), in)
	if err != nil {
		sendStoreError(w, app, err, "Error creating audit entry.")
		return
	}

	sendResponse(w, out)
}

func handleGetAuditEntry(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)

	opID, ok := getUUID(w, r, "operationID")
	if !ok {
		return
	}
	id, ok := getUUID(w, r, "auditID")
	if !ok {
		return
	}

	e, err := app.audit.GetAudit(r.Context(), id)
	if err == nil && e.OperationID != opID {
		err = fmt.Errorf("audit entry %s of operation %s: %w", id, opID, store.ErrNotExist)
	}
	if err != nil {
		sendStoreError(w, app, err, "Error fetching audit entry.")
		return
	}

	sendResponse(w, e)
}

func handleGetHistory(w http.ResponseWriter, r *http.Request) {
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

	out, err := app.history.ListHistory(r.Context(), opID, pg)
	if err != nil {
		sendStoreError(w, app, err, "Error fetching history.")
		return
	}

	sendResponse(w, out)
}

func handleCreateHistory(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		in  models.HistoryEntry
	)

	opID, ok := getUUID(w, r, "operationID")
	if !ok {
		return
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	if !validHistory(w, in) {
		return
	}

	if _, err := app.mgr.Get(r.Context(), opID); err != nil {
		sendStoreError(w, app, err, "Error fetching operation.")
		return
	}

	in.ID = uuid.New()
	in.OperationID = opID
	if in.ChangedAt.IsZero() {
		in.ChangedAt = time.Now().UTC()
	}

	out, err := app.history.CreateHistory(r.Context(), in)
	if err != nil {
		sendStoreError(w, app, err, "Error creating history entry.")
		return
	}

	sendResponse(w, out)
}

func handleGetHistoryEntry(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)

	h, ok := getScopedHistory(w, r, app)
	if !ok {
		return
	}

	sendResponse(w, h)
}

func handleUpdateHistory(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		in  models.HistoryEntry
	)

	h, ok := getScopedHistory(w, r, app)
	if !ok {
		return
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	if !validHistory(w, in) {
		return
	}

	in.ID = h.ID
	in.OperationID = h.OperationID
	if in.ChangedAt.IsZero() {
		in.ChangedAt = h.ChangedAt
	}

	out, err := app.history.UpdateHistory(r.Context(), in)
	if err != nil {
		sendStoreError(w, app, err, "Error updating history entry.")
		return
	}

	sendResponse(w, out)
}

func handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)

	h, ok := getScopedHistory(w, r, app)
	if !ok {
		return
	}

	if err := app.history.DeleteHistory(r.Context(), h.ID); err != nil {
		sendStoreError(w, app, err, "Error deleting history entry.")
		return
	}

	sendResponse(w, true)
}

func getScopedHistory(w http.ResponseWriter, r *http.Request, app *App) (models.HistoryEntry, bool) {
	opID, ok := getUUID(w, r, "operationID")
	if !ok {
		return models.HistoryEntry{}, false
	}
	id, ok := getUUID(w, r, "historyID")
	if !ok {
		return models.HistoryEntry{}, false
	}

	h, err := app.history.GetHistory(r.Context(), id)
	if err == nil && h.OperationID != opID {
		err = fmt.Errorf("history entry %s of operation %s: %w", id, opID, store.ErrNotExist)
	}
	if err != nil {
		sendStoreError(w, app, err, "Error fetching history entry.")
		return h, false
	}
	return h, true
}

// validHistory checks the statuses of a history entry. from_status may be
// empty for the entry that records creation.
func validHistory(w http.ResponseWriter, h models.HistoryEntry) bool {
	if h.FromStatus != "" && !h.FromStatus.Valid() {
		sendErrorResponse(w, "Invalid `from_status`.", http.StatusBadRequest, nil)
		return false
	}
	if !h.ToStatus.Valid() {
		sendErrorResponse(w, "Invalid `to_status`.", http.StatusBadRequest, nil)
		return false
	}
	return true
}
