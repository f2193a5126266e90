package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	tokenmanager "github.com/gabrielangelo/token-manager"
	"github.com/gabrielangelo/token-manager/internal/logging"
	"github.com/gabrielangelo/token-manager/internal/statecache"
)

// newServer builds a minimal net/http adapter over svc. Input
// validation (well-formed UUIDs, JSON shape) lives entirely here; the
// core never sees malformed input.
func newServer(svc *tokenmanager.Service) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tokens/activate", activateHandler(svc))
	mux.HandleFunc("GET /api/tokens", listHandler(svc))
	mux.HandleFunc("GET /api/tokens/{id}", showHandler(svc))
	mux.HandleFunc("GET /api/tokens/{id}/history", historyHandler(svc))
	mux.HandleFunc("POST /api/tokens/clear", clearHandler(svc))
	return mux
}

type activateRequest struct {
	UserID string `json:"user_id"`
}

type activateData struct {
	TokenID     string `json:"token_id"`
	UserID      string `json:"user_id"`
	ActivatedAt string `json:"activated_at"`
}

type tokenListEntry struct {
	ID            string  `json:"id"`
	Status        string  `json:"status"`
	CurrentUserID *string `json:"current_user_id"`
	ActivatedAt   *string `json:"activated_at"`
}

type usageEntry struct {
	UserID    string  `json:"user_id"`
	StartedAt string  `json:"started_at"`
	EndedAt   *string `json:"ended_at"`
}

func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func formatUUIDPtr(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Logger().Warn("http: encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"errors": map[string]string{"detail": detail}})
}

func snapshotToEntry(snap statecache.Snapshot) tokenListEntry {
	return tokenListEntry{
		ID:            snap.Token.ID.String(),
		Status:        string(snap.Token.Status),
		CurrentUserID: formatUUIDPtr(snap.Token.CurrentUserID),
		ActivatedAt:   formatTimePtr(snap.Token.ActivatedAt),
	}
}

func activateHandler(svc *tokenmanager.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req activateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "malformed request body")
			return
		}
		userID, err := uuid.Parse(req.UserID)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "user_id must be a valid UUID")
			return
		}

		result, err := svc.Activate(r.Context(), userID)
		if err != nil {
			writeActivateError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"data": activateData{
			TokenID:     result.Token.ID.String(),
			UserID:      userID.String(),
			ActivatedAt: formatTime(result.Usage.StartedAt),
		}})
	}
}

func writeActivateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tokenmanager.ErrAlreadyHasActiveToken):
		writeError(w, http.StatusUnprocessableEntity, "user already has an active token")
	case errors.Is(err, tokenmanager.ErrNoTokensAvailable):
		writeError(w, http.StatusUnprocessableEntity, "no tokens available")
	case errors.Is(err, tokenmanager.ErrNotInitialized), errors.Is(err, tokenmanager.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logging.Logger().Error("activate failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func listHandler(svc *tokenmanager.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snaps, err := svc.ListTokens(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		entries := make([]tokenListEntry, 0, len(snaps))
		for _, snap := range snaps {
			entries = append(entries, snapshotToEntry(snap))
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": entries})
	}
}

func showHandler(svc *tokenmanager.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusNotFound, "token not found")
			return
		}

		snap, err := svc.GetToken(r.Context(), id)
		if err != nil {
			if errors.Is(err, tokenmanager.ErrTokenNotFound) {
				writeError(w, http.StatusNotFound, "token not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		entry := map[string]any{
			"id":              snap.Token.ID.String(),
			"status":          string(snap.Token.Status),
			"current_user_id": formatUUIDPtr(snap.Token.CurrentUserID),
			"activated_at":    formatTimePtr(snap.Token.ActivatedAt),
		}
		if snap.ActiveUsage != nil {
			entry["active_usage"] = usageEntry{
				UserID:    snap.ActiveUsage.UserID.String(),
				StartedAt: formatTime(snap.ActiveUsage.StartedAt),
				EndedAt:   formatTimePtr(snap.ActiveUsage.EndedAt),
			}
		} else {
			entry["active_usage"] = nil
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": entry})
	}
}

func historyHandler(svc *tokenmanager.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusNotFound, "token not found")
			return
		}

		usages, err := svc.GetTokenHistory(r.Context(), id)
		if err != nil {
			if errors.Is(err, tokenmanager.ErrTokenNotFound) {
				writeError(w, http.StatusNotFound, "token not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		entries := make([]usageEntry, 0, len(usages))
		for _, u := range usages {
			entries = append(entries, usageEntry{
				UserID:    u.UserID.String(),
				StartedAt: formatTime(u.StartedAt),
				EndedAt:   formatTimePtr(u.EndedAt),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"token_id": id.String(),
			"usages":   entries,
		}})
	}
}

func clearHandler(svc *tokenmanager.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := svc.ClearActive(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]int{"cleared_tokens": n}})
	}
}
