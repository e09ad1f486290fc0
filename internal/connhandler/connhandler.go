// Package connhandler serves the two message kinds spec.md §4.6 defines
// — SyncMutations and SyncStorage — as HTTP endpoints, generalizing the
// teacher's single-tenant /sync/push and /sync/pull routes to be
// per-client and per-mutation-type via gorilla/mux path parameters.
package connhandler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/aggregat4/rowsync/internal/journal"
	"github.com/aggregat4/rowsync/internal/mutate"
	"github.com/aggregat4/rowsync/internal/remote"
	"github.com/aggregat4/rowsync/internal/storage"
	"github.com/aggregat4/rowsync/internal/syncerr"
	"github.com/aggregat4/rowsync/internal/wire"
)

// Server dispatches SyncMutations/SyncStorage requests against a Remote.
type Server[M any] struct {
	remote *remote.Remote[M]
	codec  mutate.Codec[M]
	log    *slog.Logger
}

// New constructs a connection handler Server.
func New[M any](r *remote.Remote[M], codec mutate.Codec[M], log *slog.Logger) *Server[M] {
	return &Server[M]{remote: r, codec: codec, log: log}
}

// Register wires the routes onto router, with request-timing middleware
// matching astromechza-automerge-experiments' httpsnoop+slog pattern.
func (s *Server[M]) Register(router *mux.Router) {
	router.Use(s.loggingMiddleware)
	router.Methods(http.MethodPost).Path("/v1/clients/{clientId}/mutations").HandlerFunc(s.handleSyncMutations)
	router.Methods(http.MethodGet).Path("/v1/clients/{clientId}/storage").HandlerFunc(s.handleSyncStorage)
}

func (s *Server[M]) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.log.Info("handled", "method", r.Method, "path", r.URL.Path, "duration", m.Duration, "status", m.Code)
	})
}

func (s *Server[M]) handleSyncMutations(w http.ResponseWriter, r *http.Request) {
	clientID := storage.ClientID(mux.Vars(r)["clientId"])

	var req wire.SyncMutationsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, syncerr.TransportError, err)
		return
	}

	entries := make([]journal.Entry[M], 0, len(req.Entries))
	for i, raw := range req.Entries {
		m, err := s.codec.Decode(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, syncerr.TransportError, err)
			return
		}
		entries = append(entries, journal.Entry[M]{LSN: req.Base + journal.LSN(i), Value: m})
	}
	partial := journal.Partial[M]{Base: req.Base, Entries: entries}

	newCursor, err := s.remote.Receive(clientID, partial)
	if err != nil {
		writeSyncErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.SyncMutationsResponse{Version: wire.ProtocolVersion, NewCursor: newCursor})
}

func (s *Server[M]) handleSyncStorage(w http.ResponseWriter, r *http.Request) {
	clientID := storage.ClientID(mux.Vars(r)["clientId"])

	cursorStr := r.URL.Query().Get("cursor")
	var cursor storage.Version
	if cursorStr != "" {
		v, err := strconv.ParseUint(cursorStr, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, syncerr.TransportError, err)
			return
		}
		cursor = storage.Version(v)
	}

	partial, err := s.remote.UpdateClient(r.Context(), cursor)
	if err != nil {
		writeSyncErr(w, err)
		return
	}
	poisoned, err := s.remote.PoisonedLSNs(r.Context(), clientID)
	if err != nil {
		writeSyncErr(w, err)
		return
	}
	if partial.Len() == 0 && len(poisoned) == 0 {
		writeJSON(w, http.StatusOK, wire.SyncStorageResponse{Version: wire.ProtocolVersion, Empty: true, Base: partial.Base})
		return
	}

	resp := wire.SyncStorageResponse{Version: wire.ProtocolVersion, Base: partial.Base, Poisoned: poisoned}
	for _, cs := range partial.ChangeSets {
		resp.ChangeSets = append(resp.ChangeSets, wire.ToChangeSetWire(cs))
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeSyncErr(w http.ResponseWriter, err error) {
	switch {
	case syncerr.Is(err, syncerr.JournalGap):
		writeError(w, http.StatusConflict, syncerr.JournalGap, err)
	case syncerr.Is(err, syncerr.JournalDivergence):
		writeError(w, http.StatusConflict, syncerr.JournalDivergence, err)
	case syncerr.Is(err, syncerr.StorageError):
		writeError(w, http.StatusInternalServerError, syncerr.StorageError, err)
	default:
		writeError(w, http.StatusInternalServerError, syncerr.StorageError, err)
	}
}

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, kind error, err error) {
	writeJSON(w, status, wire.ErrorResponse{Version: wire.ProtocolVersion, Kind: kind.Error(), Message: err.Error()})
}
