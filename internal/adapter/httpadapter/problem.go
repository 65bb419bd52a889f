package httpadapter

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/couchcryptid/ok-offline-sync/internal/domain"
	"github.com/couchcryptid/ok-offline-sync/internal/orchestrator"
	"github.com/couchcryptid/ok-offline-sync/internal/tiles"
)

// Problem is an RFC 7807 error body.
type Problem struct {
	Type   string `json:"type,omitempty"`
	Title  string `json:"title,omitempty"`
	Status int    `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// WriteProblem writes an application/problem+json response.
func WriteProblem(w http.ResponseWriter, status int, kind, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:   kind,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// writeError maps err to a problem response. Classified errors carry their
// kind as the problem type and their user message as the detail.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrSyncInProgress), errors.Is(err, tiles.ErrDownloadInProgress):
		WriteProblem(w, http.StatusConflict, "", "conflict", err.Error())
		return
	case errors.Is(err, orchestrator.ErrCancelled):
		WriteProblem(w, http.StatusConflict, "", "cancelled", err.Error())
		return
	}

	kind := domain.KindOf(err)
	if kind == "" {
		WriteProblem(w, http.StatusInternalServerError, "", "internal error", err.Error())
		return
	}
	WriteProblem(w, statusForKind(kind), string(kind), http.StatusText(statusForKind(kind)), domain.UserMessage(err))
}

func statusForKind(k domain.Kind) int {
	switch k {
	case domain.KindNoData:
		return http.StatusNotFound
	case domain.KindData:
		return http.StatusUnprocessableEntity
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	case domain.KindNetwork, domain.KindAuth, domain.KindSyncFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}
