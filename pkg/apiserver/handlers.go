package apiserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shopkit/shopkit-domains/pkg/db"
	"github.com/shopkit/shopkit-domains/pkg/model"
	"github.com/shopkit/shopkit-domains/pkg/orchestrator"
	"github.com/shopkit/shopkit-domains/pkg/version"
)

type handler struct {
	orch *orchestrator.Orchestrator
}

func newHandler(o *orchestrator.Orchestrator) *handler {
	return &handler{
		orch: o,
	}
}

func (h *handler) root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.Get())
}

func (h *handler) createDomain(w http.ResponseWriter, r *http.Request) {
	var input model.DomainRequest
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("malformed request body: %w", err))
		return
	}

	record, err := h.orch.AddDomain(input.TenantID, input.Hostname)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrBadRequest):
			writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, db.ErrDuplicateHostname):
			writeError(w, http.StatusConflict, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, record.Response())
}

func (h *handler) listDomains(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, errors.New("tenant_id must be provided"))
		return
	}

	records, err := h.orch.ListByTenant(tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]model.DomainResponse, 0, len(records))
	for _, record := range records {
		out = append(out, record.Response())
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) getDomain(w http.ResponseWriter, r *http.Request) {
	record, err := h.orch.GetDomain(mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record.Response())
}

// verifyDomain triggers an immediate verification pass, coalescing with any
// in-flight automatic check, and returns the current, possibly still
// pending, state.
func (h *handler) verifyDomain(w http.ResponseWriter, r *http.Request) {
	record, result, err := h.orch.VerifyNow(mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, model.VerifyResponse{
		Domain:   record.Response(),
		Verified: result.Verified,
		Reason:   result.Reason,
	})
}

// deleteDomain answers 202 and finishes external cleanup in the background.
func (h *handler) deleteDomain(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	record, err := h.orch.GetDomain(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	go func() {
		_ = h.orch.Remove(record.ID)
	}()

	w.WriteHeader(http.StatusAccepted)
}

func writeDomainError(w http.ResponseWriter, err error) {
	if errors.Is(err, db.ErrNotFound) || errors.Is(err, db.ErrRemoved) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}
