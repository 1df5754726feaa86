package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/drbfraser/CRADLE-Platform-sub000/internal/log"
	"github.com/drbfraser/CRADLE-Platform-sub000/pkg/models"
	"github.com/drbfraser/CRADLE-Platform-sub000/pkg/rules"
	"github.com/drbfraser/CRADLE-Platform-sub000/pkg/service"
	"github.com/drbfraser/CRADLE-Platform-sub000/pkg/storage"
)

// StartServer wires the REST surface and blocks serving it.
func StartServer(port string, svc *service.WorkflowService) error {
	r := NewRouter(svc)
	log.GetLogger().Infof("Starting workflow server on :%s", port)
	return http.ListenAndServe(":"+port, r)
}

// NewRouter builds the route table; split out so handler tests can drive it
// without a listening socket.
func NewRouter(svc *service.WorkflowService) *mux.Router {
	h := &handler{svc: svc}
	r := mux.NewRouter()
	r.HandleFunc("/health", healthHandler).Methods(http.MethodGet)

	api := r.PathPrefix("/api/workflow").Subrouter()
	api.HandleFunc("/templates", h.uploadTemplate).Methods(http.MethodPost)
	api.HandleFunc("/templates", h.listTemplates).Methods(http.MethodGet)
	api.HandleFunc("/templates/{id}", h.getTemplate).Methods(http.MethodGet)
	api.HandleFunc("/templates/{id}", h.patchTemplate).Methods(http.MethodPatch)
	api.HandleFunc("/instances", h.generateInstance).Methods(http.MethodPost)
	api.HandleFunc("/instances/{id}", h.getInstance).Methods(http.MethodGet)
	api.HandleFunc("/instances/{id}", h.upsertInstance).Methods(http.MethodPut)
	api.HandleFunc("/instances/{id}/patient", h.assignPatient).Methods(http.MethodPost)
	api.HandleFunc("/instances/{id}/actions", h.listActions).Methods(http.MethodGet)
	api.HandleFunc("/instances/{id}/actions", h.applyAction).Methods(http.MethodPost)
	api.HandleFunc("/instances/{id}/steps/{stepId}/evaluation", h.evaluateStep).Methods(http.MethodGet)
	return r
}

type handler struct {
	svc *service.WorkflowService
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "Workflow server is running")
}

func (h *handler) uploadTemplate(w http.ResponseWriter, r *http.Request) {
	var t models.WorkflowTemplate
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		http.Error(w, "Invalid template payload", http.StatusBadRequest)
		return
	}
	saved, err := h.svc.UploadWorkflowTemplate(t)
	if err != nil {
		writeError(w, "Failed to upload template", err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (h *handler) listTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.svc.ListWorkflowTemplates()
	if err != nil {
		writeError(w, "Failed to list templates", err)
		return
	}
	writeJSON(w, http.StatusOK, templates)
}

func (h *handler) getTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.GetWorkflowTemplate(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, "Failed to get template", err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *handler) patchTemplate(w http.ResponseWriter, r *http.Request) {
	var t models.WorkflowTemplate
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		http.Error(w, "Invalid template payload", http.StatusBadRequest)
		return
	}
	saved, err := h.svc.PatchWorkflowTemplate(mux.Vars(r)["id"], t)
	if err != nil {
		writeError(w, "Failed to patch template", err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *handler) generateInstance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TemplateID string  `json:"template_id"`
		PatientID  *string `json:"patient_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TemplateID == "" {
		http.Error(w, "Missing 'template_id' in payload", http.StatusBadRequest)
		return
	}
	inst, err := h.svc.GenerateWorkflowInstance(req.TemplateID)
	if err != nil {
		writeError(w, "Failed to generate instance", err)
		return
	}
	if req.PatientID != nil {
		if err := h.svc.AssignPatient(inst.ID, *req.PatientID); err != nil {
			writeError(w, "Failed to assign patient", err)
			return
		}
		inst, err = h.svc.GetWorkflowInstance(inst.ID)
		if err != nil {
			writeError(w, "Failed to reload instance", err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (h *handler) getInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.svc.GetWorkflowInstance(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, "Failed to get instance", err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (h *handler) upsertInstance(w http.ResponseWriter, r *http.Request) {
	var inst models.WorkflowInstance
	if err := json.NewDecoder(r.Body).Decode(&inst); err != nil {
		http.Error(w, "Invalid instance payload", http.StatusBadRequest)
		return
	}
	inst.ID = mux.Vars(r)["id"]
	saved, err := h.svc.UpsertWorkflowInstance(inst)
	if err != nil {
		writeError(w, "Failed to upsert instance", err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *handler) assignPatient(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PatientID string `json:"patient_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PatientID == "" {
		http.Error(w, "Missing 'patient_id' in payload", http.StatusBadRequest)
		return
	}
	if err := h.svc.AssignPatient(mux.Vars(r)["id"], req.PatientID); err != nil {
		writeError(w, "Failed to assign patient", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) listActions(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.GetWorkflowView(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, "Failed to load instance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"actions": service.AvailableActions(view),
	})
}

func (h *handler) applyAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action         service.WorkflowAction `json:"action"`
		BaseLastEdited *time.Time             `json:"base_last_edited"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Action == "" {
		http.Error(w, "Missing 'action' in payload", http.StatusBadRequest)
		return
	}
	view, err := h.svc.GetWorkflowView(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, "Failed to load instance", err)
		return
	}
	var base time.Time
	if req.BaseLastEdited != nil {
		base = *req.BaseLastEdited
	}
	if err := h.svc.ApplyAction(req.Action, base, view); err != nil {
		writeError(w, "Failed to apply action", err)
		return
	}
	writeJSON(w, http.StatusOK, view.Instance)
}

func (h *handler) evaluateStep(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	view, err := h.svc.GetWorkflowView(vars["id"])
	if err != nil {
		writeError(w, "Failed to load instance", err)
		return
	}
	eval, err := h.svc.EvaluateWorkflowStep(view, vars["stepId"])
	if err != nil {
		writeError(w, "Failed to evaluate step", err)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

// writeError translates service and storage errors to status codes. Rule
// evaluation outcomes, including NOT_ENOUGH_DATA, are payloads here, never
// errors.
func writeError(w http.ResponseWriter, msg string, err error) {
	log.GetLogger().Errorf("%s: %v", msg, err)
	status := http.StatusInternalServerError
	var malformed *rules.MalformedRuleError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidWorkflowAction):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrVersionConflict), errors.Is(err, service.ErrEditConflict):
		status = http.StatusConflict
	case errors.As(err, &malformed):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidTemplate):
		status = http.StatusBadRequest
	}
	http.Error(w, fmt.Sprintf("%s: %v", msg, err), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}
