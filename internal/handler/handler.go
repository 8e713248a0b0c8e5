// Package handler exposes the control panel's REST and SSE API over the
// orchestration façade.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"fabriclab/internal/codec"
	"fabriclab/internal/domain"
	"fabriclab/internal/hub"
	"fabriclab/internal/service"
	"fabriclab/internal/supervisor"
)

// FabricHandler handles fabric API requests.
type FabricHandler struct {
	svc *service.FabricService
	sup *supervisor.Supervisor
}

// New creates a new fabric handler.
func New(svc *service.FabricService, sup *supervisor.Supervisor) *FabricHandler {
	return &FabricHandler{svc: svc, sup: sup}
}

// Routes registers all API routes on the mux. events is the hub serving
// the system event stream.
func (h *FabricHandler) Routes(mux *http.ServeMux, events *hub.Hub) {
	mux.HandleFunc("GET /api/topology", h.GetTopologyText)
	mux.HandleFunc("PUT /api/topology", h.PutTopologyText)
	mux.HandleFunc("GET /api/topology/graph", h.GetGraph)

	mux.HandleFunc("POST /api/nodes", h.CreateNode)
	mux.HandleFunc("PUT /api/nodes/{name}", h.UpdateNode)
	mux.HandleFunc("DELETE /api/nodes/{name}", h.DeleteNode)

	mux.HandleFunc("POST /api/links", h.CreateLink)
	mux.HandleFunc("PUT /api/links/{id}", h.UpdateLink)
	mux.HandleFunc("DELETE /api/links/{id}", h.DeleteLink)

	mux.HandleFunc("POST /api/topology/save", h.SaveTopology)

	mux.HandleFunc("GET /api/status", h.GetStatus)
	mux.HandleFunc("GET /api/simulator", h.GetSimulator)
	mux.HandleFunc("POST /api/simulator/start", h.StartSimulator)
	mux.HandleFunc("POST /api/simulator/stop", h.StopSimulator)
	mux.HandleFunc("POST /api/simulator/restart", h.RestartSimulator)

	mux.HandleFunc("GET /api/managers", h.ListManagers)
	mux.HandleFunc("POST /api/managers", h.StartManager)
	mux.HandleFunc("DELETE /api/managers/{id}", h.StopManager)

	mux.HandleFunc("GET /api/manager-conf", h.GetManagerConf)
	mux.HandleFunc("PUT /api/manager-conf", h.PutManagerConf)

	mux.HandleFunc("GET /api/runs", h.ListRuns)

	mux.Handle("GET /api/events", events)
	mux.HandleFunc("GET /api/logs/{target}", h.StreamLogs)
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// GetTopologyText returns the in-memory topology in canonical form.
func (h *FabricHandler) GetTopologyText(w http.ResponseWriter, r *http.Request) {
	text, err := h.svc.NetText()
	if err != nil {
		log.Printf("Failed to serialize topology: %v", err)
		h.writeError(w, "Failed to serialize topology", err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, text)
}

// PutTopologyText replaces the topology from canonical text and saves it.
func (h *FabricHandler) PutTopologyText(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
	if err != nil {
		h.writeError(w, "Invalid request body", err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.svc.ImportText(r.Context(), string(body)); err != nil {
		h.writeTopologyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetGraph returns the topology as JSON nodes and links.
func (h *FabricHandler) GetGraph(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.svc.GetGraph(), http.StatusOK)
}

// NodeRequest is the create/update body for nodes.
type NodeRequest struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Ports int    `json:"ports"`
}

// CreateNode adds a node.
func (h *FabricHandler) CreateNode(w http.ResponseWriter, r *http.Request) {
	var req NodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", err.Error(), http.StatusBadRequest)
		return
	}

	node, err := h.svc.AddNode(req.Name, domain.NodeKind(req.Kind), req.Ports)
	if err != nil {
		h.writeTopologyError(w, err)
		return
	}
	h.writeJSON(w, node, http.StatusCreated)
}

// NodeUpdateRequest renames and/or resizes a node.
type NodeUpdateRequest struct {
	Name  string `json:"name,omitempty"`
	Ports int    `json:"ports,omitempty"`
}

// UpdateNode renames and/or resizes a node atomically.
func (h *FabricHandler) UpdateNode(w http.ResponseWriter, r *http.Request) {
	var req NodeUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.svc.UpdateNode(r.PathValue("name"), req.Name, req.Ports); err != nil {
		h.writeTopologyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteNode removes a node and its links.
func (h *FabricHandler) DeleteNode(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RemoveNode(r.PathValue("name")); err != nil {
		h.writeTopologyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LinkRequest is the create body for links.
type LinkRequest struct {
	Source     string `json:"source"`
	SourcePort int    `json:"source_port"`
	Target     string `json:"target"`
	TargetPort int    `json:"target_port"`
}

// CreateLink cables two ports together.
func (h *FabricHandler) CreateLink(w http.ResponseWriter, r *http.Request) {
	var req LinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", err.Error(), http.StatusBadRequest)
		return
	}

	link, err := h.svc.AddLink(req.Source, req.SourcePort, req.Target, req.TargetPort)
	if err != nil {
		h.writeTopologyError(w, err)
		return
	}
	h.writeJSON(w, link, http.StatusCreated)
}

// LinkUpdateRequest moves a link to new ports.
type LinkUpdateRequest struct {
	SourcePort int `json:"source_port"`
	TargetPort int `json:"target_port"`
}

// UpdateLink moves a link to new ports on its endpoints.
func (h *FabricHandler) UpdateLink(w http.ResponseWriter, r *http.Request) {
	var req LinkUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.svc.UpdateLink(r.PathValue("id"), req.SourcePort, req.TargetPort); err != nil {
		h.writeTopologyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteLink removes a link.
func (h *FabricHandler) DeleteLink(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RemoveLink(r.PathValue("id")); err != nil {
		h.writeTopologyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SaveTopology writes the in-memory topology to the canonical file.
func (h *FabricHandler) SaveTopology(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Save(r.Context()); err != nil {
		log.Printf("Failed to save topology: %v", err)
		h.writeError(w, "Failed to save topology", err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetStatus reports the simulator and manager states.
func (h *FabricHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.svc.GetStatus(), http.StatusOK)
}

// GetSimulator reports just the simulator's state.
func (h *FabricHandler) GetSimulator(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.svc.GetStatus().Simulator, http.StatusOK)
}

// ListManagers reports every known manager instance.
func (h *FabricHandler) ListManagers(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.svc.GetStatus().Managers, http.StatusOK)
}

// StartSimulator starts the simulator against the saved canonical file.
func (h *FabricHandler) StartSimulator(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.StartSimulator(r.Context()); err != nil {
		h.writeProcessError(w, err)
		return
	}
	h.writeJSON(w, h.svc.GetStatus().Simulator, http.StatusOK)
}

// StopSimulator stops the simulator and all attached managers.
func (h *FabricHandler) StopSimulator(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.StopSimulator(r.Context()); err != nil {
		h.writeProcessError(w, err)
		return
	}
	h.writeJSON(w, h.svc.GetStatus().Simulator, http.StatusOK)
}

// RestartSimulator rewrites the canonical file and restarts the simulator.
func (h *FabricHandler) RestartSimulator(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RestartSimulator(r.Context()); err != nil {
		h.writeProcessError(w, err)
		return
	}
	h.writeJSON(w, h.svc.GetStatus(), http.StatusOK)
}

// ManagerRequest is the body for starting a manager instance.
type ManagerRequest struct {
	ID      string `json:"id"`
	Adapter string `json:"adapter"`
}

// StartManager starts a subnet-manager instance bound to an adapter.
func (h *FabricHandler) StartManager(w http.ResponseWriter, r *http.Request) {
	var req ManagerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", err.Error(), http.StatusBadRequest)
		return
	}
	if req.ID == "" || req.Adapter == "" {
		h.writeError(w, "id and adapter are required", "", http.StatusBadRequest)
		return
	}

	if err := h.svc.StartManager(r.Context(), req.ID, req.Adapter); err != nil {
		h.writeProcessError(w, err)
		return
	}
	h.writeJSON(w, h.svc.GetStatus(), http.StatusOK)
}

// StopManager stops one manager instance.
func (h *FabricHandler) StopManager(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.StopManager(r.Context(), r.PathValue("id")); err != nil {
		h.writeProcessError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetManagerConf returns the opaque manager config file.
func (h *FabricHandler) GetManagerConf(w http.ResponseWriter, r *http.Request) {
	content, err := h.svc.ReadManagerConf()
	if err != nil {
		h.writeError(w, "Failed to read manager config", err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, content)
}

// PutManagerConf rewrites the opaque manager config file.
func (h *FabricHandler) PutManagerConf(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		h.writeError(w, "Invalid request body", err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.svc.WriteManagerConf(string(body)); err != nil {
		h.writeError(w, "Failed to write manager config", err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListRuns returns recent process runs.
func (h *FabricHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.svc.ListRuns(r.Context(), limit)
	if err != nil {
		log.Printf("Failed to list runs: %v", err)
		h.writeError(w, "Failed to list runs", err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, runs, http.StatusOK)
}

// StreamLogs streams a process's log lines over SSE: buffered history
// first, then the live tail, ending when the process stops.
func (h *FabricHandler) StreamLogs(w http.ResponseWriter, r *http.Request) {
	target := r.PathValue("target")
	lines, cancel, err := h.sup.Subscribe(target)
	if err != nil {
		h.writeError(w, "Unknown log target", err.Error(), http.StatusNotFound)
		return
	}
	defer cancel()

	hub.ServeLines(w, r, lines)
}

// writeTopologyError maps model and codec errors to HTTP statuses.
func (h *FabricHandler) writeTopologyError(w http.ResponseWriter, err error) {
	var pe *codec.ParseError
	var ue *codec.UnsupportedDirectiveError

	switch {
	case errors.Is(err, domain.ErrNotFound):
		h.writeError(w, "Not found", err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrDuplicateName):
		h.writeError(w, "Duplicate name", err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrPortInUse):
		h.writeError(w, "Port in use", err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrInvalidName),
		errors.Is(err, domain.ErrSelfLink),
		errors.Is(err, domain.ErrPortOutOfRange),
		errors.Is(err, domain.ErrInvalidPortCount),
		errors.Is(err, domain.ErrUnknownKind):
		h.writeError(w, "Invalid topology change", err.Error(), http.StatusBadRequest)
	case errors.As(err, &pe), errors.As(err, &ue):
		h.writeError(w, "Invalid topology file", err.Error(), http.StatusBadRequest)
	default:
		log.Printf("Topology operation failed: %v", err)
		h.writeError(w, "Topology operation failed", err.Error(), http.StatusInternalServerError)
	}
}

// writeProcessError maps supervisor errors to HTTP statuses.
func (h *FabricHandler) writeProcessError(w http.ResponseWriter, err error) {
	var se *supervisor.SpawnError
	var ste *supervisor.StopTimeoutError

	switch {
	case errors.Is(err, supervisor.ErrAlreadyRunning),
		errors.Is(err, supervisor.ErrDuplicateInstance):
		h.writeError(w, "Already running", err.Error(), http.StatusConflict)
	case errors.Is(err, supervisor.ErrSimulatorNotRunning):
		h.writeError(w, "Simulator not running", err.Error(), http.StatusConflict)
	case errors.Is(err, supervisor.ErrNotRunning),
		errors.Is(err, supervisor.ErrUnknownTarget):
		h.writeError(w, "Not running", err.Error(), http.StatusNotFound)
	case errors.Is(err, supervisor.ErrUnknownAdapter):
		h.writeError(w, "Unknown adapter", err.Error(), http.StatusBadRequest)
	case errors.As(err, &se):
		log.Printf("Spawn failed: %v", err)
		h.writeError(w, "Failed to start process", err.Error(), http.StatusBadGateway)
	case errors.As(err, &ste):
		log.Printf("Stop timed out: %v", err)
		h.writeError(w, "Process did not stop", err.Error(), http.StatusGatewayTimeout)
	default:
		log.Printf("Process operation failed: %v", err)
		h.writeError(w, "Process operation failed", err.Error(), http.StatusInternalServerError)
	}
}

func (h *FabricHandler) writeJSON(w http.ResponseWriter, v interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func (h *FabricHandler) writeError(w http.ResponseWriter, msg, details string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{
		Error:   msg,
		Details: details,
	}); err != nil {
		log.Printf("Failed to encode error response: %v", err)
	}
}
