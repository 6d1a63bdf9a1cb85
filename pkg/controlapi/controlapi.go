package controlapi

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/roost-run/roost/pkg/errdefs"
	"github.com/roost-run/roost/pkg/log"
	"github.com/roost-run/roost/pkg/storage"
	"github.com/roost-run/roost/pkg/types"
)

// Server is the controller's admin API: the write path for desired
// specs and the read path for mirrored statuses. Convergence itself is
// asynchronous; a spec accepted here is picked up by the next
// reconcile cycle.
type Server struct {
	store  storage.Store
	logger zerolog.Logger
}

// NewServer creates the admin API over the controller's store.
func NewServer(store storage.Store) *Server {
	return &Server{
		store:  store,
		logger: log.WithComponent("controlapi"),
	}
}

// Register mounts the admin routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("PUT /v1/specs", s.handlePutSpec)
	mux.HandleFunc("GET /v1/specs", s.handleListSpecs)
	mux.HandleFunc("GET /v1/specs/{name}", s.handleGetSpec)
	mux.HandleFunc("GET /v1/nodes/{node}/statuses", s.handleListStatuses)
}

// handlePutSpec validates and persists a desired spec. The request's
// version field is the optimistic-concurrency token: it must match the
// stored version (or be zero to skip the check); the response carries
// the newly assigned version.
func (s *Server) handlePutSpec(w http.ResponseWriter, r *http.Request) {
	var spec types.ToolInstanceSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body: "+err.Error())
		return
	}
	if spec.NodeID == "" {
		writeError(w, http.StatusUnprocessableEntity, "node_id is required")
		return
	}

	version, err := s.store.PutSpec(&spec, spec.Version)
	if err != nil {
		writeClassifiedError(w, err)
		return
	}
	spec.Version = version

	s.logger.Info().
		Str("instance", spec.InstanceName).
		Str("node", spec.NodeID).
		Int64("version", version).
		Str("desired", string(spec.DesiredState)).
		Msg("spec accepted")
	writeJSON(w, http.StatusAccepted, &spec)
}

func (s *Server) handleGetSpec(w http.ResponseWriter, r *http.Request) {
	spec, err := s.store.GetSpec(r.PathValue("name"))
	if err != nil {
		writeClassifiedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

func (s *Server) handleListSpecs(w http.ResponseWriter, r *http.Request) {
	specs, err := s.store.ListSpecs()
	if err != nil {
		writeClassifiedError(w, err)
		return
	}
	if specs == nil {
		specs = []*types.ToolInstanceSpec{}
	}
	writeJSON(w, http.StatusOK, specs)
}

func (s *Server) handleListStatuses(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.store.ListStatuses(r.PathValue("node"))
	if err != nil {
		writeClassifiedError(w, err)
		return
	}
	if statuses == nil {
		statuses = []*types.ToolInstanceStatus{}
	}
	writeJSON(w, http.StatusOK, statuses)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeClassifiedError(w http.ResponseWriter, err error) {
	writeJSON(w, errdefs.HTTPStatus(err), map[string]string{
		"error": err.Error(),
		"kind":  errdefs.KindOf(err).String(),
	})
}
