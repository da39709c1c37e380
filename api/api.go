// Package api exposes the workcell's REST surface: workcell and node
// inspection, admin commands, location CRUD, the workflow definition
// registry and workflow submission and lifecycle control.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"goa.design/clue/log"

	"github.com/madsci-dev/workcell/archive"
	"github.com/madsci-dev/workcell/compiler"
	"github.com/madsci-dev/workcell/engine"
	"github.com/madsci-dev/workcell/labclients"
	"github.com/madsci-dev/workcell/nodeclient"
	"github.com/madsci-dev/workcell/state"
	"github.com/madsci-dev/workcell/telemetry"
	"github.com/madsci-dev/workcell/types"
)

type (
	// Options wires the server's collaborators. Store, Archive, Lifecycle
	// and Clients are required.
	Options struct {
		Store     state.Store
		Archive   archive.Store
		Lifecycle *engine.Manager
		Clients   nodeclient.Factory
		Data      engine.DataSubmitter
		Events    *labclients.EventClient
		Logger    telemetry.Logger
		Workcell  types.WorkcellConfig
		// UploadDir receives files posted with workflow submissions.
		// Defaults to the OS temp directory.
		UploadDir string
	}

	// Server hosts the REST surface.
	Server struct {
		opts Options

		mu          sync.RWMutex
		definitions map[string]*types.WorkflowDefinition
	}
)

// New creates the API server.
func New(opts Options) (*Server, error) {
	if opts.Store == nil || opts.Archive == nil || opts.Lifecycle == nil || opts.Clients == nil {
		return nil, errors.New("store, archive, lifecycle and clients are required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.UploadDir == "" {
		opts.UploadDir = os.TempDir()
	}
	return &Server{
		opts:        opts,
		definitions: make(map[string]*types.WorkflowDefinition),
	}, nil
}

// Router builds the HTTP handler. logCtx carries the clue logger used by the
// request logging middleware.
func (s *Server) Router(logCtx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(log.HTTP(logCtx))

	r.Get("/", s.getDefinition)
	r.Get("/workcell", s.getDefinition)
	r.Get("/definition", s.getDefinition)
	r.Get("/state", s.getState)

	r.Get("/nodes", s.getNodes)
	r.Get("/node/{name}", s.getNode)
	r.Post("/node", s.addNode)
	r.Post("/admin/{command}", s.adminBroadcast)
	r.Post("/admin/{command}/{node}", s.adminNode)

	r.Get("/workflows/active", s.activeWorkflows)
	r.Get("/workflows/archived", s.archivedWorkflows)
	r.Get("/workflows/queue", s.workflowQueue)
	r.Get("/workflow/{id}", s.getWorkflow)
	r.Post("/workflow/{id}/pause", s.pauseWorkflow)
	r.Post("/workflow/{id}/resume", s.resumeWorkflow)
	r.Post("/workflow/{id}/cancel", s.cancelWorkflow)
	r.Post("/workflow/{id}/retry", s.retryWorkflow)
	r.Post("/workflow_definition", s.addWorkflowDefinition)
	r.Get("/workflow_definition/{id}", s.getWorkflowDefinition)
	r.Post("/workflow", s.submitWorkflow)

	r.Get("/locations", s.getLocations)
	r.Post("/location", s.addLocation)
	r.Get("/location/{id}", s.getLocation)
	r.Delete("/location/{id}", s.deleteLocation)
	r.Post("/location/{id}/add_lookup/{node}", s.addLocationLookup)
	r.Post("/location/{id}/attach_resource", s.attachLocationResource)

	return r
}

// --- workcell ---

func (s *Server) getDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := s.opts.Store.Definition(r.Context())
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, def)
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snapshot, err := s.snapshot(ctx)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, snapshot)
}

func (s *Server) snapshot(ctx context.Context) (*types.WorkcellState, error) {
	def, err := s.opts.Store.Definition(ctx)
	if err != nil {
		return nil, err
	}
	status, err := s.opts.Store.Status(ctx)
	if errors.Is(err, state.ErrNotFound) {
		status = &types.WorkcellStatus{}
	} else if err != nil {
		return nil, err
	}
	nodes, err := s.opts.Store.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	locations, err := s.opts.Store.Locations(ctx)
	if err != nil {
		return nil, err
	}
	queue, err := s.opts.Store.Queue(ctx)
	if err != nil {
		return nil, err
	}
	return &types.WorkcellState{
		Status:    *status,
		Workcell:  *def,
		Nodes:     nodes,
		Locations: locations,
		Queue:     queue,
	}, nil
}

// --- nodes ---

func (s *Server) getNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.opts.Store.Nodes(r.Context())
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, nodes)
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.opts.Store.Node(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, node)
}

func (s *Server) addNode(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name      string `json:"name"`
		URL       string `json:"url"`
		Permanent bool   `json:"permanent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Name == "" || in.URL == "" {
		s.respondError(w, http.StatusBadRequest, "name and url are required")
		return
	}

	ctx := r.Context()
	unlock, err := s.lock(ctx)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	defer unlock()

	node := &types.Node{NodeURL: in.URL, Permanent: in.Permanent}
	if err := s.opts.Store.SetNode(ctx, in.Name, node); err != nil {
		s.storeError(w, r, err)
		return
	}
	if in.Permanent {
		if _, err := s.opts.Store.UpdateDefinition(ctx, func(def *types.WorkcellDefinition) {
			if def.Nodes == nil {
				def.Nodes = make(map[string]types.NodeDefinition)
			}
			def.Nodes[in.Name] = types.NodeDefinition{NodeURL: in.URL, Permanent: true}
		}); err != nil {
			s.storeError(w, r, err)
			return
		}
	}
	if _, err := s.opts.Store.MarkChanged(ctx); err != nil {
		s.storeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, node)
}

// --- admin ---

func (s *Server) adminBroadcast(w http.ResponseWriter, r *http.Request) {
	cmd := types.AdminCommand(chi.URLParam(r, "command"))
	if !cmd.Valid() {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown admin command %q", cmd))
		return
	}
	ctx := r.Context()

	// Workcell-level flags flip first so the control loops observe them even
	// when node delivery fails.
	if err := s.applyWorkcellAdmin(ctx, cmd); err != nil {
		s.storeError(w, r, err)
		return
	}

	nodes, err := s.opts.Store.Nodes(ctx)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	responses := make(map[string]*types.AdminCommandResponse, len(nodes))
	for name, node := range nodes {
		responses[name] = s.forwardAdmin(ctx, node, cmd)
	}
	s.respond(w, http.StatusOK, responses)
}

func (s *Server) adminNode(w http.ResponseWriter, r *http.Request) {
	cmd := types.AdminCommand(chi.URLParam(r, "command"))
	if !cmd.Valid() {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown admin command %q", cmd))
		return
	}
	node, err := s.opts.Store.Node(r.Context(), chi.URLParam(r, "node"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, s.forwardAdmin(r.Context(), node, cmd))
}

func (s *Server) applyWorkcellAdmin(ctx context.Context, cmd types.AdminCommand) error {
	var fn func(*types.WorkcellStatus)
	switch cmd {
	case types.AdminPause:
		fn = func(st *types.WorkcellStatus) { st.Paused = true }
	case types.AdminResume:
		fn = func(st *types.WorkcellStatus) { st.Paused = false }
	case types.AdminShutdown:
		fn = func(st *types.WorkcellStatus) { st.Shutdown = true }
	case types.AdminReset:
		fn = func(st *types.WorkcellStatus) {
			st.Errored = false
			st.Errors = nil
			st.Description = ""
		}
	default:
		return nil
	}
	if _, err := s.opts.Store.UpdateStatus(ctx, fn); err != nil {
		return err
	}
	_, err := s.opts.Store.MarkChanged(ctx)
	return err
}

func (s *Server) forwardAdmin(ctx context.Context, node *types.Node, cmd types.AdminCommand) *types.AdminCommandResponse {
	if node.Info != nil && !node.Info.Capabilities.AdminCommands {
		return &types.AdminCommandResponse{
			Success: false,
			Errors:  []string{"node does not support admin commands"},
		}
	}
	client, err := s.opts.Clients(node.NodeURL)
	if err != nil {
		return &types.AdminCommandResponse{Success: false, Errors: []string{err.Error()}}
	}
	resp, err := client.SendAdminCommand(ctx, cmd)
	if err != nil {
		return &types.AdminCommandResponse{Success: false, Errors: []string{err.Error()}}
	}
	return resp
}

// --- workflows ---

func (s *Server) activeWorkflows(w http.ResponseWriter, r *http.Request) {
	wfs, err := s.opts.Store.Workflows(r.Context())
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, wfs)
}

func (s *Server) archivedWorkflows(w http.ResponseWriter, r *http.Request) {
	n := 0
	if raw := r.URL.Query().Get("number"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "number must be an integer")
			return
		}
		n = parsed
	}
	wfs, err := s.opts.Archive.ListRecent(r.Context(), n)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	out := make(map[string]*types.Workflow, len(wfs))
	for _, wf := range wfs {
		out[wf.WorkflowID] = wf
	}
	s.respond(w, http.StatusOK, out)
}

func (s *Server) workflowQueue(w http.ResponseWriter, r *http.Request) {
	queue, err := s.opts.Store.Queue(r.Context())
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, queue)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wf, err := s.opts.Store.Workflow(r.Context(), id)
	if errors.Is(err, state.ErrNotFound) {
		wf, err = s.opts.Archive.Get(r.Context(), id)
		if errors.Is(err, archive.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, fmt.Sprintf("unknown workflow %q", id))
			return
		}
	}
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, wf)
}

func (s *Server) pauseWorkflow(w http.ResponseWriter, r *http.Request) {
	s.lifecycleOp(w, r, func(ctx context.Context, id string) (*types.Workflow, error) {
		return s.opts.Lifecycle.Pause(ctx, id)
	})
}

func (s *Server) resumeWorkflow(w http.ResponseWriter, r *http.Request) {
	s.lifecycleOp(w, r, func(ctx context.Context, id string) (*types.Workflow, error) {
		return s.opts.Lifecycle.Resume(ctx, id)
	})
}

func (s *Server) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	s.lifecycleOp(w, r, func(ctx context.Context, id string) (*types.Workflow, error) {
		return s.opts.Lifecycle.Cancel(ctx, id)
	})
}

func (s *Server) retryWorkflow(w http.ResponseWriter, r *http.Request) {
	index := -1
	if raw := r.URL.Query().Get("index"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "index must be an integer")
			return
		}
		index = parsed
	}
	s.lifecycleOp(w, r, func(ctx context.Context, id string) (*types.Workflow, error) {
		return s.opts.Lifecycle.Retry(ctx, id, index)
	})
}

func (s *Server) lifecycleOp(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*types.Workflow, error)) {
	id := chi.URLParam(r, "id")
	wf, err := op(r.Context(), id)
	switch {
	case errors.Is(err, state.ErrNotFound):
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("unknown workflow %q", id))
	case errors.Is(err, engine.ErrNotTerminal):
		s.respondError(w, http.StatusConflict, "workflow is not terminal")
	case err != nil:
		s.storeError(w, r, err)
	default:
		s.respond(w, http.StatusOK, wf)
	}
}

// --- workflow definitions ---

func (s *Server) addWorkflowDefinition(w http.ResponseWriter, r *http.Request) {
	var def types.WorkflowDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid workflow definition: "+err.Error())
		return
	}
	if err := def.Validate(); err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if def.DefinitionID == "" {
		def.DefinitionID = types.NewID()
	}
	s.mu.Lock()
	s.definitions[def.DefinitionID] = &def
	s.mu.Unlock()
	s.respond(w, http.StatusOK, map[string]string{"definition_id": def.DefinitionID})
}

func (s *Server) getWorkflowDefinition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.RLock()
	def, ok := s.definitions[id]
	s.mu.RUnlock()
	if !ok {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("unknown workflow definition %q", id))
		return
	}
	s.respond(w, http.StatusOK, def)
}

// submitWorkflow accepts a multipart form referencing a registered
// definition, compiles it against the current snapshot and enqueues the
// resulting workflow.
func (s *Server) submitWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		s.respondError(w, http.StatusBadRequest, "expected multipart form: "+err.Error())
		return
	}

	definitionID := r.FormValue("definition_id")
	s.mu.RLock()
	def, ok := s.definitions[definitionID]
	s.mu.RUnlock()
	if !ok {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("unknown workflow definition %q", definitionID))
		return
	}

	var inputValues map[string]any
	if raw := r.FormValue("input_values"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &inputValues); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid input_values: "+err.Error())
			return
		}
	}
	inputFiles := map[string]string{}
	if raw := r.FormValue("input_file_paths"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &inputFiles); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid input_file_paths: "+err.Error())
			return
		}
	}
	var own types.OwnershipInfo
	if raw := r.FormValue("ownership_info"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &own); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid ownership_info: "+err.Error())
			return
		}
	}
	var simulated bool
	if raw := r.FormValue("simulated"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid simulated flag: "+err.Error())
			return
		}
		simulated = parsed
	}

	ctx := r.Context()
	if r.MultipartForm != nil {
		for label, headers := range r.MultipartForm.File {
			if len(headers) == 0 {
				continue
			}
			path, err := s.saveUpload(headers[0])
			if err != nil {
				s.respondError(w, http.StatusInternalServerError, "store upload: "+err.Error())
				return
			}
			inputFiles[label] = path
			if s.opts.Data != nil {
				if _, err := s.opts.Data.SubmitFile(ctx, label, path, &own); err != nil {
					s.opts.Logger.Warn(ctx, "register uploaded file", "label", label, "err", err)
				}
			}
		}
	}

	snapshot, err := s.snapshot(ctx)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	wf, err := compiler.Compile(def, inputValues, inputFiles, snapshot, own)
	if err != nil {
		if kind, ok := compiler.KindOf(err); ok {
			s.respond(w, http.StatusUnprocessableEntity, map[string]string{
				"error": err.Error(),
				"kind":  string(kind),
			})
			return
		}
		s.storeError(w, r, err)
		return
	}
	wf.Simulated = simulated

	unlock, err := s.lock(ctx)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	defer unlock()
	if err := s.opts.Store.SetWorkflow(ctx, wf); err != nil {
		s.storeError(w, r, err)
		return
	}
	if err := s.opts.Store.Enqueue(ctx, wf.WorkflowID); err != nil {
		s.storeError(w, r, err)
		return
	}
	if _, err := s.opts.Store.MarkChanged(ctx); err != nil {
		s.storeError(w, r, err)
		return
	}
	unlock()

	wfOwn := wf.Ownership
	s.opts.Events.Emit(ctx, labclients.EventWorkflowQueued, &wfOwn, nil)
	s.respond(w, http.StatusCreated, wf)
}

func (s *Server) saveUpload(header *multipart.FileHeader) (string, error) {
	src, err := header.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	name := fmt.Sprintf("%s-%s", types.NewID(), filepath.Base(header.Filename))
	path := filepath.Join(s.opts.UploadDir, name)
	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return "", err
	}
	return path, nil
}

// --- locations ---

func (s *Server) getLocations(w http.ResponseWriter, r *http.Request) {
	locations, err := s.opts.Store.Locations(r.Context())
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, locations)
}

func (s *Server) addLocation(w http.ResponseWriter, r *http.Request) {
	var in struct {
		types.Location
		// Permanent locations are written back into the workcell definition so
		// they survive re-initialization.
		Permanent bool `json:"permanent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Name == "" {
		s.respondError(w, http.StatusBadRequest, "a named location is required")
		return
	}
	loc := in.Location
	if loc.LocationID == "" {
		loc.LocationID = types.NewID()
	}
	if loc.References == nil {
		loc.References = make(map[string]any)
	}

	ctx := r.Context()
	unlock, err := s.lock(ctx)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	defer unlock()
	if err := s.opts.Store.SetLocation(ctx, &loc); err != nil {
		s.storeError(w, r, err)
		return
	}
	if in.Permanent {
		if _, err := s.opts.Store.UpdateDefinition(ctx, func(def *types.WorkcellDefinition) {
			ld := types.LocationDefinition{
				LocationID:    loc.LocationID,
				Name:          loc.Name,
				References:    loc.References,
				ResourceID:    loc.ResourceID,
				AllowTransfer: loc.AllowTransfer,
			}
			for i, prev := range def.Locations {
				if prev.LocationID == ld.LocationID {
					def.Locations[i] = ld
					return
				}
			}
			def.Locations = append(def.Locations, ld)
		}); err != nil {
			s.storeError(w, r, err)
			return
		}
	}
	if _, err := s.opts.Store.MarkChanged(ctx); err != nil {
		s.storeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, &loc)
}

func (s *Server) getLocation(w http.ResponseWriter, r *http.Request) {
	loc, err := s.opts.Store.Location(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, loc)
}

func (s *Server) deleteLocation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	unlock, err := s.lock(ctx)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	defer unlock()
	if err := s.opts.Store.DeleteLocation(ctx, chi.URLParam(r, "id")); err != nil {
		s.storeError(w, r, err)
		return
	}
	if _, err := s.opts.Store.MarkChanged(ctx); err != nil {
		s.storeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) addLocationLookup(w http.ResponseWriter, r *http.Request) {
	var in struct {
		LookupVal any `json:"lookup_val"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid lookup body: "+err.Error())
		return
	}
	s.updateLocation(w, r, func(loc *types.Location) {
		if loc.References == nil {
			loc.References = make(map[string]any)
		}
		loc.References[chi.URLParam(r, "node")] = in.LookupVal
	})
}

func (s *Server) attachLocationResource(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ResourceID string `json:"resource_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.ResourceID == "" {
		s.respondError(w, http.StatusBadRequest, "resource_id is required")
		return
	}
	s.updateLocation(w, r, func(loc *types.Location) {
		loc.ResourceID = in.ResourceID
	})
}

func (s *Server) updateLocation(w http.ResponseWriter, r *http.Request, fn func(*types.Location)) {
	ctx := r.Context()
	unlock, err := s.lock(ctx)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	defer unlock()
	loc, err := s.opts.Store.UpdateLocation(ctx, chi.URLParam(r, "id"), fn)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if _, err := s.opts.Store.MarkChanged(ctx); err != nil {
		s.storeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, loc)
}

// --- helpers ---

func (s *Server) lock(ctx context.Context) (state.Unlock, error) {
	return s.opts.Store.Lock(ctx, time.Duration(s.opts.Workcell.LockTTL))
}

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.opts.Logger.Error(context.Background(), "encode response", "err", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respond(w, status, map[string]string{"error": msg})
}

// storeError maps backend failures: missing keys become 404, lock contention
// and everything else surface as 503.
func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, state.ErrNotFound) || errors.Is(err, archive.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	default:
		s.opts.Logger.Error(r.Context(), "backend failure", "path", r.URL.Path, "err", err)
		s.respondError(w, http.StatusServiceUnavailable, "state backend unavailable")
	}
}
