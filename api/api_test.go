package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/clue/log"

	archivemem "github.com/madsci-dev/workcell/archive/memory"
	"github.com/madsci-dev/workcell/engine"
	"github.com/madsci-dev/workcell/nodeclient"
	"github.com/madsci-dev/workcell/state"
	statemem "github.com/madsci-dev/workcell/state/memory"
	"github.com/madsci-dev/workcell/types"
)

const armURL = "mock://arm"

type apiEnv struct {
	store   state.Store
	archive *archivemem.Store
	arm     *nodeclient.Mock
	server  *httptest.Server
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	// Router's logging middleware requires a clue logger on the context.
	ctx := log.Context(context.Background())

	store := statemem.New()
	arch := archivemem.New()
	arm := nodeclient.NewMock("arm")
	factory := nodeclient.MockFactory(map[string]nodeclient.Client{armURL: arm})

	def := &types.WorkcellDefinition{
		WorkcellID: "wc-test",
		Name:       "test-workcell",
		Nodes: map[string]types.NodeDefinition{
			"arm": {NodeURL: armURL, Permanent: true},
		},
		Config: types.WorkcellConfig{LockTTL: types.Duration(time.Second)},
	}
	require.NoError(t, state.Initialize(ctx, store, def, nil, time.Second))

	eng, err := engine.New(engine.Config{
		Store:    store,
		Archive:  arch,
		Clients:  factory,
		Workcell: def.Config,
	})
	require.NoError(t, err)

	srv, err := New(Options{
		Store:     store,
		Archive:   arch,
		Lifecycle: eng.Lifecycle(),
		Clients:   factory,
		Workcell:  def.Config,
		UploadDir: t.TempDir(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router(ctx))
	t.Cleanup(ts.Close)
	return &apiEnv{store: store, archive: arch, arm: arm, server: ts}
}

func (e *apiEnv) get(t *testing.T, path string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (e *apiEnv) post(t *testing.T, path string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(e.server.URL+path, "application/json", &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

// registerDefinition posts a workflow definition and returns its ID.
func (e *apiEnv) registerDefinition(t *testing.T, def *types.WorkflowDefinition) string {
	t.Helper()
	var out map[string]string
	resp := e.post(t, "/workflow_definition", def, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, out["definition_id"])
	return out["definition_id"]
}

// submit posts a multipart workflow submission and returns the decoded
// workflow on success, plus the status code and raw body for error cases.
func (e *apiEnv) submit(t *testing.T, definitionID string, inputValues map[string]any) (*types.Workflow, int, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("definition_id", definitionID))
	if inputValues != nil {
		raw, err := json.Marshal(inputValues)
		require.NoError(t, err)
		require.NoError(t, mw.WriteField("input_values", string(raw)))
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(e.server.URL+"/workflow", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if resp.StatusCode != http.StatusCreated {
		return nil, resp.StatusCode, string(body)
	}
	var wf types.Workflow
	require.NoError(t, json.Unmarshal(body, &wf))
	return &wf, resp.StatusCode, string(body)
}

func pickDefinition() *types.WorkflowDefinition {
	return &types.WorkflowDefinition{
		Name: "pick",
		Parameters: []types.ParameterDefinition{
			{Name: "speed", Default: float64(50)},
		},
		Steps: []types.StepDefinition{
			{Name: "pick plate", Node: "arm", Action: "pick", Args: map[string]any{"speed": "speed"}},
		},
	}
}

func TestDefinitionAndStateEndpoints(t *testing.T) {
	env := newAPIEnv(t)

	var def types.WorkcellDefinition
	resp := env.get(t, "/", &def)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "test-workcell", def.Name)

	var same types.WorkcellDefinition
	env.get(t, "/definition", &same)
	assert.Equal(t, def.WorkcellID, same.WorkcellID)

	var snapshot types.WorkcellState
	resp = env.get(t, "/state", &snapshot)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "test-workcell", snapshot.Workcell.Name)
	assert.Contains(t, snapshot.Nodes, "arm")
	assert.Empty(t, snapshot.Queue)
}

func TestNodeEndpoints(t *testing.T) {
	env := newAPIEnv(t)

	var nodes map[string]*types.Node
	resp := env.get(t, "/nodes", &nodes)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, nodes, "arm")
	assert.Equal(t, armURL, nodes["arm"].NodeURL)

	var node types.Node
	resp = env.get(t, "/node/arm", &node)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.get(t, "/node/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.post(t, "/node", map[string]any{
		"name": "reader", "url": "mock://reader", "permanent": true,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	def, err := env.store.Definition(context.Background())
	require.NoError(t, err)
	assert.Contains(t, def.Nodes, "reader")

	resp = env.post(t, "/node", map[string]any{"name": "incomplete"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminCommands(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()

	var responses map[string]*types.AdminCommandResponse
	resp := env.post(t, "/admin/pause", nil, &responses)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, responses, "arm")
	assert.True(t, responses["arm"].Success)

	status, err := env.store.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Paused)

	resp = env.post(t, "/admin/resume", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status, err = env.store.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.Paused)

	var single types.AdminCommandResponse
	resp = env.post(t, "/admin/reset/arm", nil, &single)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, single.Success)

	resp = env.post(t, "/admin/selfdestruct", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWorkflowDefinitionRegistry(t *testing.T) {
	env := newAPIEnv(t)

	id := env.registerDefinition(t, pickDefinition())

	var def types.WorkflowDefinition
	resp := env.get(t, "/workflow_definition/"+id, &def)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pick", def.Name)
	assert.Equal(t, id, def.DefinitionID)

	resp = env.get(t, "/workflow_definition/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.post(t, "/workflow_definition", &types.WorkflowDefinition{Name: "empty"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestSubmitWorkflow(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()

	id := env.registerDefinition(t, pickDefinition())
	wf, code, _ := env.submit(t, id, map[string]any{"speed": float64(80)})
	require.Equal(t, http.StatusCreated, code)
	require.NotNil(t, wf)
	assert.Equal(t, float64(80), wf.Steps[0].Args["speed"])

	queue, err := env.store.Queue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{wf.WorkflowID}, queue)

	var got types.Workflow
	getResp := env.get(t, "/workflow/"+wf.WorkflowID, &got)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	assert.Equal(t, wf.WorkflowID, got.WorkflowID)

	getResp = env.get(t, "/workflow/nope", nil)
	assert.Equal(t, http.StatusNotFound, getResp.StatusCode)
}

func TestSubmitWorkflowCompileFailure(t *testing.T) {
	env := newAPIEnv(t)

	id := env.registerDefinition(t, &types.WorkflowDefinition{
		Name: "bad",
		Steps: []types.StepDefinition{
			{Name: "step", Node: "ghost", Action: "pick"},
		},
	})
	_, code, body := env.submit(t, id, nil)
	require.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Contains(t, body, "ghost")

	_, code, _ = env.submit(t, "missing-definition", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSubmitWorkflowWithFileUpload(t *testing.T) {
	env := newAPIEnv(t)

	id := env.registerDefinition(t, &types.WorkflowDefinition{
		Name: "protocol-run",
		Steps: []types.StepDefinition{
			{Name: "run", Node: "arm", Action: "run_protocol", Files: map[string]string{"protocol": "protocol"}},
		},
	})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("definition_id", id))
	fw, err := mw.CreateFormFile("protocol", "assay.py")
	require.NoError(t, err)
	_, err = fw.Write([]byte("print('hello')"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(env.server.URL+"/workflow", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var wf types.Workflow
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&wf))
	path := wf.Steps[0].Files["protocol"]
	require.NotEmpty(t, path)
	assert.True(t, strings.HasSuffix(path, "assay.py"))
}

func TestSubmitSimulatedWorkflow(t *testing.T) {
	env := newAPIEnv(t)
	id := env.registerDefinition(t, pickDefinition())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("definition_id", id))
	require.NoError(t, mw.WriteField("simulated", "true"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(env.server.URL+"/workflow", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var wf types.Workflow
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&wf))
	assert.True(t, wf.Simulated)
}

func TestWorkflowLifecycleEndpoints(t *testing.T) {
	env := newAPIEnv(t)

	id := env.registerDefinition(t, pickDefinition())
	wf, code, _ := env.submit(t, id, nil)
	require.Equal(t, http.StatusCreated, code)

	var paused types.Workflow
	resp := env.post(t, fmt.Sprintf("/workflow/%s/pause", wf.WorkflowID), nil, &paused)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, paused.Status.Paused)

	var resumed types.Workflow
	resp = env.post(t, fmt.Sprintf("/workflow/%s/resume", wf.WorkflowID), nil, &resumed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, resumed.Status.Paused)

	// Retry before a terminal phase is rejected.
	resp = env.post(t, fmt.Sprintf("/workflow/%s/retry", wf.WorkflowID), nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var cancelled types.Workflow
	resp = env.post(t, fmt.Sprintf("/workflow/%s/cancel", wf.WorkflowID), nil, &cancelled)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, cancelled.Status.Cancelled)

	// Cancelled workflows remain readable from the archive.
	var archived types.Workflow
	resp = env.get(t, "/workflow/"+wf.WorkflowID, &archived)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, archived.Status.Cancelled)

	var retried types.Workflow
	resp = env.post(t, fmt.Sprintf("/workflow/%s/retry?index=0", wf.WorkflowID), nil, &retried)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, retried.Status.Terminal())
	assert.Equal(t, 0, retried.Status.CurrentStepIndex)

	resp = env.post(t, "/workflow/nope/cancel", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWorkflowListEndpoints(t *testing.T) {
	env := newAPIEnv(t)

	id := env.registerDefinition(t, pickDefinition())
	wf, _, _ := env.submit(t, id, nil)
	require.NotNil(t, wf)

	var active map[string]*types.Workflow
	resp := env.get(t, "/workflows/active", &active)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, active, wf.WorkflowID)

	var queue []string
	resp = env.get(t, "/workflows/queue", &queue)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{wf.WorkflowID}, queue)

	env.post(t, fmt.Sprintf("/workflow/%s/cancel", wf.WorkflowID), nil, nil)

	var archived map[string]*types.Workflow
	resp = env.get(t, "/workflows/archived?number=5", &archived)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, archived, wf.WorkflowID)

	resp = env.get(t, "/workflows/archived?number=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAddPermanentLocation(t *testing.T) {
	env := newAPIEnv(t)

	var loc types.Location
	resp := env.post(t, "/location", map[string]any{
		"name":       "hotel",
		"references": map[string]any{"arm": "slot_9"},
		"permanent":  true,
	}, &loc)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, loc.LocationID)

	// Permanent locations land in the stored definition as well.
	def, err := env.store.Definition(context.Background())
	require.NoError(t, err)
	require.Len(t, def.Locations, 1)
	assert.Equal(t, "hotel", def.Locations[0].Name)
	assert.Equal(t, loc.LocationID, def.Locations[0].LocationID)

	// Re-posting the same permanent location replaces its definition entry.
	loc.References["arm"] = "slot_10"
	resp = env.post(t, "/location", map[string]any{
		"location_id": loc.LocationID,
		"name":        "hotel",
		"references":  loc.References,
		"permanent":   true,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	def, err = env.store.Definition(context.Background())
	require.NoError(t, err)
	require.Len(t, def.Locations, 1)
	assert.Equal(t, "slot_10", def.Locations[0].References["arm"])
}

func TestLocationEndpoints(t *testing.T) {
	env := newAPIEnv(t)

	var loc types.Location
	resp := env.post(t, "/location", &types.Location{
		Name:       "deck",
		References: map[string]any{"arm": []any{float64(1), float64(2)}},
	}, &loc)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, loc.LocationID)

	var got types.Location
	resp = env.get(t, "/location/"+loc.LocationID, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "deck", got.Name)

	var withLookup types.Location
	resp = env.post(t, fmt.Sprintf("/location/%s/add_lookup/reader", loc.LocationID),
		map[string]any{"lookup_val": "slot_3"}, &withLookup)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "slot_3", withLookup.References["reader"])

	var withResource types.Location
	resp = env.post(t, fmt.Sprintf("/location/%s/attach_resource", loc.LocationID),
		map[string]any{"resource_id": "res-123"}, &withResource)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "res-123", withResource.ResourceID)

	var locations map[string]*types.Location
	resp = env.get(t, "/locations", &locations)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, locations, loc.LocationID)

	req, err := http.NewRequest(http.MethodDelete, env.server.URL+"/location/"+loc.LocationID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	require.Equal(t, http.StatusOK, delResp.StatusCode)

	resp = env.get(t, "/location/"+loc.LocationID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
