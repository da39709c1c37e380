package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkflowDefinitionRoundTrip(t *testing.T) {
	def := &WorkflowDefinition{
		Name: "synthesis",
		Parameters: []ParameterDefinition{
			{Name: "volume", Default: 10.5},
			{Name: "plate_type"},
		},
		Steps: []StepDefinition{
			{
				Name:   "aspirate",
				Node:   "ot2",
				Action: "aspirate",
				Args:   map[string]any{"volume": "$volume"},
				Locations: map[string]string{
					"well": "deck_1",
				},
				DataLabels: map[string]string{"reading": "initial_reading"},
			},
			{
				Name:   "move_plate",
				Action: TransferActionName,
				Locations: map[string]string{
					TransferSourceLabel: "deck_1",
					TransferTargetLabel: "camera_stage",
				},
			},
		},
	}

	b, err := json.Marshal(def)
	require.NoError(t, err)
	var back WorkflowDefinition
	require.NoError(t, json.Unmarshal(b, &back))
	require.Equal(t, def.Name, back.Name)
	require.Len(t, back.Parameters, 2)
	require.Len(t, back.Steps, 2)
	require.Equal(t, def.Steps[0].DataLabels, back.Steps[0].DataLabels)
	require.Equal(t, def.Steps[1].Locations, back.Steps[1].Locations)
}

func TestWorkflowDefinitionValidateRejectsDuplicateDataLabels(t *testing.T) {
	def := &WorkflowDefinition{
		Name: "dup",
		Steps: []StepDefinition{
			{Name: "a", Action: "read", DataLabels: map[string]string{"data": "reading"}},
			{Name: "b", Action: "read", DataLabels: map[string]string{"data": "reading"}},
		},
	}
	require.Error(t, def.Validate())
}

func TestWorkcellDefinitionRoundTrip(t *testing.T) {
	def := &WorkcellDefinition{
		WorkcellID: NewID(),
		Name:       "demo_cell",
		Nodes: map[string]NodeDefinition{
			"arm": {NodeURL: "http://arm:2000", Permanent: true},
		},
		Locations: []LocationDefinition{
			{Name: "deck_1", References: map[string]any{"arm": []any{float64(1), float64(2)}}},
		},
		Transfers: []TransferTemplate{
			{NodeName: "arm", ActionName: "transfer", SourceArgName: "source", TargetArgName: "target", CostWeight: 2},
		},
		Config: WorkcellConfig{
			SchedulerUpdateInterval: Duration(2 * time.Second),
			LockTTL:                 Duration(10 * time.Second),
		},
	}

	b, err := json.Marshal(def)
	require.NoError(t, err)
	var back WorkcellDefinition
	require.NoError(t, json.Unmarshal(b, &back))
	require.Equal(t, def.WorkcellID, back.WorkcellID)
	require.Equal(t, def.Nodes, back.Nodes)
	require.Equal(t, def.Locations[0].References, back.Locations[0].References)
	require.Equal(t, 2*time.Second, back.Config.SchedulerUpdateInterval.Duration())
}

func TestDurationJSONForms(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1500ms"`), &d))
	require.Equal(t, 1500*time.Millisecond, d.Duration())

	require.NoError(t, json.Unmarshal([]byte(`2.5`), &d))
	require.Equal(t, 2500*time.Millisecond, d.Duration())

	b, err := json.Marshal(Duration(3 * time.Second))
	require.NoError(t, err)
	require.Equal(t, `"3s"`, string(b))
}

func TestNewIDSortableAndUnique(t *testing.T) {
	a := NewID()
	b := NewID()
	require.Len(t, a, 26)
	require.Len(t, b, 26)
	require.NotEqual(t, a, b)
	require.LessOrEqual(t, a, b)
}

func TestNodeReadyPredicate(t *testing.T) {
	now := time.Now()
	own := OwnershipInfo{WorkflowID: "wf1"}

	n := &Node{NodeURL: "http://x"}
	require.False(t, n.Ready(own, now), "no info or status")

	n.Info = &NodeInfo{Actions: map[string]ActionDefinition{}}
	n.Status = &NodeStatus{Ready: true}
	require.True(t, n.Ready(own, now))

	n.Status.Paused = true
	require.False(t, n.Ready(own, now))
	n.Status.Paused = false

	n.Reservation = &Reservation{
		OwnedBy: OwnershipInfo{WorkflowID: "other"},
		Start:   now.Add(-time.Minute),
		End:     now.Add(time.Minute),
	}
	require.False(t, n.Ready(own, now), "reserved by another workflow")

	n.Reservation.OwnedBy.WorkflowID = "wf1"
	require.True(t, n.Ready(own, now), "reserved by self")

	n.Reservation.End = now.Add(-time.Second)
	n.Reservation.OwnedBy.WorkflowID = "other"
	require.True(t, n.Ready(own, now), "expired reservation")
}

func TestWorkflowStatusPhase(t *testing.T) {
	var s WorkflowStatus
	require.Equal(t, "queued", s.Phase())
	require.True(t, s.Active())

	s.Running = true
	require.Equal(t, "running", s.Phase())

	s.Paused = true
	require.Equal(t, "paused", s.Phase())
	require.False(t, s.Active())

	s = WorkflowStatus{Failed: true}
	require.Equal(t, "failed", s.Phase())
	require.True(t, s.Terminal())
}

func TestActionResultErrorTextCap(t *testing.T) {
	r := &ActionResult{Errors: []ActionError{{Message: "first failure"}, {Message: "second failure"}}}
	require.Equal(t, "first failure; second failure", r.ErrorText(0))
	require.Equal(t, "first", r.ErrorText(5))
}
