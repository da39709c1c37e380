package transfer

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/madsci-dev/workcell/types"
)

func loc(id string, nodes ...string) *types.Location {
	refs := make(map[string]any, len(nodes))
	for _, n := range nodes {
		refs[n] = map[string]any{"slot": id + "@" + n}
	}
	return &types.Location{LocationID: id, Name: id, References: refs}
}

func tpl(node string, cost float64) types.TransferTemplate {
	return types.TransferTemplate{
		NodeName:      node,
		ActionName:    types.TransferActionName,
		SourceArgName: "source",
		TargetArgName: "target",
		CostWeight:    cost,
	}
}

func TestDirectTransfer(t *testing.T) {
	g := Build(
		[]*types.Location{loc("deck", "arm"), loc("reader", "arm")},
		[]types.TransferTemplate{tpl("arm", 0)},
	)

	path, err := g.Plan("deck", "reader")
	require.NoError(t, err)
	require.Len(t, path, 1)
	assert.Equal(t, "deck", path[0].Source.LocationID)
	assert.Equal(t, "reader", path[0].Target.LocationID)
	assert.Equal(t, "arm", path[0].Template.NodeName)
}

func TestTwoHopViaExchange(t *testing.T) {
	// arm1 serves deck and exchange, arm2 serves exchange and incubator.
	g := Build(
		[]*types.Location{
			loc("deck", "arm1"),
			loc("exchange", "arm1", "arm2"),
			loc("incubator", "arm2"),
		},
		[]types.TransferTemplate{tpl("arm1", 0), tpl("arm2", 0)},
	)

	path, err := g.Plan("deck", "incubator")
	require.NoError(t, err)
	require.Len(t, path, 2)
	assert.Equal(t, "exchange", path[0].Target.LocationID)
	assert.Equal(t, "arm1", path[0].Template.NodeName)
	assert.Equal(t, "arm2", path[1].Template.NodeName)
}

func TestNoPath(t *testing.T) {
	g := Build(
		[]*types.Location{loc("deck", "arm1"), loc("incubator", "arm2")},
		[]types.TransferTemplate{tpl("arm1", 0), tpl("arm2", 0)},
	)

	_, err := g.Plan("deck", "incubator")
	require.ErrorIs(t, err, ErrNoPath)
	assert.False(t, g.Reachable("deck", "incubator"))
}

func TestSelfTransferIsEmpty(t *testing.T) {
	g := Build([]*types.Location{loc("deck", "arm")}, []types.TransferTemplate{tpl("arm", 0)})
	path, err := g.Plan("deck", "deck")
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestTransferDisabledLocationExcluded(t *testing.T) {
	off := false
	blocked := loc("quarantine", "arm")
	blocked.AllowTransfer = &off
	g := Build(
		[]*types.Location{loc("deck", "arm"), blocked},
		[]types.TransferTemplate{tpl("arm", 0)},
	)

	_, err := g.Plan("deck", "quarantine")
	require.ErrorIs(t, err, ErrNoPath)
}

func TestCheaperLongerPathWins(t *testing.T) {
	// Direct hop on the crane costs 10; two hops via the arms cost 2.
	g := Build(
		[]*types.Location{
			loc("a", "crane", "arm"),
			loc("mid", "arm", "arm2"),
			loc("b", "crane", "arm2"),
		},
		[]types.TransferTemplate{tpl("crane", 10), tpl("arm", 1), tpl("arm2", 1)},
	)

	path, err := g.Plan("a", "b")
	require.NoError(t, err)
	require.Len(t, path, 2)
	assert.Equal(t, "arm", path[0].Template.NodeName)
	assert.Equal(t, "arm2", path[1].Template.NodeName)
}

func TestEqualCostTieBreaksOnNodeName(t *testing.T) {
	g := Build(
		[]*types.Location{loc("a", "alpha", "beta"), loc("b", "alpha", "beta")},
		[]types.TransferTemplate{tpl("beta", 1), tpl("alpha", 1)},
	)

	path, err := g.Plan("a", "b")
	require.NoError(t, err)
	require.Len(t, path, 1)
	assert.Equal(t, "alpha", path[0].Template.NodeName)
}

func TestStepsBindLocationArguments(t *testing.T) {
	template := tpl("arm", 0)
	template.DefaultArgs = map[string]any{"speed": "slow"}
	g := Build(
		[]*types.Location{loc("deck", "arm"), loc("reader", "arm")},
		[]types.TransferTemplate{template},
	)
	path, err := g.Plan("deck", "reader")
	require.NoError(t, err)

	base := &types.StepDefinition{
		Name:   "move plate",
		Action: types.TransferActionName,
		Args:   map[string]any{"speed": "fast"},
	}
	steps := Steps(path, base)
	require.Len(t, steps, 1)
	step := steps[0]
	assert.Equal(t, "move plate", step.Name)
	assert.Equal(t, "arm", step.Node)
	assert.Equal(t, types.TransferActionName, step.Action)
	assert.Equal(t, "fast", step.Args["speed"])
	assert.Equal(t, "deck", step.Locations["source"].LocationID)
	assert.Equal(t, "reader", step.Locations["target"].LocationID)
	assert.Equal(t, map[string]any{"slot": "deck@arm"}, step.Locations["source"].Location)
	assert.NotEmpty(t, step.StepID)
}

func TestStepsMultiHopNaming(t *testing.T) {
	g := Build(
		[]*types.Location{
			loc("deck", "arm1"),
			loc("exchange", "arm1", "arm2"),
			loc("incubator", "arm2"),
		},
		[]types.TransferTemplate{tpl("arm1", 0), tpl("arm2", 0)},
	)
	path, err := g.Plan("deck", "incubator")
	require.NoError(t, err)

	steps := Steps(path, &types.StepDefinition{Name: "stage", Action: types.TransferActionName})
	require.Len(t, steps, 2)
	assert.Equal(t, "stage (1/2)", steps[0].Name)
	assert.Equal(t, "stage (2/2)", steps[1].Name)
}

// chainGraph builds a line of n locations where consecutive locations share
// a node, so the distance between loc i and loc j is |i-j| hops.
func chainGraph(n int) *Graph {
	locs := make([]*types.Location, n)
	var tpls []types.TransferTemplate
	for i := 0; i < n; i++ {
		nodes := []string{}
		if i > 0 {
			nodes = append(nodes, fmt.Sprintf("node%02d", i-1))
		}
		if i < n-1 {
			nodes = append(nodes, fmt.Sprintf("node%02d", i))
		}
		locs[i] = loc(fmt.Sprintf("loc%02d", i), nodes...)
	}
	for i := 0; i < n-1; i++ {
		tpls = append(tpls, tpl(fmt.Sprintf("node%02d", i), 1))
	}
	return Build(locs, tpls)
}

func TestChainProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("path length equals distance on a chain", prop.ForAll(
		func(n, a, b int) bool {
			g := chainGraph(n)
			src := fmt.Sprintf("loc%02d", a%n)
			dst := fmt.Sprintf("loc%02d", b%n)
			path, err := g.Plan(src, dst)
			if err != nil {
				return false
			}
			want := (a % n) - (b % n)
			if want < 0 {
				want = -want
			}
			return len(path) == want
		},
		gen.IntRange(2, 12),
		gen.IntRange(0, 100),
		gen.IntRange(0, 100),
	))

	properties.Property("planning is deterministic", prop.ForAll(
		func(n int) bool {
			g := chainGraph(n)
			first, err1 := g.Plan("loc00", fmt.Sprintf("loc%02d", n-1))
			second, err2 := g.Plan("loc00", fmt.Sprintf("loc%02d", n-1))
			if err1 != nil || err2 != nil || len(first) != len(second) {
				return false
			}
			for i := range first {
				if first[i].Template.NodeName != second[i].Template.NodeName {
					return false
				}
			}
			return true
		},
		gen.IntRange(2, 12),
	))

	properties.TestingRun(t)
}
