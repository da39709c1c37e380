// Package transfer derives the workcell's transfer graph from its locations
// and transfer templates and plans shortest transfer paths across it.
//
// Vertices are locations. A template on node N contributes a directed edge
// between every ordered pair of transfer-enabled locations that both carry a
// representation for N in their references, weighted by the template's cost.
package transfer

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"

	"github.com/madsci-dev/workcell/types"
)

// ErrNoPath reports that no chain of transfer templates connects the source
// location to the target location.
var ErrNoPath = errors.New("no transfer path between locations")

type (
	// Graph is the derived transfer graph. It is immutable after Build;
	// rebuild it when locations or templates change.
	Graph struct {
		locations map[string]*types.Location
		edges     map[string][]Edge
	}

	// Edge is one template application moving a resource from one location
	// to another.
	Edge struct {
		Source   string
		Target   string
		Template *types.TransferTemplate
	}

	// Hop is one planned leg of a transfer path.
	Hop struct {
		Source   *types.Location
		Target   *types.Location
		Template *types.TransferTemplate
	}
)

// Build derives the transfer graph from the workcell's locations and
// transfer templates.
func Build(locations []*types.Location, templates []types.TransferTemplate) *Graph {
	g := &Graph{
		locations: make(map[string]*types.Location, len(locations)),
		edges:     make(map[string][]Edge),
	}
	for _, loc := range locations {
		g.locations[loc.LocationID] = loc
	}
	for i := range templates {
		tpl := &templates[i]
		for _, src := range locations {
			if !src.TransferAllowed() || !locationReachable(src, tpl.NodeName) {
				continue
			}
			for _, dst := range locations {
				if dst.LocationID == src.LocationID {
					continue
				}
				if !dst.TransferAllowed() || !locationReachable(dst, tpl.NodeName) {
					continue
				}
				g.edges[src.LocationID] = append(g.edges[src.LocationID], Edge{
					Source:   src.LocationID,
					Target:   dst.LocationID,
					Template: tpl,
				})
			}
		}
	}
	// Deterministic neighbor order keeps path planning stable across runs.
	for _, es := range g.edges {
		sort.Slice(es, func(i, j int) bool {
			if es[i].Target != es[j].Target {
				return es[i].Target < es[j].Target
			}
			return es[i].Template.NodeName < es[j].Template.NodeName
		})
	}
	return g
}

func locationReachable(loc *types.Location, nodeName string) bool {
	_, ok := loc.References[nodeName]
	return ok
}

// Location returns the graph's location with the given ID, or nil.
func (g *Graph) Location(id string) *types.Location { return g.locations[id] }

// Reachable reports whether any transfer path leads from source to target.
func (g *Graph) Reachable(sourceID, targetID string) bool {
	_, err := g.Plan(sourceID, targetID)
	return err == nil
}

// Plan returns the cheapest transfer path from source to target. Ties on
// total cost break on hop count, then on the lexicographic order of template
// node names along the path, so planning is deterministic. A transfer from a
// location to itself yields an empty path.
func (g *Graph) Plan(sourceID, targetID string) ([]Hop, error) {
	if _, ok := g.locations[sourceID]; !ok {
		return nil, fmt.Errorf("unknown source location %q", sourceID)
	}
	if _, ok := g.locations[targetID]; !ok {
		return nil, fmt.Errorf("unknown target location %q", targetID)
	}
	if sourceID == targetID {
		return nil, nil
	}

	dist := map[string]pathState{sourceID: {}}
	pq := &pathQueue{{location: sourceID}}
	heap.Init(pq)
	visited := make(map[string]bool)

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(pathEntry)
		if visited[cur.location] {
			continue
		}
		visited[cur.location] = true
		if cur.location == targetID {
			break
		}
		for _, e := range g.edges[cur.location] {
			cand := pathState{
				cost: cur.cost + e.Template.Cost(),
				hops: cur.hops + 1,
				key:  cur.key + "\x00" + e.Template.NodeName,
				prev: cur.location,
				via:  e.Template,
			}
			best, seen := dist[e.Target]
			if !seen || cand.better(best) {
				dist[e.Target] = cand
				heap.Push(pq, pathEntry{
					location: e.Target,
					cost:     cand.cost,
					hops:     cand.hops,
					key:      cand.key,
				})
			}
		}
	}

	if !visited[targetID] {
		return nil, fmt.Errorf("%w: %s to %s", ErrNoPath, sourceID, targetID)
	}

	var hops []Hop
	for at := targetID; at != sourceID; {
		st := dist[at]
		hops = append(hops, Hop{
			Source:   g.locations[st.prev],
			Target:   g.locations[at],
			Template: st.via,
		})
		at = st.prev
	}
	for i, j := 0, len(hops)-1; i < j; i, j = i+1, j-1 {
		hops[i], hops[j] = hops[j], hops[i]
	}
	return hops, nil
}

// Steps expands a planned path into executable transfer steps. Each hop
// becomes one step on the template's node with the source and target
// locations bound to the template's argument names. The base step carries
// naming and conditions from the original transfer marker step.
func Steps(path []Hop, base *types.StepDefinition) []types.Step {
	steps := make([]types.Step, 0, len(path))
	for i, hop := range path {
		args := make(map[string]any, len(hop.Template.DefaultArgs)+len(base.Args))
		for k, v := range hop.Template.DefaultArgs {
			args[k] = v
		}
		mergeLocationArgs(args, hop.Source, hop.Template.NodeName)
		mergeLocationArgs(args, hop.Target, hop.Template.NodeName)
		for k, v := range base.Args {
			args[k] = v
		}
		name := base.Name
		if len(path) > 1 {
			name = fmt.Sprintf("%s (%d/%d)", base.Name, i+1, len(path))
		}
		// Data labels stay unique across the workflow, so only the final hop
		// carries the base step's labels.
		var labels map[string]string
		if i == len(path)-1 {
			labels = base.DataLabels
		}
		steps = append(steps, types.Step{
			StepID: types.NewID(),
			Name:   name,
			Node:   hop.Template.NodeName,
			Action: hop.Template.ActionName,
			Args:   args,
			Locations: map[string]types.LocationArgument{
				hop.Template.SourceArgName: locationArg(hop.Source, hop.Template.NodeName),
				hop.Template.TargetArgName: locationArg(hop.Target, hop.Template.NodeName),
			},
			Conditions: base.Conditions,
			DataLabels: labels,
			Status:     types.ActionNotStarted,
		})
	}
	return steps
}

// mergeLocationArgs layers a location's per-node default args, if it carries
// any, under the user-supplied args.
func mergeLocationArgs(args map[string]any, loc *types.Location, nodeName string) {
	ref, ok := loc.References[nodeName].(map[string]any)
	if !ok {
		return
	}
	defaults, ok := ref["default_args"].(map[string]any)
	if !ok {
		return
	}
	for k, v := range defaults {
		args[k] = v
	}
}

func locationArg(loc *types.Location, nodeName string) types.LocationArgument {
	return types.LocationArgument{
		LocationName: loc.Name,
		LocationID:   loc.LocationID,
		Location:     loc.References[nodeName],
		ResourceID:   loc.ResourceID,
	}
}

type (
	pathState struct {
		cost float64
		hops int
		key  string
		prev string
		via  *types.TransferTemplate
	}

	pathEntry struct {
		location string
		cost     float64
		hops     int
		key      string
	}

	pathQueue []pathEntry
)

func (s pathState) better(other pathState) bool {
	if s.cost != other.cost {
		return s.cost < other.cost
	}
	if s.hops != other.hops {
		return s.hops < other.hops
	}
	return s.key < other.key
}

func (q pathQueue) Len() int { return len(q) }

func (q pathQueue) Less(i, j int) bool {
	if q[i].cost != q[j].cost {
		return q[i].cost < q[j].cost
	}
	if q[i].hops != q[j].hops {
		return q[i].hops < q[j].hops
	}
	return q[i].key < q[j].key
}

func (q pathQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *pathQueue) Push(x any) { *q = append(*q, x.(pathEntry)) }

func (q *pathQueue) Pop() any {
	old := *q
	n := len(old)
	x := old[n-1]
	*q = old[:n-1]
	return x
}
