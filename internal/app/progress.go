package app

import "pathways/api/internal/store"

// progressRatio scores a follow record against a roadmap's current node set.
// Only "done" states whose milestone id still matches a node count toward the
// numerator; states left behind by removed nodes are ignored. A roadmap with
// no nodes scores 0.
func progressRatio(nodes []store.Node, states []store.MilestoneState) float64 {
	if len(nodes) == 0 {
		return 0
	}
	ids := make(map[string]struct{}, len(nodes))
	for _, node := range nodes {
		ids[node.ID] = struct{}{}
	}
	done := 0
	for _, state := range states {
		if state.Status != store.StatusDone {
			continue
		}
		if _, ok := ids[state.MilestoneID]; ok {
			done++
		}
	}
	return float64(done) / float64(len(nodes))
}

// statusByMilestone indexes milestone states by id. At most one entry per id
// is expected from the store; a later duplicate wins if one slips through.
func statusByMilestone(states []store.MilestoneState) map[string]string {
	out := make(map[string]string, len(states))
	for _, state := range states {
		out[state.MilestoneID] = state.Status
	}
	return out
}

// resolveNodeStatus returns the user's status for a node, defaulting to
// pending when the node was never tracked.
func resolveNodeStatus(statuses map[string]string, nodeID string) string {
	if status, ok := statuses[nodeID]; ok {
		return status
	}
	return store.StatusPending
}
