// Package core provides the fundamental building blocks of the orm unit of work.
// This file defines the commit ordering engine: it topologically sorts
// scheduled operations along their reference dependencies so that every row
// exists before something points at it, and every pointer is gone before its
// target row is.
package core

// dependencyEdge states that `from` must be flushed before `to`. Required
// edges come from non-nullable references and can never be relaxed; optional
// edges are honored when possible and broken to resolve mixed cycles.
type dependencyEdge struct {
	from     handle
	to       handle
	required bool
}

// orderByDependencies produces an execution order for the given nodes that
// satisfies every required edge, and every optional edge that does not
// participate in a cycle. Nodes with no ordering constraint between them
// commit in their given (scheduling) order, keeping test runs reproducible.
//
// A cycle consisting purely of required edges has no valid order; it fails
// with a DependencyCycleError naming the entities involved.
func orderByDependencies(nodeList []handle, edgeList []dependencyEdge, nameOf func(handle) string) ([]handle, error) {
	inNodes := make(map[handle]bool, len(nodeList))
	for _, node := range nodeList {
		inNodes[node] = true
	}

	allIncoming := make(map[handle]int, len(nodeList))
	requiredIncoming := make(map[handle]int, len(nodeList))
	outgoing := make(map[handle][]dependencyEdge, len(nodeList))
	for _, edge := range edgeList {
		if !inNodes[edge.from] || !inNodes[edge.to] || edge.from == edge.to {
			continue
		}
		outgoing[edge.from] = append(outgoing[edge.from], edge)
		allIncoming[edge.to]++
		if edge.required {
			requiredIncoming[edge.to]++
		}
	}

	processed := make(map[handle]bool, len(nodeList))
	order := make([]handle, 0, len(nodeList))

	for len(order) < len(nodeList) {
		picked, ok := pickNext(nodeList, processed, allIncoming, requiredIncoming)
		if !ok {
			return nil, requiredCycleError(nodeList, processed, outgoing, nameOf)
		}
		processed[picked] = true
		order = append(order, picked)
		for _, edge := range outgoing[picked] {
			if processed[edge.to] {
				continue
			}
			allIncoming[edge.to]--
			if edge.required {
				requiredIncoming[edge.to]--
			}
		}
	}
	return order, nil
}

// pickNext prefers a node with no unmet dependency at all; failing that, it
// relaxes optional edges and picks a node whose unmet dependencies are all
// nullable. Scanning in scheduling order is the deterministic tie-break.
func pickNext(nodeList []handle, processed map[handle]bool, allIncoming, requiredIncoming map[handle]int) (handle, bool) {
	for _, node := range nodeList {
		if !processed[node] && allIncoming[node] == 0 {
			return node, true
		}
	}
	for _, node := range nodeList {
		if !processed[node] && requiredIncoming[node] == 0 {
			return node, true
		}
	}
	return 0, false
}

// requiredCycleError names every unprocessed node that can reach itself
// through required edges. The caller breaks such cycles with schema changes
// (a nullable reference), not here.
func requiredCycleError(nodeList []handle, processed map[handle]bool, outgoing map[handle][]dependencyEdge, nameOf func(handle) string) error {
	memberList := []string{}
	seenName := make(map[string]bool)
	for _, node := range nodeList {
		if processed[node] {
			continue
		}
		if !onRequiredCycle(node, processed, outgoing) {
			continue
		}
		name := nameOf(node)
		if !seenName[name] {
			seenName[name] = true
			memberList = append(memberList, name)
		}
	}
	return &DependencyCycleError{MemberList: memberList}
}

// onRequiredCycle reports whether the node can reach itself following only
// required edges between unprocessed nodes.
func onRequiredCycle(start handle, processed map[handle]bool, outgoing map[handle][]dependencyEdge) bool {
	visited := make(map[handle]bool)
	stack := []handle{start}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, edge := range outgoing[node] {
			if !edge.required || processed[edge.to] {
				continue
			}
			if edge.to == start {
				return true
			}
			if !visited[edge.to] {
				visited[edge.to] = true
				stack = append(stack, edge.to)
			}
		}
	}
	return false
}
