package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nameByNumber(h handle) string {
	return map[handle]string{1: "A", 2: "B", 3: "C", 4: "D"}[h]
}

func indexOf(order []handle, h handle) int {
	for i, candidate := range order {
		if candidate == h {
			return i
		}
	}
	return -1
}

func TestOrderRespectsRequiredEdges(t *testing.T) {
	// B and C both reference A; D references C.
	order, err := orderByDependencies(
		[]handle{4, 3, 2, 1},
		[]dependencyEdge{
			{from: 1, to: 2, required: true},
			{from: 1, to: 3, required: true},
			{from: 3, to: 4, required: true},
		},
		nameByNumber,
	)
	require.NoError(t, err)
	assert.Less(t, indexOf(order, 1), indexOf(order, 2))
	assert.Less(t, indexOf(order, 1), indexOf(order, 3))
	assert.Less(t, indexOf(order, 3), indexOf(order, 4))
}

func TestOrderKeepsSchedulingOrderForUnrelatedNodes(t *testing.T) {
	order, err := orderByDependencies([]handle{3, 1, 2}, nil, nameByNumber)
	require.NoError(t, err)
	assert.Equal(t, []handle{3, 1, 2}, order)
}

func TestOrderRelaxesOptionalEdgeToBreakCycle(t *testing.T) {
	// A and B reference each other; the A→B direction is nullable.
	order, err := orderByDependencies(
		[]handle{1, 2},
		[]dependencyEdge{
			{from: 1, to: 2, required: true},
			{from: 2, to: 1, required: false},
		},
		nameByNumber,
	)
	require.NoError(t, err)
	assert.Equal(t, []handle{1, 2}, order, "the required edge wins, the optional one is broken")
}

func TestOrderHonorsOptionalEdgesOutsideCycles(t *testing.T) {
	order, err := orderByDependencies(
		[]handle{2, 1},
		[]dependencyEdge{{from: 1, to: 2, required: false}},
		nameByNumber,
	)
	require.NoError(t, err)
	assert.Equal(t, []handle{1, 2}, order)
}

func TestOrderFailsOnRequiredCycle(t *testing.T) {
	_, err := orderByDependencies(
		[]handle{1, 2, 3},
		[]dependencyEdge{
			{from: 1, to: 2, required: true},
			{from: 2, to: 3, required: true},
			{from: 3, to: 1, required: true},
		},
		nameByNumber,
	)
	require.ErrorIs(t, err, ErrUnresolvableDependency)

	var cycle *DependencyCycleError
	require.ErrorAs(t, err, &cycle)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, cycle.MemberList)
}

func TestOrderNamesOnlyCycleMembers(t *testing.T) {
	// D hangs off the 1-2 cycle but is not part of it.
	_, err := orderByDependencies(
		[]handle{1, 2, 4},
		[]dependencyEdge{
			{from: 1, to: 2, required: true},
			{from: 2, to: 1, required: true},
			{from: 2, to: 4, required: true},
		},
		nameByNumber,
	)
	var cycle *DependencyCycleError
	require.ErrorAs(t, err, &cycle)
	assert.ElementsMatch(t, []string{"A", "B"}, cycle.MemberList)
}

func TestOrderIgnoresEdgesOutsideNodeSet(t *testing.T) {
	order, err := orderByDependencies(
		[]handle{1, 2},
		[]dependencyEdge{
			{from: 9, to: 1, required: true}, // 9 is not scheduled
			{from: 1, to: 1, required: true}, // self loop
		},
		nameByNumber,
	)
	require.NoError(t, err)
	assert.Equal(t, []handle{1, 2}, order)
}
