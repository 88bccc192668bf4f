package kernel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyMaterialPriority(t *testing.T) {
	require.Equal(t, PriorityUrgent, ClassifyMaterialPriority("Emergency Oxygen Canister"))
	require.Equal(t, PriorityUrgent, ClassifyMaterialPriority("medical-kit"))
	require.Equal(t, PriorityStandard, ClassifyMaterialPriority("steel-plate"))
}

func TestMaterialTransferStartsAndSettlesAfterDistanceDelay(t *testing.T) {
	r := NewReducer()
	r.SubmitAction(RegisterAgent{AgentID: "a", Position: Position{X: 0, Y: 0, Z: 0}})
	r.SubmitAction(RegisterAgent{AgentID: "b", Position: Position{X: 10, Y: 0, Z: 0}})
	r.Step()

	s := r.Snapshot()
	s.Agents["a"].Balances.Credit(ResourceMaterials, 100)
	r = NewReducerFromState(s)

	r.SubmitAction(MaterialTransfer{FromAgentID: "a", ToAgentID: "b", MaterialKind: "steel", Amount: 50})
	events := r.Step()
	require.Len(t, events, 1)
	de, _ := events[0].AsDomainEvent()
	started, ok := de.(MaterialTransitStarted)
	require.True(t, ok)
	require.Equal(t, int64(10), started.DistanceKm)

	snap := r.Snapshot()
	require.Equal(t, uint64(50), snap.Agents["a"].Balances.Get(ResourceMaterials))
	require.Equal(t, uint64(0), snap.Agents["b"].Balances.Get(ResourceMaterials))

	speed := snap.GameplayPolicy.MaterialTransferSpeedKmPerTick
	ticksNeeded := (started.DistanceKm + speed - 1) / speed

	var delivered bool
	for i := int64(0); i < ticksNeeded; i++ {
		events = r.Step()
	}
	for _, e := range events {
		if de, ok := e.AsDomainEvent(); ok {
			if mt, ok := de.(MaterialTransferred); ok {
				delivered = true
				require.Equal(t, uint64(50), mt.DeliveredAmount)
			}
		}
	}
	require.True(t, delivered)

	snap = r.Snapshot()
	require.Equal(t, uint64(50), snap.Agents["b"].Balances.Get(ResourceMaterials))
}

func TestMaterialTransitQueueCapacityExceeded(t *testing.T) {
	r := NewReducer()
	r.SubmitAction(RegisterAgent{AgentID: "a"})
	r.SubmitAction(RegisterAgent{AgentID: "b"})
	r.Step()

	s := r.Snapshot()
	s.Agents["a"].Balances.Credit(ResourceMaterials, 1_000_000)
	s.MaterialTransitQueue = NewMaterialTransitQueue(1)
	r = NewReducerFromState(s)

	r.SubmitAction(MaterialTransfer{FromAgentID: "a", ToAgentID: "b", MaterialKind: "steel", Amount: 1})
	r.SubmitAction(MaterialTransfer{FromAgentID: "a", ToAgentID: "b", MaterialKind: "steel", Amount: 1})
	events := r.Step()

	require.Len(t, events, 2)
	_, firstOK := events[0].Body.(DomainEventBody)
	require.True(t, firstOK)
	firstEvent, _ := events[0].AsDomainEvent()
	require.Equal(t, "MaterialTransitStarted", firstEvent.Kind())

	secondEvent, _ := events[1].AsDomainEvent()
	rejected, ok := secondEvent.(ActionRejectedEvent)
	require.True(t, ok)
	require.Equal(t, RejectMaterialTransitCapacityExceeded, rejected.Reason.Code)
}

func TestDeliveredAmountAppliesLoss(t *testing.T) {
	tr := &MaterialTransit{Amount: 1000, DistanceKm: 10}
	// lossBps=2 per km, 10km => 20 bps total => 0.2% loss => floor(1000*20/10000) = 2
	require.Equal(t, uint64(998), tr.DeliveredAmount(2))
}
