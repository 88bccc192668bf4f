package kernel

// WorldState is the full mapping described in spec.md §3: every sub-map key
// is a domain string id, unique within its namespace. The kernel owns this
// structure exclusively; other subsystems only ever see immutable snapshots.
type WorldState struct {
	Time uint64

	Agents    map[string]*AgentCell
	Locations map[string]*LocationCell
	Treasury  Balances

	Alliances map[string]*Alliance
	Wars      map[string]*War

	EconomicContracts map[string]*EconomicContract

	GovernanceProposals map[string]*GovernanceProposal

	Crises map[string]*Crisis

	MetaProgress MetaProgress

	Modules         map[string]*ModuleManifest
	ModuleInstances map[string]*ModuleInstance

	ModuleArtifactOwners   map[string]string
	ModuleArtifactListings map[string]*ModuleArtifactListing
	ModuleArtifactBids     map[string]*ModuleArtifactBid

	MainTokenGenesisBuckets map[string]Balances
	VestingSchedules        map[string]*VestingSchedule

	MaterialTransitQueue *MaterialTransitQueue

	GameplayPolicy GameplayPolicy

	NextEventID uint64
}

// NewWorldState returns an empty, well-formed world state ready for genesis
// registration actions.
func NewWorldState() *WorldState {
	return &WorldState{
		Agents:                  make(map[string]*AgentCell),
		Locations:               make(map[string]*LocationCell),
		Treasury:                make(Balances),
		Alliances:               make(map[string]*Alliance),
		Wars:                    make(map[string]*War),
		EconomicContracts:       make(map[string]*EconomicContract),
		GovernanceProposals:     make(map[string]*GovernanceProposal),
		Crises:                  make(map[string]*Crisis),
		Modules:                 make(map[string]*ModuleManifest),
		ModuleInstances:         make(map[string]*ModuleInstance),
		ModuleArtifactOwners:    make(map[string]string),
		ModuleArtifactListings:  make(map[string]*ModuleArtifactListing),
		ModuleArtifactBids:      make(map[string]*ModuleArtifactBid),
		MainTokenGenesisBuckets: make(map[string]Balances),
		VestingSchedules:        make(map[string]*VestingSchedule),
		MaterialTransitQueue:    NewMaterialTransitQueue(defaultTransitCapacity),
		GameplayPolicy:          DefaultGameplayPolicy(),
	}
}

// MetaProgress tracks world-wide scenario progression counters.
type MetaProgress struct {
	CrisesResolved   uint64
	CrisesTimedOut   uint64
	ProposalsPassed  uint64
	WarsConcluded    uint64
}

// GameplayPolicy is the mutable policy bundle governance can update via
// UpdateGameplayPolicy (spec.md §8 scenario 3).
type GameplayPolicy struct {
	MaxMoveDistancePerTick        int64
	MaterialTransferSpeedKmPerTick int64
	MaterialLossBpsPerKm          uint64
	MaterialTransitCapacity       int
	GovernancePassThresholdBps    uint64
	GovernanceQuorumWeight        uint64
	GovernanceVotingWindowTicks   uint64
}

// DefaultGameplayPolicy returns the initial policy bundle used at genesis.
func DefaultGameplayPolicy() GameplayPolicy {
	return GameplayPolicy{
		MaxMoveDistancePerTick:         25,
		MaterialTransferSpeedKmPerTick: 5,
		MaterialLossBpsPerKm:           2,
		MaterialTransitCapacity:        defaultTransitCapacity,
		GovernancePassThresholdBps:     5000,
		GovernanceQuorumWeight:         100,
		GovernanceVotingWindowTicks:    10,
	}
}

// Clone returns a deep copy of the entire world state, used for the preview
// apply step (spec.md §4.2 step 4: "Preview apply... against a cloned state").
func (w *WorldState) Clone() *WorldState {
	if w == nil {
		return nil
	}
	out := &WorldState{
		Time:         w.Time,
		Treasury:     w.Treasury.Clone(),
		MetaProgress: w.MetaProgress,
		GameplayPolicy: w.GameplayPolicy,
		NextEventID:  w.NextEventID,
	}
	out.Agents = make(map[string]*AgentCell, len(w.Agents))
	for id, a := range w.Agents {
		out.Agents[id] = a.Clone()
	}
	out.Locations = make(map[string]*LocationCell, len(w.Locations))
	for id, l := range w.Locations {
		out.Locations[id] = l.Clone()
	}
	out.Alliances = make(map[string]*Alliance, len(w.Alliances))
	for id, a := range w.Alliances {
		out.Alliances[id] = a.Clone()
	}
	out.Wars = make(map[string]*War, len(w.Wars))
	for id, wr := range w.Wars {
		out.Wars[id] = wr.Clone()
	}
	out.EconomicContracts = make(map[string]*EconomicContract, len(w.EconomicContracts))
	for id, c := range w.EconomicContracts {
		out.EconomicContracts[id] = c.Clone()
	}
	out.GovernanceProposals = make(map[string]*GovernanceProposal, len(w.GovernanceProposals))
	for id, p := range w.GovernanceProposals {
		out.GovernanceProposals[id] = p.Clone()
	}
	out.Crises = make(map[string]*Crisis, len(w.Crises))
	for id, c := range w.Crises {
		out.Crises[id] = c.Clone()
	}
	out.Modules = make(map[string]*ModuleManifest, len(w.Modules))
	for id, m := range w.Modules {
		out.Modules[id] = m.Clone()
	}
	out.ModuleInstances = make(map[string]*ModuleInstance, len(w.ModuleInstances))
	for id, inst := range w.ModuleInstances {
		out.ModuleInstances[id] = inst.Clone()
	}
	out.ModuleArtifactOwners = make(map[string]string, len(w.ModuleArtifactOwners))
	for id, owner := range w.ModuleArtifactOwners {
		out.ModuleArtifactOwners[id] = owner
	}
	out.ModuleArtifactListings = make(map[string]*ModuleArtifactListing, len(w.ModuleArtifactListings))
	for id, l := range w.ModuleArtifactListings {
		cp := *l
		out.ModuleArtifactListings[id] = &cp
	}
	out.ModuleArtifactBids = make(map[string]*ModuleArtifactBid, len(w.ModuleArtifactBids))
	for id, b := range w.ModuleArtifactBids {
		cp := *b
		out.ModuleArtifactBids[id] = &cp
	}
	out.MainTokenGenesisBuckets = make(map[string]Balances, len(w.MainTokenGenesisBuckets))
	for id, b := range w.MainTokenGenesisBuckets {
		out.MainTokenGenesisBuckets[id] = b.Clone()
	}
	out.VestingSchedules = make(map[string]*VestingSchedule, len(w.VestingSchedules))
	for id, v := range w.VestingSchedules {
		cp := *v
		out.VestingSchedules[id] = &cp
	}
	out.MaterialTransitQueue = w.MaterialTransitQueue.Clone()
	return out
}
