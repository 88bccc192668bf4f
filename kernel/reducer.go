package kernel

import "fmt"

// ActionID identifies a submitted action within a single reducer instance's
// lifetime (spec.md §4.2: "submit_action(action) -> ActionId").
type ActionID uint64

type pendingAction struct {
	id     ActionID
	action Action
}

// Reducer is the deterministic world-state transformer (spec.md §4.2,
// component C2). It owns the live WorldState and the append-only Event
// journal, and applies the five-step algorithm once per step(): structural
// validation, policy evaluation, economic evaluation, preview apply against a
// clone, commit-or-reject.
type Reducer struct {
	state   *WorldState
	journal []Event
	queue   []pendingAction
	nextID  ActionID
}

// NewReducer returns a Reducer seeded with a fresh genesis WorldState.
func NewReducer() *Reducer {
	return &Reducer{state: NewWorldState()}
}

// NewReducerFromState returns a Reducer resuming from an already-materialized
// WorldState, e.g. after loading a snapshot from the content-addressed store.
func NewReducerFromState(s *WorldState) *Reducer {
	if s == nil {
		s = NewWorldState()
	}
	return &Reducer{state: s}
}

// SubmitAction enqueues an action for evaluation on the next Step and returns
// its assigned ActionID (spec.md §4.2).
func (r *Reducer) SubmitAction(a Action) ActionID {
	r.nextID++
	id := r.nextID
	r.queue = append(r.queue, pendingAction{id: id, action: a})
	return id
}

// Snapshot returns a deep copy of the current world state, safe for callers
// to retain and mutate independently of the reducer.
func (r *Reducer) Snapshot() *WorldState {
	return r.state.Clone()
}

// Journal returns every event appended so far, oldest first.
func (r *Reducer) Journal() []Event {
	out := make([]Event, len(r.journal))
	copy(out, r.journal)
	return out
}

// Time returns the reducer's current tick.
func (r *Reducer) Time() uint64 {
	return r.state.Time
}

func (r *Reducer) nextEventID() uint64 {
	r.state.NextEventID++
	return r.state.NextEventID
}

func (r *Reducer) emit(causedBy ActionID, body EventBody) Event {
	e := Event{
		ID:       r.nextEventID(),
		Time:     r.state.Time,
		CausedBy: uint64(causedBy),
		Body:     body,
	}
	r.journal = append(r.journal, e)
	return e
}

func (r *Reducer) emitDomain(causedBy ActionID, de DomainEvent) Event {
	return r.emit(causedBy, DomainEventBody{Event: de})
}

func (r *Reducer) reject(causedBy ActionID, reason RejectReason) {
	r.emitDomain(causedBy, ActionRejectedEvent{ActionID: uint64(causedBy), Reason: reason})
}

// Step advances the world by one tick: every queued action is evaluated
// exactly once, in submission order, against the five-step algorithm, then
// tick-driven lifecycle hooks run once against the resulting state (spec.md
// §4.2). Step never calls into module sandboxes; use StepWithModules for
// that. Step panics only on a WorldError, signalling state corruption that
// must halt the process rather than reject a single action.
func (r *Reducer) Step() []Event {
	return r.StepWithModules(nil)
}

// ModuleDispatcher is the seam module sandbox dispatch hooks through
// (spec.md §4.3, component C3). A nil dispatcher means no module stages run.
// Each stage returns EventBody values rather than assembled Events: the
// reducer owns event ID/time assignment so module-produced journal entries
// slot into the same monotonic sequence as domain events. DispatchPreAction's
// denied return short-circuits the action: a Pure-kind policy hook has
// refused it, and the bodies it returns already include the
// ModuleCallFailed{code: PolicyDenied} record (spec.md §4.3).
type ModuleDispatcher interface {
	DispatchPreAction(s *WorldState, a Action) (bodies []EventBody, denied bool)
	DispatchPostEvent(s *WorldState, e Event) []EventBody
	DispatchTick(s *WorldState, now uint64) []EventBody
}

// StepWithModules is Step, but also runs the PreAction/PostEvent/Tick module
// subscription stages around the core algorithm (spec.md §4.3).
func (r *Reducer) StepWithModules(modules ModuleDispatcher) []Event {
	start := len(r.journal)
	pending := r.queue
	r.queue = nil

	for _, pa := range pending {
		r.applyOne(pa.id, pa.action, modules)
	}

	r.runTickHooks(modules)

	r.state.Time++

	if modules != nil {
		for _, body := range modules.DispatchTick(r.state, r.state.Time) {
			r.emit(0, body)
		}
	}

	return append([]Event(nil), r.journal[start:]...)
}

// applyOne runs the five-step algorithm for a single action (spec.md §4.2).
func (r *Reducer) applyOne(id ActionID, a Action, modules ModuleDispatcher) {
	if modules != nil {
		bodies, denied := modules.DispatchPreAction(r.state, a)
		for _, body := range bodies {
			r.emit(id, body)
		}
		if denied {
			return
		}
	}

	// Step 1: structural validation.
	if reason := StructuralValidate(a, r.state); reason != nil {
		r.reject(id, *reason)
		return
	}

	// Step 2: policy evaluation.
	if reason := r.evaluatePolicy(a); reason != nil {
		r.reject(id, *reason)
		return
	}

	// Step 3 + 4: economic evaluation and preview apply, against a clone so a
	// late rejection never touches the live state (spec.md §4.2 step 4).
	preview := r.state.Clone()
	pendingEvents, reason := applyToState(preview, id, preview.Time, a)
	if reason != nil {
		r.reject(id, *reason)
		return
	}

	// Step 5: commit. The preview becomes the live state and its events join
	// the journal in the order they were produced.
	r.state = preview
	for _, de := range pendingEvents {
		e := r.emitDomain(id, de)
		if modules != nil {
			for _, body := range modules.DispatchPostEvent(r.state, e) {
				r.emit(id, body)
			}
		}
	}
}

// evaluatePolicy is step 2: cheap, non-economic rule checks that depend on
// live policy/state shape (movement budget, thermal headroom, alliance
// minimums) but not on resource balances.
func (r *Reducer) evaluatePolicy(a Action) *RejectReason {
	switch act := a.(type) {
	case MoveAgent:
		agent := r.state.Agents[act.AgentID]
		dist := agent.Position.DistanceTo(act.To)
		if dist > r.state.GameplayPolicy.MaxMoveDistancePerTick {
			reason := RejectReason{Code: RejectMoveDistanceExceeded, Agent: act.AgentID}
			return &reason
		}
		return nil

	case MaterialTransfer:
		from := r.state.Agents[act.FromAgentID]
		to := r.state.Agents[act.ToAgentID]
		dist := from.Position.DistanceTo(to.Position)
		maxDist := r.state.GameplayPolicy.MaterialTransferSpeedKmPerTick * int64(r.state.MaterialTransitQueue.capacity)
		if maxDist > 0 && dist > maxDist {
			reason := RejectReason{Code: RejectMaterialTransferDistanceExceeded, Agent: act.FromAgentID}
			return &reason
		}
		return nil

	case LeaveAlliance:
		alliance := r.state.Alliances[act.AllianceID]
		if _, isMember := alliance.Members[act.AgentID]; !isMember {
			reason := ruleDenied("agent %q is not a member of alliance %q", act.AgentID, act.AllianceID)
			return &reason
		}
		if alliance.MemberCount()-1 < alliance.MinMembers {
			reason := ruleDenied("alliance %q would fall below minimum membership", act.AllianceID)
			return &reason
		}
		return nil

	case DissolveAlliance:
		alliance := r.state.Alliances[act.AllianceID]
		for _, war := range r.state.Wars {
			if war.Status == WarActive && war.referencesAlliance(alliance.ID) {
				reason := ruleDenied("alliance %q is referenced by an active war", act.AllianceID)
				return &reason
			}
		}
		return nil

	case AcceptEconomicContract:
		c := r.state.EconomicContracts[act.ContractID]
		if c.Status != ContractOpen {
			reason := ruleDenied("contract %q is not open", act.ContractID)
			return &reason
		}
		return nil

	case SettleEconomicContract:
		c := r.state.EconomicContracts[act.ContractID]
		if c.Status != ContractAccepted {
			reason := ruleDenied("contract %q is not accepted", act.ContractID)
			return &reason
		}
		return nil

	case CastVote:
		p := r.state.GovernanceProposals[act.ProposalID]
		if p.Status != ProposalOpen {
			reason := ruleDenied("proposal %q is not open", act.ProposalID)
			return &reason
		}
		if p.WindowElapsed(r.state.Time) {
			reason := ruleDenied("proposal %q voting window has elapsed", act.ProposalID)
			return &reason
		}
		return nil

	case InstallModule:
		manifest := r.state.Modules[act.ModuleID]
		if manifest.Role != ModuleRoleDomain && manifest.Role != ModuleRoleRule {
			reason := ruleDenied("module %q has no installable role", act.ModuleID)
			return &reason
		}
		return nil

	case UpgradeModule:
		inst := r.state.ModuleInstances[act.InstanceID]
		current := r.state.Modules[inst.ModuleID]
		next := r.state.Modules[act.ToModuleID]
		if !UpgradeCompatible(current, next) {
			reason := ruleDenied("module %q is not upgrade-compatible with instance %q", act.ToModuleID, act.InstanceID)
			return &reason
		}
		return nil

	default:
		return nil
	}
}

// applyToState is step 3 + 4: it performs economic evaluation and, if it
// passes, mutates the preview state directly, returning the domain events
// produced. A non-nil RejectReason means the action is fully rejected and
// preview must be discarded by the caller.
func applyToState(s *WorldState, id ActionID, now uint64, a Action) ([]DomainEvent, *RejectReason) {
	switch act := a.(type) {
	case RegisterAgent:
		s.Agents[act.AgentID] = &AgentCell{
			ID:           act.AgentID,
			Position:     act.Position,
			Balances:     make(Balances),
			Capabilities: make(map[string]struct{}),
			LastActive:   now,
		}
		return []DomainEvent{AgentRegistered{AgentID: act.AgentID, Position: act.Position}}, nil

	case MoveAgent:
		agent := s.Agents[act.AgentID]
		from := agent.Position
		agent.Position = act.To
		agent.LastActive = now
		return []DomainEvent{AgentMoved{AgentID: act.AgentID, From: from, To: act.To}}, nil

	case ResourceTransfer:
		from := s.Agents[act.FromAgentID]
		to := s.Agents[act.ToAgentID]
		if !from.Balances.CanDebit(act.Kind, act.Amount) {
			reason := insufficientResource(act.FromAgentID, act.Kind, act.Amount, from.Balances.Get(act.Kind))
			return nil, &reason
		}
		from.Balances.Debit(act.Kind, act.Amount)
		to.Balances.Credit(act.Kind, act.Amount)
		return []DomainEvent{ResourceTransferred{
			FromAgentID:  act.FromAgentID,
			ToAgentID:    act.ToAgentID,
			ResourceKind: act.Kind,
			Amount:       act.Amount,
		}}, nil

	case MaterialTransfer:
		from := s.Agents[act.FromAgentID]
		to := s.Agents[act.ToAgentID]
		if !from.Balances.CanDebit(ResourceMaterials, act.Amount) {
			reason := insufficientResource(act.FromAgentID, ResourceMaterials, act.Amount, from.Balances.Get(ResourceMaterials))
			return nil, &reason
		}
		if s.MaterialTransitQueue.Len() >= s.MaterialTransitQueue.capacity {
			reason := RejectReason{Code: RejectMaterialTransitCapacityExceeded}
			return nil, &reason
		}
		from.Balances.Debit(ResourceMaterials, act.Amount)
		dist := from.Position.DistanceTo(to.Position)
		priority := ClassifyMaterialPriority(act.MaterialKind)
		readyAt := ReadyAtTick(now, dist, s.GameplayPolicy.MaterialTransferSpeedKmPerTick)
		transitID := fmtID("transit", s.NextEventID+1)
		transit := &MaterialTransit{
			ID:           transitID,
			FromAgentID:  act.FromAgentID,
			ToAgentID:    act.ToAgentID,
			MaterialKind: act.MaterialKind,
			Amount:       act.Amount,
			DistanceKm:   dist,
			Priority:     priority,
			ReadyAtTick:  readyAt,
			EnqueuedTick: now,
		}
		s.MaterialTransitQueue.Enqueue(transit)
		return []DomainEvent{MaterialTransitStarted{
			TransitID:    transitID,
			FromAgentID:  act.FromAgentID,
			ToAgentID:    act.ToAgentID,
			MaterialKind: act.MaterialKind,
			Amount:       act.Amount,
			DistanceKm:   dist,
			Priority:     priority,
			ReadyAtTick:  readyAt,
		}}, nil

	case ScheduleRecipe:
		loc := s.Locations[act.LocationID]
		factory, ok := loc.Factories[act.FactoryID]
		if !ok {
			reason := ruleDenied("factory %q not found at location %q", act.FactoryID, act.LocationID)
			return nil, &reason
		}
		if loc.Thermal.Overloaded(act.DurationTicks) {
			reason := RejectReason{Code: RejectThermalOverload}
			return nil, &reason
		}
		factory.RecipeID = act.RecipeID
		factory.Scheduled = true
		factory.ReadyAtTick = now + act.DurationTicks
		loc.Thermal.Load += act.DurationTicks
		return []DomainEvent{RecipeScheduled{
			LocationID:  act.LocationID,
			FactoryID:   act.FactoryID,
			RecipeID:    act.RecipeID,
			ReadyAtTick: factory.ReadyAtTick,
		}}, nil

	case BuildFactory:
		loc := s.Locations[act.LocationID]
		if _, exists := loc.Factories[act.FactoryID]; exists {
			reason := ruleDenied("factory %q already exists at location %q", act.FactoryID, act.LocationID)
			return nil, &reason
		}
		loc.Factories[act.FactoryID] = &Factory{ID: act.FactoryID}
		return []DomainEvent{FactoryBuilt{LocationID: act.LocationID, FactoryID: act.FactoryID}}, nil

	case OpenEconomicContract:
		s.EconomicContracts[act.ContractID] = &EconomicContract{
			ID:               act.ContractID,
			Creator:          act.Creator,
			Counterparty:     act.Counterparty,
			SettlementKind:   act.SettlementKind,
			SettlementAmount: act.SettlementAmount,
			TaxBps:           act.TaxBps,
			ReputationStake:  act.ReputationStake,
			Status:           ContractOpen,
			OpenedAtTick:     now,
			ExpiresAtTick:    act.ExpiresAtTick,
		}
		return []DomainEvent{EconomicContractOpened{
			ContractID:   act.ContractID,
			Creator:      act.Creator,
			Counterparty: act.Counterparty,
		}}, nil

	case AcceptEconomicContract:
		c := s.EconomicContracts[act.ContractID]
		c.Status = ContractAccepted
		return []DomainEvent{EconomicContractAccepted{ContractID: c.ID}}, nil

	case SettleEconomicContract:
		c := s.EconomicContracts[act.ContractID]
		creator := s.Agents[c.Creator]
		counterparty := s.Agents[c.Counterparty]
		total := c.TotalDebit()
		if !creator.Balances.CanDebit(c.SettlementKind, total) {
			reason := insufficientResource(c.Creator, c.SettlementKind, total, creator.Balances.Get(c.SettlementKind))
			return nil, &reason
		}
		tax := c.TaxAmount()
		creator.Balances.Debit(c.SettlementKind, total)
		counterparty.Balances.Credit(c.SettlementKind, c.SettlementAmount)
		s.Treasury.Credit(c.SettlementKind, tax)
		creator.Reputation += c.ReputationStake
		counterparty.Reputation += c.ReputationStake
		c.Status = ContractSettled
		return []DomainEvent{EconomicContractSettled{
			ContractID:           c.ID,
			TransferAmount:       c.SettlementAmount,
			TaxAmount:            tax,
			CreatorRepDelta:      c.ReputationStake,
			CounterpartyRepDelta: c.ReputationStake,
		}}, nil

	case FormAlliance:
		members := make(map[string]struct{}, len(act.Founders))
		for _, f := range act.Founders {
			members[f] = struct{}{}
		}
		s.Alliances[act.AllianceID] = &Alliance{
			ID:          act.AllianceID,
			Members:     members,
			MinMembers:  act.MinMembers,
			CreatedTick: now,
		}
		return []DomainEvent{AllianceFormed{AllianceID: act.AllianceID, Founders: act.Founders}}, nil

	case JoinAlliance:
		alliance := s.Alliances[act.AllianceID]
		alliance.Members[act.AgentID] = struct{}{}
		return []DomainEvent{AllianceMemberJoined{AllianceID: act.AllianceID, AgentID: act.AgentID}}, nil

	case LeaveAlliance:
		alliance := s.Alliances[act.AllianceID]
		delete(alliance.Members, act.AgentID)
		return []DomainEvent{AllianceMemberLeft{AllianceID: act.AllianceID, AgentID: act.AgentID}}, nil

	case DissolveAlliance:
		delete(s.Alliances, act.AllianceID)
		return []DomainEvent{AllianceDissolved{AllianceID: act.AllianceID}}, nil

	case DeclareWar:
		intensity := act.Intensity
		aggressorAlliance := s.Alliances[act.Aggressor]
		if aggressorAlliance == nil {
			reason := ruleDenied("aggressor alliance %q not found", act.Aggressor)
			return nil, &reason
		}
		s.Wars[act.WarID] = &War{
			ID:                act.WarID,
			Aggressor:         act.Aggressor,
			Defender:          act.Defender,
			Intensity:         intensity,
			MaxDurationTicks:  WarMaxDuration(intensity),
			DeclaredAtTick:    now,
			Status:            WarActive,
			ParticipantDeltas: map[string]ParticipantOutcome{},
		}
		return []DomainEvent{WarDeclared{
			WarID:     act.WarID,
			Aggressor: act.Aggressor,
			Defender:  act.Defender,
			Intensity: intensity,
		}}, nil

	case OpenGovernanceProposal:
		s.GovernanceProposals[act.ProposalID] = &GovernanceProposal{
			ID:                act.ProposalID,
			Proposer:          act.Proposer,
			OpenedAtTick:      now,
			VotingWindowTicks: act.VotingWindowTicks,
			PassThresholdBps:  act.PassThresholdBps,
			QuorumWeight:      act.QuorumWeight,
			Status:            ProposalOpen,
			Votes:             make(map[string]GovernanceVote),
			OptionWeights:     make(map[string]uint64),
			PolicyPatch:       act.PolicyPatch,
		}
		return []DomainEvent{GovernanceProposalOpened{ProposalID: act.ProposalID, Proposer: act.Proposer}}, nil

	case CastVote:
		p := s.GovernanceProposals[act.ProposalID]
		weight := clampWeight(act.Weight)
		if prior, voted := p.Votes[act.AgentID]; voted {
			p.OptionWeights[prior.Option] -= prior.Weight
		}
		p.Votes[act.AgentID] = GovernanceVote{Option: act.Option, Weight: weight}
		p.OptionWeights[act.Option] += weight
		return []DomainEvent{GovernanceVoteCast{
			ProposalID: act.ProposalID,
			AgentID:    act.AgentID,
			Option:     act.Option,
			Weight:     weight,
		}}, nil

	case DeployModule:
		manifest := act.Manifest.Clone()
		s.Modules[manifest.ModuleID] = manifest
		s.ModuleArtifactOwners[manifest.ArtifactIdentity] = act.OwnerAgentID
		fee := manifest.DeployFee()
		owner := s.Agents[act.OwnerAgentID]
		if !owner.Balances.CanDebit(ResourceElectricity, fee) {
			reason := insufficientResource(act.OwnerAgentID, ResourceElectricity, fee, owner.Balances.Get(ResourceElectricity))
			return nil, &reason
		}
		owner.Balances.Debit(ResourceElectricity, fee)
		s.Treasury.Credit(ResourceElectricity, fee)
		return []DomainEvent{ModuleArtifactDeployed{
			ModuleID: manifest.ModuleID,
			Version:  manifest.Version,
			WASMHash: manifest.WASMHash,
			OwnerID:  act.OwnerAgentID,
			Fee:      fee,
		}}, nil

	case InstallModule:
		manifest := s.Modules[act.ModuleID]
		fee := manifest.DeployFee()
		owner := s.Agents[act.OwnerAgentID]
		if !owner.Balances.CanDebit(ResourceElectricity, fee) {
			reason := insufficientResource(act.OwnerAgentID, ResourceElectricity, fee, owner.Balances.Get(ResourceElectricity))
			return nil, &reason
		}
		owner.Balances.Debit(ResourceElectricity, fee)
		s.Treasury.Credit(ResourceElectricity, fee)
		s.ModuleInstances[act.InstanceID] = &ModuleInstance{
			InstanceID:    act.InstanceID,
			ModuleID:      act.ModuleID,
			ModuleVersion: manifest.Version,
			WASMHash:      manifest.WASMHash,
			InstallTarget: act.InstallTarget,
			TargetID:      act.TargetID,
			OwnerAgentID:  act.OwnerAgentID,
			Active:        true,
		}
		return []DomainEvent{ModuleInstalled{
			InstanceID:    act.InstanceID,
			ModuleID:      act.ModuleID,
			ModuleVersion: manifest.Version,
			InstallTarget: act.InstallTarget,
			TargetID:      act.TargetID,
			OwnerAgentID:  act.OwnerAgentID,
			Fee:           fee,
		}}, nil

	case UpgradeModule:
		inst := s.ModuleInstances[act.InstanceID]
		next := s.Modules[act.ToModuleID]
		fee := next.DeployFee()
		owner := s.Agents[inst.OwnerAgentID]
		if !owner.Balances.CanDebit(ResourceElectricity, fee) {
			reason := insufficientResource(inst.OwnerAgentID, ResourceElectricity, fee, owner.Balances.Get(ResourceElectricity))
			return nil, &reason
		}
		owner.Balances.Debit(ResourceElectricity, fee)
		s.Treasury.Credit(ResourceElectricity, fee)
		fromVersion := inst.ModuleVersion
		inst.ModuleID = next.ModuleID
		inst.ModuleVersion = next.Version
		inst.WASMHash = next.WASMHash
		return []DomainEvent{ModuleUpgraded{
			InstanceID:  act.InstanceID,
			FromVersion: fromVersion,
			ToVersion:   next.Version,
			Fee:         fee,
		}}, nil

	case ListModuleArtifact:
		s.ModuleArtifactListings[act.ArtifactID] = &ModuleArtifactListing{
			ArtifactID: act.ArtifactID,
			SellerID:   act.SellerID,
			PriceKind:  act.PriceKind,
			Price:      act.Price,
			Active:     true,
		}
		return []DomainEvent{ModuleArtifactListed{
			ArtifactID: act.ArtifactID,
			SellerID:   act.SellerID,
			PriceKind:  act.PriceKind,
			Price:      act.Price,
		}}, nil

	case BidModuleArtifact:
		s.ModuleArtifactBids[act.ArtifactID] = &ModuleArtifactBid{
			ArtifactID: act.ArtifactID,
			BidderID:   act.BidderID,
			Amount:     act.Amount,
			PlacedTick: now,
		}
		return []DomainEvent{ModuleArtifactBidPlaced{
			ArtifactID: act.ArtifactID,
			BidderID:   act.BidderID,
			Amount:     act.Amount,
		}}, nil

	default:
		panic(&WorldError{Reason: fmt.Sprintf("unhandled action kind %T reached apply stage", a)})
	}
}

// runTickHooks applies the tick-driven lifecycle rules once per Step: transit
// settlement, vesting release, war auto-conclude, governance proposal close
// and crisis time-out. No crisis is spawned here. Hooks run directly against
// the live state:
// by this point every submitted action has already committed or been
// rejected, so there is nothing left to preview.
func (r *Reducer) runTickHooks(modules ModuleDispatcher) {
	now := r.state.Time
	r.settleMaterialTransits(now)
	r.releaseVesting(now)
	r.concludeWars(now)
	r.closeGovernanceProposals(now)
	r.expireCrises(now)
}

func (r *Reducer) settleMaterialTransits(now uint64) {
	for _, t := range r.state.MaterialTransitQueue.DrainReady(now) {
		to, ok := r.state.Agents[t.ToAgentID]
		if !ok {
			continue
		}
		delivered := t.DeliveredAmount(r.state.GameplayPolicy.MaterialLossBpsPerKm)
		to.Balances.Credit(ResourceMaterials, delivered)
		r.emitDomain(0, MaterialTransferred{
			TransitID:       t.ID,
			FromAgentID:     t.FromAgentID,
			ToAgentID:       t.ToAgentID,
			MaterialKind:    t.MaterialKind,
			DeliveredAmount: delivered,
		})
	}
}

func (r *Reducer) releaseVesting(now uint64) {
	for _, v := range r.state.VestingSchedules {
		pending := v.PendingRelease(now)
		if pending == 0 {
			continue
		}
		bucket := r.state.MainTokenGenesisBuckets[v.BucketID]
		if bucket == nil || !bucket.CanDebit(ResourceMainToken, pending) {
			continue
		}
		beneficiary, ok := r.state.Agents[v.BeneficiaryID]
		if !ok {
			continue
		}
		bucket.Debit(ResourceMainToken, pending)
		beneficiary.Balances.Credit(ResourceMainToken, pending)
		v.ReleasedAmount += pending
		r.emitDomain(0, MainTokenTreasuryDistributed{
			BucketID: v.BucketID,
			AgentID:  v.BeneficiaryID,
			Amount:   pending,
		})
	}
}

func (r *Reducer) concludeWars(now uint64) {
	for _, w := range r.state.Wars {
		if w.Status != WarActive {
			continue
		}
		if now < w.DeclaredAtTick+w.MaxDurationTicks {
			continue
		}
		w.Status = WarConcluded
		r.state.MetaProgress.WarsConcluded++
		r.emitDomain(0, WarConcludedEvent{WarID: w.ID, Deltas: w.ParticipantDeltas})
	}
}

func (r *Reducer) closeGovernanceProposals(now uint64) {
	for _, p := range r.state.GovernanceProposals {
		if p.Status != ProposalOpen {
			continue
		}
		if !p.WindowElapsed(now) {
			continue
		}
		if p.Passes() {
			p.Status = ProposalPassed
			r.state.MetaProgress.ProposalsPassed++
			applyPolicyPatch(&r.state.GameplayPolicy, p.PolicyPatch)
			r.emitDomain(0, GovernanceProposalPassed{ProposalID: p.ID})
			if len(p.PolicyPatch) > 0 {
				r.emitDomain(0, GameplayPolicyUpdated{ProposalID: p.ID, Patch: p.PolicyPatch})
			}
		} else {
			p.Status = ProposalRejected
			r.emitDomain(0, GovernanceProposalRejected{ProposalID: p.ID})
		}
	}
}

func (r *Reducer) expireCrises(now uint64) {
	for _, c := range r.state.Crises {
		if c.Status != CrisisActive {
			continue
		}
		if !c.Expired(now) {
			continue
		}
		c.Status = CrisisTimedOut
		r.state.MetaProgress.CrisesTimedOut++
		r.emitDomain(0, CrisisTimedOutEvent{CrisisID: c.ID})
	}
}

// applyPolicyPatch merges a governance-approved patch into the live gameplay
// policy bundle (spec.md §8 scenario 3). Unrecognized keys are ignored
// rather than rejected, since the patch was already accepted by vote.
func applyPolicyPatch(policy *GameplayPolicy, patch map[string]string) {
	for k, v := range patch {
		switch k {
		case "max_move_distance_per_tick":
			if n, ok := parseInt64(v); ok {
				policy.MaxMoveDistancePerTick = n
			}
		case "material_transfer_speed_km_per_tick":
			if n, ok := parseInt64(v); ok {
				policy.MaterialTransferSpeedKmPerTick = n
			}
		case "material_loss_bps_per_km":
			if n, ok := parseUint64(v); ok {
				policy.MaterialLossBpsPerKm = n
			}
		case "material_transit_capacity":
			if n, ok := parseUint64(v); ok {
				policy.MaterialTransitCapacity = int(n)
			}
		case "governance_pass_threshold_bps":
			if n, ok := parseUint64(v); ok {
				policy.GovernancePassThresholdBps = n
			}
		case "governance_quorum_weight":
			if n, ok := parseUint64(v); ok {
				policy.GovernanceQuorumWeight = n
			}
		case "governance_voting_window_ticks":
			if n, ok := parseUint64(v); ok {
				policy.GovernanceVotingWindowTicks = n
			}
		}
	}
}

func parseInt64(s string) (int64, bool) {
	var n int64
	var neg bool
	if s == "" {
		return 0, false
	}
	for i, c := range s {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n, true
}

func parseUint64(s string) (uint64, bool) {
	var n uint64
	if s == "" {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + uint64(c-'0')
	}
	return n, true
}
