package kernel

// Action is the closed sum of world-mutating requests a client may submit
// (spec.md §3). Every variant is checked by StructuralValidate before the
// reducer evaluates policy or economics against it (spec.md §4.2 step 1).
type Action interface {
	Kind() string
}

type RegisterAgent struct {
	AgentID  string
	Position Position
}

func (RegisterAgent) Kind() string { return "RegisterAgent" }

type MoveAgent struct {
	AgentID string
	To      Position
}

func (MoveAgent) Kind() string { return "MoveAgent" }

type ResourceTransfer struct {
	FromAgentID string
	ToAgentID   string
	Kind        ResourceKind
	Amount      uint64
}

func (ResourceTransfer) Kind() string { return "ResourceTransfer" }

type MaterialTransfer struct {
	FromAgentID  string
	ToAgentID    string
	MaterialKind string
	Amount       uint64
}

func (MaterialTransfer) Kind() string { return "MaterialTransfer" }

type ScheduleRecipe struct {
	LocationID string
	FactoryID  string
	RecipeID   string
	DurationTicks uint64
}

func (ScheduleRecipe) Kind() string { return "ScheduleRecipe" }

type BuildFactory struct {
	LocationID string
	FactoryID  string
}

func (BuildFactory) Kind() string { return "BuildFactory" }

type OpenEconomicContract struct {
	ContractID       string
	Creator          string
	Counterparty     string
	SettlementKind   ResourceKind
	SettlementAmount uint64
	TaxBps           uint64
	ReputationStake  int64
	ExpiresAtTick    uint64
}

func (OpenEconomicContract) Kind() string { return "OpenEconomicContract" }

type AcceptEconomicContract struct {
	ContractID string
}

func (AcceptEconomicContract) Kind() string { return "AcceptEconomicContract" }

type SettleEconomicContract struct {
	ContractID string
}

func (SettleEconomicContract) Kind() string { return "SettleEconomicContract" }

type FormAlliance struct {
	AllianceID string
	Founders   []string
	MinMembers int
}

func (FormAlliance) Kind() string { return "FormAlliance" }

type JoinAlliance struct {
	AllianceID string
	AgentID    string
}

func (JoinAlliance) Kind() string { return "JoinAlliance" }

type LeaveAlliance struct {
	AllianceID string
	AgentID    string
}

func (LeaveAlliance) Kind() string { return "LeaveAlliance" }

type DissolveAlliance struct {
	AllianceID string
}

func (DissolveAlliance) Kind() string { return "DissolveAlliance" }

type DeclareWar struct {
	WarID     string
	Aggressor string
	Defender  string
	Intensity uint64
}

func (DeclareWar) Kind() string { return "DeclareWar" }

type OpenGovernanceProposal struct {
	ProposalID        string
	Proposer          string
	PassThresholdBps  uint64
	QuorumWeight      uint64
	VotingWindowTicks uint64
	PolicyPatch       map[string]string
}

func (OpenGovernanceProposal) Kind() string { return "OpenGovernanceProposal" }

type CastVote struct {
	ProposalID string
	AgentID    string
	Option     string
	Weight     uint64
}

func (CastVote) Kind() string { return "CastVote" }

type DeployModule struct {
	OwnerAgentID string
	Manifest     *ModuleManifest
}

func (DeployModule) Kind() string { return "DeployModule" }

type InstallModule struct {
	InstanceID    string
	ModuleID      string
	OwnerAgentID  string
	InstallTarget InstallTarget
	TargetID      string
}

func (InstallModule) Kind() string { return "InstallModule" }

type UpgradeModule struct {
	InstanceID string
	ToModuleID string
}

func (UpgradeModule) Kind() string { return "UpgradeModule" }

type ListModuleArtifact struct {
	ArtifactID string
	SellerID   string
	PriceKind  ResourceKind
	Price      uint64
}

func (ListModuleArtifact) Kind() string { return "ListModuleArtifact" }

type BidModuleArtifact struct {
	ArtifactID string
	BidderID   string
	Amount     uint64
}

func (BidModuleArtifact) Kind() string { return "BidModuleArtifact" }

// StructuralValidate performs spec.md §4.2 step 1: cheap, state-shape checks
// that don't require policy or economic reasoning. A non-nil RejectReason
// means the action is rejected without ever reaching step 2; it is never a
// WorldError, since malformed client input is expected traffic.
func StructuralValidate(a Action, s *WorldState) *RejectReason {
	switch act := a.(type) {
	case RegisterAgent:
		if act.AgentID == "" {
			r := ruleDenied("agent id must not be empty")
			return &r
		}
		if _, exists := s.Agents[act.AgentID]; exists {
			r := RejectReason{Code: RejectAgentAlreadyExists, Agent: act.AgentID}
			return &r
		}
		return nil

	case MoveAgent:
		return requireAgent(s, act.AgentID)

	case ResourceTransfer:
		if act.Amount == 0 {
			r := ruleDenied("transfer amount must be nonzero")
			return &r
		}
		if !act.Kind.Valid() {
			r := ruleDenied("unknown resource kind %q", act.Kind)
			return &r
		}
		if r := requireAgent(s, act.FromAgentID); r != nil {
			return r
		}
		return requireAgent(s, act.ToAgentID)

	case MaterialTransfer:
		if act.Amount == 0 {
			r := ruleDenied("material transfer amount must be nonzero")
			return &r
		}
		if r := requireAgent(s, act.FromAgentID); r != nil {
			return r
		}
		return requireAgent(s, act.ToAgentID)

	case ScheduleRecipe:
		return requireLocation(s, act.LocationID)

	case BuildFactory:
		return requireLocation(s, act.LocationID)

	case OpenEconomicContract:
		if act.ContractID == "" {
			r := ruleDenied("contract id must not be empty")
			return &r
		}
		if _, exists := s.EconomicContracts[act.ContractID]; exists {
			r := ruleDenied("contract %q already exists", act.ContractID)
			return &r
		}
		if r := requireAgent(s, act.Creator); r != nil {
			return r
		}
		if r := requireAgent(s, act.Counterparty); r != nil {
			return r
		}
		if act.TaxBps > 10_000 {
			r := ruleDenied("tax bps %d exceeds 10000", act.TaxBps)
			return &r
		}
		return nil

	case AcceptEconomicContract:
		return requireContract(s, act.ContractID)

	case SettleEconomicContract:
		return requireContract(s, act.ContractID)

	case FormAlliance:
		if act.AllianceID == "" {
			r := ruleDenied("alliance id must not be empty")
			return &r
		}
		if _, exists := s.Alliances[act.AllianceID]; exists {
			r := ruleDenied("alliance %q already exists", act.AllianceID)
			return &r
		}
		for _, founder := range act.Founders {
			if r := requireAgent(s, founder); r != nil {
				return r
			}
		}
		return nil

	case JoinAlliance:
		if r := requireAlliance(s, act.AllianceID); r != nil {
			return r
		}
		return requireAgent(s, act.AgentID)

	case LeaveAlliance:
		if r := requireAlliance(s, act.AllianceID); r != nil {
			return r
		}
		return requireAgent(s, act.AgentID)

	case DissolveAlliance:
		return requireAlliance(s, act.AllianceID)

	case DeclareWar:
		if act.WarID == "" {
			r := ruleDenied("war id must not be empty")
			return &r
		}
		if _, exists := s.Wars[act.WarID]; exists {
			r := ruleDenied("war %q already exists", act.WarID)
			return &r
		}
		if act.Aggressor == act.Defender {
			r := ruleDenied("aggressor and defender must differ")
			return &r
		}
		return nil

	case OpenGovernanceProposal:
		if act.ProposalID == "" {
			r := ruleDenied("proposal id must not be empty")
			return &r
		}
		if _, exists := s.GovernanceProposals[act.ProposalID]; exists {
			r := ruleDenied("proposal %q already exists", act.ProposalID)
			return &r
		}
		return requireAgent(s, act.Proposer)

	case CastVote:
		if r := requireProposal(s, act.ProposalID); r != nil {
			return r
		}
		return requireAgent(s, act.AgentID)

	case DeployModule:
		if act.Manifest == nil || act.Manifest.ModuleID == "" {
			r := ruleDenied("module manifest and id are required")
			return &r
		}
		return requireAgent(s, act.OwnerAgentID)

	case InstallModule:
		if _, ok := s.Modules[act.ModuleID]; !ok {
			r := ruleDenied("module %q not deployed", act.ModuleID)
			return &r
		}
		return requireAgent(s, act.OwnerAgentID)

	case UpgradeModule:
		if _, ok := s.ModuleInstances[act.InstanceID]; !ok {
			r := ruleDenied("module instance %q not found", act.InstanceID)
			return &r
		}
		if _, ok := s.Modules[act.ToModuleID]; !ok {
			r := ruleDenied("module %q not deployed", act.ToModuleID)
			return &r
		}
		return nil

	case ListModuleArtifact:
		owner, ok := s.ModuleArtifactOwners[act.ArtifactID]
		if !ok || owner != act.SellerID {
			r := ruleDenied("seller does not own artifact %q", act.ArtifactID)
			return &r
		}
		return nil

	case BidModuleArtifact:
		if act.Amount == 0 {
			r := ruleDenied("bid amount must be nonzero")
			return &r
		}
		listing, ok := s.ModuleArtifactListings[act.ArtifactID]
		if !ok || !listing.Active {
			r := ruleDenied("artifact %q is not listed", act.ArtifactID)
			return &r
		}
		return requireAgent(s, act.BidderID)

	default:
		r := ruleDenied("unrecognized action kind %T", a)
		return &r
	}
}

func requireAgent(s *WorldState, agentID string) *RejectReason {
	if _, ok := s.Agents[agentID]; !ok {
		r := RejectReason{Code: RejectAgentNotFound, Agent: agentID}
		return &r
	}
	return nil
}

func requireLocation(s *WorldState, locationID string) *RejectReason {
	if _, ok := s.Locations[locationID]; !ok {
		r := ruleDenied("location %q not found", locationID)
		return &r
	}
	return nil
}

func requireContract(s *WorldState, contractID string) *RejectReason {
	if _, ok := s.EconomicContracts[contractID]; !ok {
		r := ruleDenied("contract %q not found", contractID)
		return &r
	}
	return nil
}

func requireAlliance(s *WorldState, allianceID string) *RejectReason {
	if _, ok := s.Alliances[allianceID]; !ok {
		r := ruleDenied("alliance %q not found", allianceID)
		return &r
	}
	return nil
}

func requireProposal(s *WorldState, proposalID string) *RejectReason {
	if _, ok := s.GovernanceProposals[proposalID]; !ok {
		r := ruleDenied("proposal %q not found", proposalID)
		return &r
	}
	return nil
}
