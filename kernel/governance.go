package kernel

// GovernanceProposalStatus is the lifecycle state of a proposal (spec.md §3,
// §4.2 state machines): Open -> Passed | Rejected.
type GovernanceProposalStatus string

const (
	ProposalOpen     GovernanceProposalStatus = "Open"
	ProposalPassed   GovernanceProposalStatus = "Passed"
	ProposalRejected GovernanceProposalStatus = "Rejected"
)

// maxVoteWeight caps an individual agent's governance vote weight (spec.md
// §4.2: "each agent's weight is capped at 100").
const maxVoteWeight = 100

// GovernanceVote is a single agent's current ballot on a proposal. Recasting
// a vote replaces the prior one outright rather than accumulating.
type GovernanceVote struct {
	Option string
	Weight uint64
}

// GovernanceProposal is a votable policy-change proposal.
type GovernanceProposal struct {
	ID                string
	Proposer          string
	OpenedAtTick      uint64
	VotingWindowTicks uint64
	PassThresholdBps  uint64
	QuorumWeight      uint64
	Status            GovernanceProposalStatus
	Votes             map[string]GovernanceVote // agent id -> current ballot
	OptionWeights     map[string]uint64         // option -> accumulated weight
	PolicyPatch       map[string]string
}

// Clone returns a deep copy of the proposal.
func (p *GovernanceProposal) Clone() *GovernanceProposal {
	if p == nil {
		return nil
	}
	votes := make(map[string]GovernanceVote, len(p.Votes))
	for k, v := range p.Votes {
		votes[k] = v
	}
	options := make(map[string]uint64, len(p.OptionWeights))
	for k, v := range p.OptionWeights {
		options[k] = v
	}
	patch := make(map[string]string, len(p.PolicyPatch))
	for k, v := range p.PolicyPatch {
		patch[k] = v
	}
	return &GovernanceProposal{
		ID:                p.ID,
		Proposer:          p.Proposer,
		OpenedAtTick:      p.OpenedAtTick,
		VotingWindowTicks: p.VotingWindowTicks,
		PassThresholdBps:  p.PassThresholdBps,
		QuorumWeight:      p.QuorumWeight,
		Status:            p.Status,
		Votes:             votes,
		OptionWeights:     options,
		PolicyPatch:       patch,
	}
}

// WindowElapsed reports whether the voting window has closed as of now.
func (p *GovernanceProposal) WindowElapsed(now uint64) bool {
	return now >= p.OpenedAtTick+p.VotingWindowTicks
}

// TotalWeight sums every option's accumulated weight.
func (p *GovernanceProposal) TotalWeight() uint64 {
	var total uint64
	for _, w := range p.OptionWeights {
		total += w
	}
	return total
}

// MaxOptionWeight returns the single highest-weighted option.
func (p *GovernanceProposal) MaxOptionWeight() uint64 {
	var max uint64
	for _, w := range p.OptionWeights {
		if w > max {
			max = w
		}
	}
	return max
}

// Passes evaluates the pass rule of spec.md §4.2:
// max_option_weight * 10_000 >= total_weight * pass_threshold_bps AND
// total_weight >= quorum_weight.
func (p *GovernanceProposal) Passes() bool {
	total := p.TotalWeight()
	if total < p.QuorumWeight {
		return false
	}
	return p.MaxOptionWeight()*10_000 >= total*p.PassThresholdBps
}

// clampWeight caps a requested vote weight at maxVoteWeight.
func clampWeight(weight uint64) uint64 {
	if weight > maxVoteWeight {
		return maxVoteWeight
	}
	return weight
}
