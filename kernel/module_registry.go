package kernel

// ModuleKind distinguishes modules that mutate state from pure policy hooks
// (spec.md §3 module manifest).
type ModuleKind string

const (
	ModuleKindReducer ModuleKind = "Reducer"
	ModuleKindPure    ModuleKind = "Pure"
)

// ModuleRole further classifies a module's place in the dispatch pipeline.
type ModuleRole string

const (
	ModuleRoleDomain ModuleRole = "Domain"
	ModuleRoleRule   ModuleRole = "Rule"
)

// SubscriptionStage names a reducer hook point (spec.md §4.3, glossary).
type SubscriptionStage string

const (
	StagePreAction SubscriptionStage = "PreAction"
	StagePostEvent SubscriptionStage = "PostEvent"
	StageTick      SubscriptionStage = "Tick"
)

// Subscription declares which events/actions a module wants to observe at a
// given stage, optionally filtered.
type Subscription struct {
	EventKinds  []string
	ActionKinds []string
	Stage       SubscriptionStage
	Filters     map[string]string
}

// ABIContract pins the schema/version surface a module exposes; two manifests
// are upgrade-compatible only if these match exactly (spec.md §4.3).
type ABIContract struct {
	ABIVersion   string
	InputSchema  string
	OutputSchema string
}

// ModuleLimits bounds a single sandbox invocation (spec.md §4.3).
type ModuleLimits struct {
	MaxMemBytes  uint64
	MaxGas       uint64
	MaxCallRate  uint64
	MaxOutputBytes uint64
	MaxEffects   uint64
	MaxEmits     uint64
}

// ModuleManifest is the installable description of a WASM module (spec.md §3).
type ModuleManifest struct {
	ModuleID         string
	Version          uint64
	Kind             ModuleKind
	Role             ModuleRole
	WASMHash         string
	InterfaceVersion string
	Exports          map[string]struct{}
	Subscriptions    []Subscription
	RequiredCaps     map[string]struct{}
	ABIContract      ABIContract
	ArtifactIdentity string
	Limits           ModuleLimits
	PolicyHooks      map[string]struct{}
	CapSlots         map[string]struct{}
	ArtifactSizeBytes uint64
}

// Clone returns a deep copy of the manifest.
func (m *ModuleManifest) Clone() *ModuleManifest {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Exports = cloneSet(m.Exports)
	cp.RequiredCaps = cloneSet(m.RequiredCaps)
	cp.PolicyHooks = cloneSet(m.PolicyHooks)
	cp.CapSlots = cloneSet(m.CapSlots)
	cp.Subscriptions = append([]Subscription(nil), m.Subscriptions...)
	return &cp
}

func cloneSet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

// isSupersetOf reports whether m's capability surface is a superset of
// prior's, the rule enforced on upgrade (spec.md §4.3).
func isSupersetOf(super, sub map[string]struct{}) bool {
	for k := range sub {
		if _, ok := super[k]; !ok {
			return false
		}
	}
	return true
}

// subscriptionsSupersetOf reports whether every subscription in prior has an
// equal-or-broader match in next.
func subscriptionsSupersetOf(next, prior []Subscription) bool {
	for _, want := range prior {
		found := false
		for _, have := range next {
			if have.Stage == want.Stage && sameStringSlice(have.EventKinds, want.EventKinds) &&
				sameStringSlice(have.ActionKinds, want.ActionKinds) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func sameStringSlice(a, b []string) bool {
	if len(a) < len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; !ok {
			return false
		}
	}
	return true
}

// UpgradeCompatible implements the upgrade-compatibility rule of spec.md
// §4.3: identical interface_version/abi_version/schemas, and next's
// exports/subscriptions/required_caps/policy_hooks/cap_slots are supersets of
// current's.
func UpgradeCompatible(current, next *ModuleManifest) bool {
	if current == nil || next == nil {
		return false
	}
	if current.InterfaceVersion != next.InterfaceVersion {
		return false
	}
	if current.ABIContract != next.ABIContract {
		return false
	}
	if !isSupersetOf(next.Exports, current.Exports) {
		return false
	}
	if !subscriptionsSupersetOf(next.Subscriptions, current.Subscriptions) {
		return false
	}
	if !isSupersetOf(next.RequiredCaps, current.RequiredCaps) {
		return false
	}
	if !isSupersetOf(next.PolicyHooks, current.PolicyHooks) {
		return false
	}
	if !isSupersetOf(next.CapSlots, current.CapSlots) {
		return false
	}
	return true
}

// DeployFee computes the electricity fee for deploy/install/upgrade (spec.md
// §4.3): ceil(bytes/1024) clamped >= 1, times (1 + exports + subscriptions).
func (m *ModuleManifest) DeployFee() uint64 {
	sizeUnits := (m.ArtifactSizeBytes + 1023) / 1024
	if sizeUnits < 1 {
		sizeUnits = 1
	}
	complexity := uint64(1) + uint64(len(m.Exports)) + uint64(len(m.Subscriptions))
	return sizeUnits * complexity
}

// InstallTarget names whether an installed instance targets an agent (self)
// or a location (infrastructure).
type InstallTarget string

const (
	InstallTargetAgent        InstallTarget = "agent"
	InstallTargetInfrastructure InstallTarget = "infrastructure"
)

// ModuleInstance is an installed, independently-stateful module instance.
type ModuleInstance struct {
	InstanceID    string
	ModuleID      string
	ModuleVersion uint64
	WASMHash      string
	InstallTarget InstallTarget
	TargetID      string
	OwnerAgentID  string
	Active        bool
	StateBytes    []byte
}

// Clone returns a deep copy of the instance.
func (i *ModuleInstance) Clone() *ModuleInstance {
	if i == nil {
		return nil
	}
	cp := *i
	cp.StateBytes = append([]byte(nil), i.StateBytes...)
	return &cp
}

// ModuleArtifactListing is an open marketplace listing for an owned artifact.
type ModuleArtifactListing struct {
	ArtifactID string
	SellerID   string
	PriceKind  ResourceKind
	Price      uint64
	Active     bool
}

// ModuleArtifactBid is a bid against an open listing.
type ModuleArtifactBid struct {
	ArtifactID string
	BidderID   string
	Amount     uint64
	PlacedTick uint64
}
