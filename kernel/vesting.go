package kernel

// VestingSchedule releases a main-token genesis bucket to its beneficiary
// gradually over ticks (spec.md §3: "vesting schedules", "main-token genesis
// buckets"; §4.2 "tick-driven lifecycle hooks (... vesting release ...)").
type VestingSchedule struct {
	ID             string
	BeneficiaryID  string
	BucketID       string
	TotalAmount    uint64
	ReleasedAmount uint64
	StartTick      uint64
	DurationTicks  uint64
}

// releasableAt computes the cumulative amount that should have vested by
// tick `now`, linear over DurationTicks, clamped to TotalAmount.
func (v *VestingSchedule) releasableAt(now uint64) uint64 {
	if now <= v.StartTick || v.DurationTicks == 0 {
		if now >= v.StartTick+v.DurationTicks {
			return v.TotalAmount
		}
		return 0
	}
	elapsed := now - v.StartTick
	if elapsed >= v.DurationTicks {
		return v.TotalAmount
	}
	return v.TotalAmount * elapsed / v.DurationTicks
}

// PendingRelease returns the amount newly vested (and not yet released) as of
// tick now.
func (v *VestingSchedule) PendingRelease(now uint64) uint64 {
	total := v.releasableAt(now)
	if total <= v.ReleasedAmount {
		return 0
	}
	return total - v.ReleasedAmount
}
