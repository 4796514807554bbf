package capsule

// Tier sets the capsule's capacity limit. The effective tier is the
// higher of the declared tier and the tier inferred from accumulated
// WAL bytes, so a capsule never loses capacity it has already earned.
type Tier uint8

const (
	TierFree Tier = iota
	TierDev
	TierEnterprise
)

const (
	// WAL thresholds that promote a capsule to the next tier.
	devWALThreshold        = 4 << 20  // 4 MiB
	enterpriseWALThreshold = 16 << 20 // 16 MiB

	freeLimit       = 200 << 20 // 200 MiB
	devLimit        = 2 << 30   // 2 GiB
	enterpriseLimit = 10 << 30  // 10 GiB
)

func (t Tier) String() string {
	switch t {
	case TierDev:
		return "dev"
	case TierEnterprise:
		return "enterprise"
	default:
		return "free"
	}
}

// TierFromString parses a tier name; unknown names map to TierFree.
func TierFromString(s string) Tier {
	switch s {
	case "dev":
		return TierDev
	case "enterprise":
		return TierEnterprise
	default:
		return TierFree
	}
}

// Limit returns the tier's capacity in bytes.
func (t Tier) Limit() int64 {
	switch t {
	case TierDev:
		return devLimit
	case TierEnterprise:
		return enterpriseLimit
	default:
		return freeLimit
	}
}

// inferTier maps accumulated WAL bytes to a tier.
func inferTier(walSize int64) Tier {
	switch {
	case walSize >= enterpriseWALThreshold:
		return TierEnterprise
	case walSize >= devWALThreshold:
		return TierDev
	default:
		return TierFree
	}
}

// effectiveTier ratchets: the declared tier never shrinks below what
// the WAL history has earned.
func effectiveTier(declared Tier, walSize int64) Tier {
	inferred := inferTier(walSize)
	if inferred > declared {
		return inferred
	}
	return declared
}
