package settlement

// DefaultFeeBps is the platform's cut of a released reward, in basis
// points (1000 = 10%).
const DefaultFeeBps = 1000

// ComputeSplit divides a reward between the hunter and the platform.
// The fee rounds half away from zero so the split is exact in cents and
// hunter + fee always equals the full amount.
func ComputeSplit(amountCents int64, feeBps int64) (hunterCents, feeCents int64) {
	feeCents = (amountCents*feeBps + 5000) / 10000
	hunterCents = amountCents - feeCents
	return hunterCents, feeCents
}

// RetainedFee applies a retention rate (in basis points) to a held
// amount, using the same rounding as ComputeSplit.
func RetainedFee(amountCents int64, retentionBps int64) int64 {
	return (amountCents*retentionBps + 5000) / 10000
}
