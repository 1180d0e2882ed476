package settlement

// Fee schedule boundaries in cents.
const (
	flatFeeSmallCents  = 2_500
	flatFeeLargeCents  = 50_000
	smallJobLimitCents = 50_000
	tierFiveLimitCents = 200_000
	tierFourLimitCents = 500_000
	tierThreeMaxCents  = 1_500_000
)

// PlatformFee returns the platform fee for a released amount in cents:
// a flat $25 below $500, 5% below $2,000, 4% below $5,000, 3% up to and
// including $15,000, and a flat $500 above that. Percentages round half up.
func PlatformFee(amountCents int64) int64 {
	switch {
	case amountCents <= 0:
		return 0
	case amountCents < smallJobLimitCents:
		return flatFeeSmallCents
	case amountCents < tierFiveLimitCents:
		return percent(amountCents, 5)
	case amountCents < tierFourLimitCents:
		return percent(amountCents, 4)
	case amountCents <= tierThreeMaxCents:
		return percent(amountCents, 3)
	default:
		return flatFeeLargeCents
	}
}

func percent(amountCents, pct int64) int64 {
	return (amountCents*pct + 50) / 100
}
