package convert

// DistributeKiroTokens splits a total token count T into the
// (input, cacheCreation, cacheRead) triple Kiro's billing contract requires,
// per the fixed 1:2:25 ratio: input = T/28, cacheCreation = 2T/28,
// cacheRead = T - input - cacheCreation. Every caller that reports Kiro
// usage — the up-front streaming estimate and the post-stream correction
// alike — MUST route through this single function so both numbers are
// derived from the same formula.
//
// Below the T=100 floor the split is not meaningful (integer division
// collapses cacheCreation to 0 for small T); callers report the total as
// plain input tokens instead.
func DistributeKiroTokens(t int64) (input, cacheCreation, cacheRead int64) {
	if t < 100 {
		return t, 0, 0
	}
	input = t / 28
	cacheCreation = (2 * t) / 28
	cacheRead = t - input - cacheCreation
	return input, cacheCreation, cacheRead
}
