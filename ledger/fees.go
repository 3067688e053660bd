package ledger

// SplitFee divides amount into the platform's cut and the worker's payout.
// The fee is amount*feeBps/10000 with the fractional minor unit truncated, so
// the worker amount quoted at hold time is exactly what a later release pays
// out. Callers must pass the fee_bps frozen into the transaction, never a
// live config value.
func SplitFee(amount int64, feeBps int) (platformFee, workerAmount int64) {
	platformFee = amount * int64(feeBps) / 10000
	workerAmount = amount - platformFee
	return platformFee, workerAmount
}

// SplitShares divides a held amount into the creator's refund share and the
// worker's credit share for a partial settlement. creatorBps is the creator's
// portion in basis points; truncation loss lands on the worker-side remainder
// so the two shares always sum to amount exactly.
func SplitShares(amount int64, creatorBps int) (creatorShare, workerShare int64) {
	creatorShare = amount * int64(creatorBps) / 10000
	workerShare = amount - creatorShare
	return creatorShare, workerShare
}
