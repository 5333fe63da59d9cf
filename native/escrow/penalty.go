package escrow

import "math/big"

// SplitPenalty divides amount into the payee penalty and the payer remainder.
// The penalty is floor(amount * bps / 10000) so rounding always favours the
// payer, and the two legs always sum to amount.
func SplitPenalty(amount *big.Int, bps uint32) (toPayee, toPayer *big.Int) {
	total := cloneBigInt(amount)
	if total.Sign() <= 0 {
		return big.NewInt(0), big.NewInt(0)
	}
	if bps > MaxBps {
		bps = MaxBps
	}
	penalty := new(big.Int).Mul(total, new(big.Int).SetUint64(uint64(bps)))
	penalty.Div(penalty, big.NewInt(int64(MaxBps)))
	return penalty, new(big.Int).Sub(total, penalty)
}
