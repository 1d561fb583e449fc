package wallet

import (
	"fmt"
	"math/rand"
)

// FeeEstimator is the slice of the blockchain interface the fee logic needs.
type FeeEstimator interface {
	EstimateFeePerKB(confTarget int64) (int64, error)
}

// Virtual-size building blocks, in bytes. Signature sizes assume compressed
// keys and high-S-avoiding DER encodings, matching what the engines produce.
const (
	txOverheadBytes      = 10
	txSegwitMarkerBytes  = 2
	p2pkhInputBytes      = 148
	p2pkhOutputBytes     = 34
	segwitInputBaseBytes = 41 // outpoint + empty sigscript + sequence
	p2shWrapBytes        = 23 // pushed redeem script in the sigscript
	witnessItemBytes     = 107
	p2wpkhOutputBytes    = 31
	p2shOutputBytes      = 32
)

// EstimateTxSize returns (witnessBytes, nonWitnessBytes) for a transaction of
// the given shape. Legacy transactions report zero witness bytes.
func EstimateTxSize(ins, outs int, txType string) (int, int, error) {
	if ins < 0 || outs < 0 {
		return 0, 0, fmt.Errorf("negative transaction shape: %d in, %d out", ins, outs)
	}
	switch txType {
	case "p2pkh":
		return 0, txOverheadBytes + ins*p2pkhInputBytes + outs*p2pkhOutputBytes, nil
	case "p2wpkh":
		nonWitness := txOverheadBytes + ins*segwitInputBaseBytes + outs*p2wpkhOutputBytes
		witness := txSegwitMarkerBytes + ins*witnessItemBytes
		return witness, nonWitness, nil
	case "p2sh-p2wpkh":
		nonWitness := txOverheadBytes + ins*(segwitInputBaseBytes+p2shWrapBytes) + outs*p2shOutputBytes
		witness := txSegwitMarkerBytes + ins*witnessItemBytes
		return witness, nonWitness, nil
	}
	return 0, 0, fmt.Errorf("tx type %q not implemented", txType)
}

// EstimateTxFee asks the fee source for a rate and prices a transaction of
// the given shape: fee = vsize × rate ÷ 1000, with segwit vsize counting
// witness bytes at a quarter weight. A rate above absurdFeePerKB is a fatal
// condition, surfaced as ErrAbsurdFee; callers must shut down.
func EstimateTxFee(est FeeEstimator, confTarget, absurdFeePerKB int64, ins, outs int, txType string) (int64, error) {
	feePerKB, err := est.EstimateFeePerKB(confTarget)
	if err != nil {
		return 0, fmt.Errorf("fee estimate: %w", err)
	}
	if feePerKB > absurdFeePerKB {
		return 0, fmt.Errorf("%w: %d > %d", ErrAbsurdFee, feePerKB, absurdFeePerKB)
	}
	witness, nonWitness, err := EstimateTxSize(ins, outs, txType)
	if err != nil {
		return 0, err
	}
	// vsize in quarter-bytes avoids float rounding drift.
	vsize4 := int64(nonWitness)*4 + int64(witness)
	return vsize4 * feePerKB / 4000, nil
}

// ComputeTxLocktime picks an anti-fee-sniping locktime: the current height,
// or with 1-in-10 probability a height up to 99 blocks back (never below 1),
// matching the behavior of common wallets for anonymity-set reasons.
func ComputeTxLocktime(currentHeight int64) uint32 {
	locktime := currentHeight
	if rand.Intn(10) == 0 {
		locktime -= int64(rand.Intn(100))
		if locktime < 1 {
			locktime = 1
		}
	}
	return uint32(locktime)
}
