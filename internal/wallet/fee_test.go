package wallet

import (
	"errors"
	"testing"
)

type staticFeeEstimator struct {
	feePerKB int64
	err      error
}

func (s staticFeeEstimator) EstimateFeePerKB(confTarget int64) (int64, error) {
	return s.feePerKB, s.err
}

func TestEstimateTxFeeAbsurd(t *testing.T) {
	// Node quoting above the configured ceiling is fatal.
	est := staticFeeEstimator{feePerKB: 150_000}
	_, err := EstimateTxFee(est, 3, 100_000, 2, 2, "p2wpkh")
	if !errors.Is(err, ErrAbsurdFee) {
		t.Errorf("Expected ErrAbsurdFee. Got: %v", err)
	}
}

func TestEstimateTxFeeLegacy(t *testing.T) {
	// p2pkh 1-in 2-out: 10 + 148 + 2*34 = 226 bytes at 1000 sat/kvB
	est := staticFeeEstimator{feePerKB: 1000}
	fee, err := EstimateTxFee(est, 3, 100_000, 1, 2, "p2pkh")
	if err != nil {
		t.Fatal(err)
	}
	if fee != 226 {
		t.Errorf("Expected fee 226. Got: %d", fee)
	}
}

func TestEstimateTxFeeSegwitDiscount(t *testing.T) {
	// witness bytes count at a quarter weight, so a segwit tx of the same
	// shape must be cheaper than its legacy counterpart
	est := staticFeeEstimator{feePerKB: 1000}
	legacy, err := EstimateTxFee(est, 3, 1_000_000, 2, 2, "p2pkh")
	if err != nil {
		t.Fatal(err)
	}
	segwit, err := EstimateTxFee(est, 3, 1_000_000, 2, 2, "p2wpkh")
	if err != nil {
		t.Fatal(err)
	}
	if segwit >= legacy {
		t.Errorf("Expected segwit fee < legacy fee. Got: %d >= %d", segwit, legacy)
	}
}

func TestEstimateTxSizeUnknownType(t *testing.T) {
	if _, _, err := EstimateTxSize(1, 1, "p2tr"); err == nil {
		t.Error("Expected error for unimplemented tx type")
	}
	if _, _, err := EstimateTxSize(-1, 1, "p2pkh"); err == nil {
		t.Error("Expected error for negative input count")
	}
}

func TestComputeTxLocktime(t *testing.T) {
	const height = 700_000
	sawCurrent := false
	for i := 0; i < 200; i++ {
		lt := int64(ComputeTxLocktime(height))
		if lt > height || lt < height-99 {
			t.Fatalf("Locktime %d outside [%d, %d]", lt, height-99, height)
		}
		if lt == height {
			sawCurrent = true
		}
	}
	if !sawCurrent {
		t.Error("Expected the current height to be the common locktime")
	}
}

func TestComputeTxLocktimeNeverBelowOne(t *testing.T) {
	for i := 0; i < 200; i++ {
		if lt := ComputeTxLocktime(1); lt < 1 {
			t.Fatalf("Locktime %d below 1", lt)
		}
	}
}
