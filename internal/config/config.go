// Package config carries the explicit configuration values threaded into the
// wallet and service at construction. There is no process-wide state; the
// binary builds one Config from its environment and passes it down.
package config

import (
	"encoding/json"
	"fmt"
)

// Policy mirrors the POLICY options consumed by the wallet core.
type Policy struct {
	// TxFees is the confirmation target passed to the node's fee estimator.
	TxFees int64
	// AbsurdFeePerKB is the hard fee-rate ceiling in sats/kvB; estimates
	// above it abort the process.
	AbsurdFeePerKB int64
	// MergeAlgorithm names the coin selector: default|gradual|greedy|greediest.
	MergeAlgorithm string
	// MaxSatsFreezeReuse is the reuse auto-freeze threshold; -1 freezes
	// regardless of size.
	MaxSatsFreezeReuse int64
	// ListUnspentArgs is passed verbatim to the node's listunspent RPC.
	ListUnspentArgs []json.RawMessage
}

// Config is the full configuration consumed by the wallet core.
type Config struct {
	Policy Policy
	// Network is mainnet|testnet|regtest.
	Network string
	// GapLimit is how many unused indices past the highest-used are scanned.
	GapLimit int
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Policy: Policy{
			TxFees:             3,
			AbsurdFeePerKB:     350_000,
			MergeAlgorithm:     "default",
			MaxSatsFreezeReuse: -1,
		},
		Network:  "mainnet",
		GapLimit: 6,
	}
}

// Validate rejects configurations the wallet cannot run with.
func (c *Config) Validate() error {
	switch c.Network {
	case "mainnet", "testnet", "regtest":
	default:
		return fmt.Errorf("config: unknown network %q", c.Network)
	}
	if c.Policy.TxFees <= 0 {
		return fmt.Errorf("config: tx_fees confirmation target must be positive")
	}
	if c.Policy.AbsurdFeePerKB <= 0 {
		return fmt.Errorf("config: absurd_fee_per_kb must be positive")
	}
	if c.GapLimit <= 0 {
		return fmt.Errorf("config: gap limit must be positive")
	}
	switch c.Policy.MergeAlgorithm {
	case "", "default", "gradual", "greedy", "greediest":
	default:
		return fmt.Errorf("config: unknown merge algorithm %q", c.Policy.MergeAlgorithm)
	}
	return nil
}
