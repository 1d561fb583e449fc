package bitcoin

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

// WalletTxEntry is one row of the node's listtransactions output, reduced to
// the fields the wallet service consumes.
type WalletTxEntry struct {
	TxID          string `json:"txid"`
	Address       string `json:"address"`
	Category      string `json:"category"`
	Label         string `json:"label"`
	Confirmations int64  `json:"confirmations"`
}

// TxResult is the node's gettransaction result. Confirmations < 0 means the
// transaction conflicts with the chain (abandoned / double-spent).
type TxResult struct {
	TxID          string `json:"txid"`
	Confirmations int64  `json:"confirmations"`
	Hex           string `json:"hex"`
}

// UnspentEntry is one row of listunspent (or scantxoutset, which also
// reports Height). Amount is in BTC as reported by the node.
type UnspentEntry struct {
	TxID          string  `json:"txid"`
	Vout          uint32  `json:"vout"`
	Address       string  `json:"address"`
	Label         string  `json:"label"`
	ScriptPubKey  string  `json:"scriptPubKey"`
	Amount        float64 `json:"amount"`
	Confirmations int64   `json:"confirmations"`
	Height        int64   `json:"height,omitempty"`
}

// AddressUsage is a flattened listaddressgroupings row.
type AddressUsage struct {
	Address string
	Label   string
}

// UTXOSetEntry is the result of probing one outpoint against the node's
// UTXO set.
type UTXOSetEntry struct {
	Found    bool
	Value    int64
	Address  string
	Script   []byte
	Confirms int64
}

// Interface is the contract between the wallet service and the connected
// full node. All calls may block on RPC round trips; they are the only
// suspension points of the sync and monitor loops.
type Interface interface {
	// CurrentBlockHeight returns the node's best block height.
	CurrentBlockHeight() (int64, error)

	// ListTransactions returns the most recent count wallet transactions,
	// newest first, across all labels.
	ListTransactions(count int) ([]WalletTxEntry, error)

	// GetTransaction fetches a wallet transaction by txid.
	GetTransaction(txid string) (*TxResult, error)

	// IsAddressImported reports whether the node already watches addr.
	IsAddressImported(addr string) (bool, error)

	// ImportAddresses imports watch-only addresses under a label without
	// rescanning. restartCb, if non-nil, is invoked with a user-facing
	// message when the import requires the caller to restart.
	ImportAddresses(addrs []string, label string, restartCb func(string)) error

	// ImportAddressesIfNeeded imports any of addrs the node does not yet
	// watch, requesting a rescan. Returns true when a rescan was requested,
	// in which case the caller must restart after it completes.
	ImportAddressesIfNeeded(addrs []string, label string) (bool, error)

	// AddressUsages returns the node's address groupings flattened to
	// (address, label) pairs; used addresses appear here.
	AddressUsages() ([]AddressUsage, error)

	// YieldTransactions enumerates all wallet transactions under a label,
	// paging through the node's history.
	YieldTransactions(label string) ([]WalletTxEntry, error)

	// ListUnspent runs listunspent with verbatim extra arguments from
	// configuration.
	ListUnspent(args []json.RawMessage) ([]UnspentEntry, error)

	// EstimateFeePerKB returns a fee rate in satoshis per kilo-vbyte for
	// the given confirmation target.
	EstimateFeePerKB(confTarget int64) (int64, error)

	// QueryUTXOSet probes outpoints against the node's UTXO set.
	QueryUTXOSet(outpoints []wire.OutPoint, includeConfs bool) ([]UTXOSetEntry, error)

	// RawRequest is the escape hatch for RPC methods without a wrapper.
	RawRequest(method string, params []json.RawMessage) (json.RawMessage, error)
}

// DeserializeTx decodes the raw hex of a gettransaction result.
func DeserializeTx(res *TxResult) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(res.Hex)
	if err != nil {
		return nil, fmt.Errorf("tx %s: decode hex: %w", res.TxID, err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("tx %s: deserialize: %w", res.TxID, err)
	}
	return tx, nil
}
