package models

// UTXOChange is one side of a wallet delta: an outpoint the wallet gained or
// lost when a transaction was processed.
type UTXOChange struct {
	Outpoint string `json:"outpoint"` // "txid:vout"
	Address  string `json:"address,omitempty"`
	Value    int64  `json:"value"` // in Satoshis
	Mixdepth uint32 `json:"mixdepth"`
}

// WalletEvent is the record of one monitor observation: a transaction that
// touched the wallet, with the resulting UTXO delta. It is broadcast to
// websocket clients and, when a journal is configured, persisted.
type WalletEvent struct {
	ID            string       `json:"id"`
	Txid          string       `json:"txid"`
	Kind          string       `json:"kind"` // "unconfirmed" | "confirmed" | "autofreeze"
	Confirmations int64        `json:"confirmations"`
	BlockHeight   int64        `json:"blockHeight,omitempty"`
	Removed       []UTXOChange `json:"removed,omitempty"`
	Added         []UTXOChange `json:"added,omitempty"`
	Timestamp     int64        `json:"timestamp"` // unix seconds
}

// BalanceSnapshot is the per-mixdepth balance view served by the API.
type BalanceSnapshot struct {
	Mixdepth uint32 `json:"mixdepth"`
	Sats     int64  `json:"sats"`
}

// UTXOView is the API-facing description of one unspent output.
type UTXOView struct {
	Outpoint      string `json:"outpoint"`
	Address       string `json:"address"`
	Value         int64  `json:"value"`
	Mixdepth      uint32 `json:"mixdepth"`
	Confirmations int64  `json:"confirmations"`
	Disabled      bool   `json:"disabled"`
	Path          string `json:"path"`
}
