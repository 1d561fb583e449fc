package bitcoin

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
)

// Client talks to Bitcoin Core over JSON-RPC and implements Interface. A
// dedicated watch-only wallet is kept loaded on the node so imported wallet
// addresses show up in listtransactions/listunspent.
type Client struct {
	RPC       *rpcclient.Client
	WalletRPC *rpcclient.Client
	Config    Config
}

type Config struct {
	Host       string
	User       string
	Pass       string
	WalletName string
}

const defaultNodeWalletName = "coinjoin_watchonly_v1"

var _ Interface = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	if cfg.WalletName == "" {
		cfg.WalletName = defaultNodeWalletName
	}
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true, // Bitcoin Core only supports HTTP POST mode
		DisableTLS:   true, // Assuming local node without TLS for this setup
	}

	log.Printf("Connecting to Bitcoin RPC at %s...", cfg.Host)
	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, err
	}

	// Verify connection
	blockCount, err := client.GetBlockCount()
	if err != nil {
		client.Shutdown()
		return nil, err
	}
	log.Printf("Connected to Bitcoin Node. Current Block Height: %d", blockCount)

	c := &Client{RPC: client, Config: cfg}

	if err := c.initializeNodeWallet(); err != nil {
		log.Printf("Warning: Failed to initialize node wallet: %v. Watch-only features might fail.", err)
	} else {
		log.Println("Node watch-only wallet initialized successfully.")
	}
	return c, nil
}

func (c *Client) Shutdown() {
	if c.WalletRPC != nil {
		c.WalletRPC.Shutdown()
	}
	c.RPC.Shutdown()
}

func marshalParams(params ...interface{}) ([]json.RawMessage, error) {
	raw := make([]json.RawMessage, len(params))
	for i, v := range params {
		m, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw[i] = m
	}
	return raw, nil
}

// walletClient prefers the watch-only wallet endpoint when available.
func (c *Client) walletClient() *rpcclient.Client {
	if c.WalletRPC != nil {
		return c.WalletRPC
	}
	return c.RPC
}

// RawRequest is the RPC escape hatch, routed through the wallet endpoint so
// wallet-scoped methods work.
func (c *Client) RawRequest(method string, params []json.RawMessage) (json.RawMessage, error) {
	return c.walletClient().RawRequest(method, params)
}

// ── Node wallet management ─────────────────────────────────────────────

func (c *Client) listWallets() ([]string, error) {
	rawResp, err := c.RPC.RawRequest("listwallets", nil)
	if err != nil {
		return nil, err
	}
	var wallets []string
	if err := json.Unmarshal(rawResp, &wallets); err != nil {
		return nil, err
	}
	return wallets, nil
}

func (c *Client) createNodeWallet(name string) error {
	// Legacy wallet (descriptors=false): importmulti with labels is not
	// supported on descriptor wallets across all deployed Core versions.
	// Args: wallet_name, disable_private_keys, blank, passphrase,
	// avoid_reuse, descriptors, load_on_startup
	params, err := marshalParams(name, true, false, "", false, false, true)
	if err != nil {
		return err
	}
	_, err = c.RPC.RawRequest("createwallet", params)
	return err
}

// initializeNodeWallet ensures the watch-only wallet exists and is loaded,
// then points WalletRPC at its endpoint.
func (c *Client) initializeNodeWallet() error {
	wallets, err := c.listWallets()
	if err != nil {
		return err
	}
	name := c.Config.WalletName
	loaded := false
	for _, w := range wallets {
		if w == name {
			loaded = true
			break
		}
	}
	if !loaded {
		if _, err := c.RPC.LoadWallet(name); err != nil {
			if err := c.createNodeWallet(name); err != nil {
				return err
			}
		}
	}

	walletConnCfg := &rpcclient.ConnConfig{
		Host:         c.Config.Host + "/wallet/" + name,
		User:         c.Config.User,
		Pass:         c.Config.Pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}
	walletClient, err := rpcclient.New(walletConnCfg, nil)
	if err != nil {
		return err
	}
	c.WalletRPC = walletClient
	return nil
}

// ── Interface implementation ───────────────────────────────────────────

func (c *Client) CurrentBlockHeight() (int64, error) {
	return c.RPC.GetBlockCount()
}

func (c *Client) ListTransactions(count int) ([]WalletTxEntry, error) {
	// listtransactions "*" count skip include_watchonly
	params, err := marshalParams("*", count, 0, true)
	if err != nil {
		return nil, err
	}
	rawResp, err := c.walletClient().RawRequest("listtransactions", params)
	if err != nil {
		return nil, err
	}
	var entries []WalletTxEntry
	if err := json.Unmarshal(rawResp, &entries); err != nil {
		return nil, err
	}
	// Core returns oldest first; the monitor wants newest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (c *Client) GetTransaction(txid string) (*TxResult, error) {
	params, err := marshalParams(txid, true)
	if err != nil {
		return nil, err
	}
	rawResp, err := c.walletClient().RawRequest("gettransaction", params)
	if err != nil {
		return nil, err
	}
	var res TxResult
	if err := json.Unmarshal(rawResp, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) IsAddressImported(addr string) (bool, error) {
	params, err := marshalParams(addr)
	if err != nil {
		return false, err
	}
	rawResp, err := c.walletClient().RawRequest("getaddressinfo", params)
	if err != nil {
		return false, err
	}
	var info struct {
		IsMine      bool     `json:"ismine"`
		IsWatchOnly bool     `json:"iswatchonly"`
		Labels      []string `json:"labels"`
	}
	if err := json.Unmarshal(rawResp, &info); err != nil {
		return false, err
	}
	return info.IsMine || info.IsWatchOnly || len(info.Labels) > 0, nil
}

// importAddressBatch runs one importmulti call for a set of addresses,
// optionally with a full rescan.
func (c *Client) importAddressBatch(addrs []string, label string, rescan bool) error {
	type importRequest struct {
		ScriptPubKey map[string]string `json:"scriptPubKey"`
		Timestamp    interface{}       `json:"timestamp"`
		WatchOnly    bool              `json:"watchonly"`
		Label        string            `json:"label"`
	}
	reqs := make([]importRequest, len(addrs))
	for i, addr := range addrs {
		ts := interface{}("now")
		if rescan {
			ts = 0
		}
		reqs[i] = importRequest{
			ScriptPubKey: map[string]string{"address": addr},
			Timestamp:    ts,
			WatchOnly:    true,
			Label:        label,
		}
	}
	params, err := marshalParams(reqs, map[string]bool{"rescan": rescan})
	if err != nil {
		return err
	}
	_, err = c.walletClient().RawRequest("importmulti", params)
	return err
}

func (c *Client) ImportAddresses(addrs []string, label string, restartCb func(string)) error {
	if len(addrs) == 0 {
		return nil
	}
	if err := c.importAddressBatch(addrs, label, false); err != nil {
		return fmt.Errorf("import %d addresses: %w", len(addrs), err)
	}
	return nil
}

func (c *Client) ImportAddressesIfNeeded(addrs []string, label string) (bool, error) {
	var missing []string
	for _, addr := range addrs {
		imported, err := c.IsAddressImported(addr)
		if err != nil {
			return false, err
		}
		if !imported {
			missing = append(missing, addr)
		}
	}
	if len(missing) == 0 {
		return false, nil
	}
	log.Printf("[Bitcoin] Importing %d addresses with rescan; the node will be busy for a while", len(missing))
	if err := c.importAddressBatch(missing, label, true); err != nil {
		return false, fmt.Errorf("import with rescan: %w", err)
	}
	return true, nil
}

func (c *Client) AddressUsages() ([]AddressUsage, error) {
	rawResp, err := c.walletClient().RawRequest("listaddressgroupings", nil)
	if err != nil {
		return nil, err
	}
	// Shape: [[[address, amount, label?], ...], ...]
	var groups [][][]json.RawMessage
	if err := json.Unmarshal(rawResp, &groups); err != nil {
		return nil, fmt.Errorf("parse listaddressgroupings: %w", err)
	}
	var usages []AddressUsage
	for _, group := range groups {
		for _, entry := range group {
			if len(entry) < 2 {
				continue
			}
			var usage AddressUsage
			if err := json.Unmarshal(entry[0], &usage.Address); err != nil {
				continue
			}
			if len(entry) > 2 {
				_ = json.Unmarshal(entry[2], &usage.Label)
			}
			usages = append(usages, usage)
		}
	}
	return usages, nil
}

func (c *Client) YieldTransactions(label string) ([]WalletTxEntry, error) {
	const pageSize = 1000
	var all []WalletTxEntry
	for skip := 0; ; skip += pageSize {
		params, err := marshalParams(label, pageSize, skip, true)
		if err != nil {
			return nil, err
		}
		rawResp, err := c.walletClient().RawRequest("listtransactions", params)
		if err != nil {
			return nil, err
		}
		var page []WalletTxEntry
		if err := json.Unmarshal(rawResp, &page); err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
}

func (c *Client) ListUnspent(args []json.RawMessage) ([]UnspentEntry, error) {
	rawResp, err := c.walletClient().RawRequest("listunspent", args)
	if err != nil {
		return nil, err
	}
	var entries []UnspentEntry
	if err := json.Unmarshal(rawResp, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) QueryUTXOSet(outpoints []wire.OutPoint, includeConfs bool) ([]UTXOSetEntry, error) {
	results := make([]UTXOSetEntry, 0, len(outpoints))
	for _, op := range outpoints {
		params, err := marshalParams(op.Hash.String(), op.Index, true)
		if err != nil {
			return nil, err
		}
		rawResp, err := c.RPC.RawRequest("gettxout", params)
		if err != nil {
			return nil, err
		}
		if string(rawResp) == "null" {
			results = append(results, UTXOSetEntry{})
			continue
		}
		var out struct {
			Confirmations int64   `json:"confirmations"`
			Value         float64 `json:"value"`
			ScriptPubKey  struct {
				Hex     string `json:"hex"`
				Address string `json:"address"`
			} `json:"scriptPubKey"`
		}
		if err := json.Unmarshal(rawResp, &out); err != nil {
			return nil, err
		}
		amt, err := btcutil.NewAmount(out.Value)
		if err != nil {
			return nil, err
		}
		script, _ := hex.DecodeString(out.ScriptPubKey.Hex)
		entry := UTXOSetEntry{
			Found:   true,
			Value:   int64(amt),
			Address: out.ScriptPubKey.Address,
			Script:  script,
		}
		if includeConfs {
			entry.Confirms = out.Confirmations
		}
		results = append(results, entry)
	}
	return results, nil
}

// ── Fee estimation ─────────────────────────────────────────────────────

func (c *Client) estimateSmartFeeByMode(confTarget int64, mode *btcjson.EstimateSmartFeeMode) (float64, error) {
	res, err := c.RPC.EstimateSmartFee(confTarget, mode)
	if err != nil {
		return 0, err
	}
	if res == nil || res.FeeRate == nil {
		return 0, nil
	}
	if !isFinitePositive(*res.FeeRate) {
		return 0, nil
	}
	return *res.FeeRate, nil
}

func (c *Client) mempoolFeeFloorBTCPerKVb() (float64, error) {
	rawResp, err := c.RPC.RawRequest("getmempoolinfo", nil)
	if err != nil {
		return 0, err
	}
	var mempool struct {
		MempoolMinFee float64 `json:"mempoolminfee"`
		MinRelayTxFee float64 `json:"minrelaytxfee"`
	}
	if err := json.Unmarshal(rawResp, &mempool); err != nil {
		return 0, err
	}
	floor := mempool.MempoolMinFee
	if mempool.MinRelayTxFee > floor {
		floor = mempool.MinRelayTxFee
	}
	if !isFinitePositive(floor) {
		return 0, nil
	}
	return floor, nil
}

// EstimateFeePerKB returns satoshis per kilo-vbyte with a fallback chain:
// CONSERVATIVE -> ECONOMICAL -> mempool floor.
func (c *Client) EstimateFeePerKB(confTarget int64) (int64, error) {
	feeBTC := 0.0
	conservative := btcjson.EstimateModeConservative
	if fee, err := c.estimateSmartFeeByMode(confTarget, &conservative); err == nil && fee > 0 {
		feeBTC = fee
	} else {
		economical := btcjson.EstimateModeEconomical
		if fee, err := c.estimateSmartFeeByMode(confTarget, &economical); err == nil && fee > 0 {
			feeBTC = fee
		} else {
			floor, err := c.mempoolFeeFloorBTCPerKVb()
			if err != nil {
				return 0, err
			}
			feeBTC = floor
		}
	}
	amt, err := btcutil.NewAmount(feeBTC)
	if err != nil {
		return 0, err
	}
	return int64(amt), nil
}

func isFinitePositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}
