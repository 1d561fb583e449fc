package service

import (
	"encoding/hex"
	"fmt"
	"log"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/rawblock/coinjoin-wallet/internal/wallet"
)

const (
	fastSyncBatchSize     = 100
	fastSyncMaxIterations = 20
)

// rescanRestartMsg is shown to the user when the node needs a rescan before
// sync can complete.
const rescanRestartMsg = "restart the node with -rescan or use `rescanblockchain` " +
	"if you're recovering an existing wallet from backup seed; otherwise just " +
	"restart this application."

// SyncWallet brings the wallet in line with the node. Fast mode assumes past
// imports match the index cache; recover mode scans from scratch and may
// need to be called repeatedly until Synced() reports true.
func (s *WalletService) SyncWallet(fast bool) (bool, error) {
	if s.synced {
		return true, nil
	}
	if fast {
		if err := s.syncAddressesFast(); err != nil {
			return false, err
		}
	} else {
		if err := s.syncAddresses(); err != nil {
			return false, err
		}
	}
	if err := s.syncUnspent(); err != nil {
		return false, err
	}
	// Don't attempt updates on transactions that existed before startup.
	txlist, err := s.bci.ListTransactions(txHistoryDepth)
	if err != nil {
		return false, err
	}
	s.oldTxs = make(map[string]bool, len(txlist))
	for _, entry := range txlist {
		if entry.TxID != "" {
			s.oldTxs[entry.TxID] = true
		}
	}
	return s.synced, nil
}

// ResyncWallet forces a fresh sync pass.
func (s *WalletService) ResyncWallet(fast bool) (bool, error) {
	s.synced = false
	return s.SyncWallet(fast)
}

// getAddressUsages records, at sync time, the addresses the node has seen
// used under our wallet label.
func (s *WalletService) getAddressUsages() error {
	usages, err := s.bci.AddressUsages()
	if err != nil {
		return err
	}
	label := s.wallet.WalletLabel()
	used := make(map[string]bool)
	for _, usage := range usages {
		if usage.Label != label {
			continue
		}
		used[usage.Address] = true
	}
	s.usedAddresses = used
	return nil
}

// collectAddressesInit collects the current address set: all issued indices
// plus a gap limit on each branch, plus imported addresses. Indices are
// restored afterwards; the pre-call values are returned for rewinding.
func (s *WalletService) collectAddressesInit() (map[string]bool, map[uint32]wallet.BranchIndices, error) {
	addresses := make(map[string]bool)
	saved := make(map[uint32]wallet.BranchIndices)

	w := s.wallet
	for md := uint32(0); md <= w.MaxMixdepth(); md++ {
		var savedPair wallet.BranchIndices
		for _, branch := range []uint32{wallet.BranchExternal, wallet.BranchInternal} {
			internal := branch == wallet.BranchInternal
			nextUnused := w.NextUnusedIndex(md, internal)
			for i := uint32(0); i < nextUnused; i++ {
				addr, err := w.GetAddr(md, internal, i)
				if err != nil {
					return nil, nil, err
				}
				addresses[addr] = true
			}
			for i := 0; i < w.GapLimit(); i++ {
				addr, err := w.GetNewAddr(md, internal)
				if err != nil {
					return nil, nil, err
				}
				addresses[addr] = true
			}
			// reset the index to its value before the new-address calls
			if err := w.SetNextIndex(md, internal, nextUnused, false); err != nil {
				return nil, nil, err
			}
			savedPair[branch] = nextUnused
		}
		saved[md] = savedPair

		for _, path := range w.ImportedPaths(md) {
			addr, err := w.AddressFromPath(path)
			if err != nil {
				return nil, nil, err
			}
			addresses[addr] = true
		}
	}
	return addresses, saved, nil
}

// collectAddressesGap derives gapLimit fresh addresses past the current
// index on every branch, restoring indices afterwards.
func (s *WalletService) collectAddressesGap(gapLimit int) (map[string]bool, error) {
	if gapLimit <= 0 {
		gapLimit = s.wallet.GapLimit()
	}
	addresses := make(map[string]bool)
	w := s.wallet
	for md := uint32(0); md <= w.MaxMixdepth(); md++ {
		for _, branch := range []uint32{wallet.BranchInternal, wallet.BranchExternal} {
			internal := branch == wallet.BranchInternal
			oldNext := w.NextUnusedIndex(md, internal)
			for i := 0; i < gapLimit; i++ {
				addr, err := w.GetNewAddr(md, internal)
				if err != nil {
					return nil, err
				}
				addresses[addr] = true
			}
			if err := w.SetNextIndex(md, internal, oldNext, false); err != nil {
				return nil, err
			}
		}
	}
	return addresses, nil
}

func setToSlice(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// syncAddressesFast exploits the index cache: every used address should
// already be imported, so listing the node's used addresses is enough to
// find the right indices. Scans forward in batches; a wallet that outruns
// the scan window needs recover sync instead.
func (s *WalletService) syncAddressesFast() error {
	if err := s.getAddressUsages(); err != nil {
		return err
	}
	if len(s.usedAddresses) == 0 {
		log.Println("[WalletService] Detected new wallet, performing initial import")
		if err := s.syncAddresses(); err != nil {
			return err
		}
		s.synced = true
		return nil
	}

	log.Printf("[WalletService] Fast sync in progress. Got this many used addresses: %d", len(s.usedAddresses))
	remaining := make(map[string]bool, len(s.usedAddresses))
	for addr := range s.usedAddresses {
		remaining[addr] = true
	}
	addresses, savedIndices, err := s.collectAddressesInit()
	if err != nil {
		return err
	}
	for addr := range addresses {
		delete(remaining, addr)
	}

	current := make(map[uint32]wallet.BranchIndices, len(savedIndices))
	for md, pair := range savedIndices {
		current[md] = pair
	}
	for j := 0; j < fastSyncMaxIterations && len(remaining) > 0; j++ {
		gapAddrs, err := s.collectAddressesGap(fastSyncBatchSize)
		if err != nil {
			return err
		}
		for addr := range gapAddrs {
			delete(remaining, addr)
		}
		// advance wallet indices for the next batch
		for md, pair := range current {
			pair[wallet.BranchExternal] += fastSyncBatchSize
			pair[wallet.BranchInternal] += fastSyncBatchSize
			current[md] = pair
		}
		s.wallet.RewindWalletIndices(current, current)
	}
	if len(remaining) > 0 {
		s.wallet.RewindWalletIndices(savedIndices, savedIndices)
		return &SyncError{Msg: fmt.Sprintf(
			"Failed to sync in fast mode after %d batches; please re-try wallet sync in recover mode.",
			fastSyncMaxIterations)}
	}

	usedIndices := s.wallet.GetUsedIndices(setToSlice(s.usedAddresses))
	s.wallet.RewindWalletIndices(usedIndices, savedIndices)

	// make sure everything that will be displayed is imported, by importing
	// a gap limit beyond the now-correct indices
	gapAddrs, err := s.collectAddressesGap(0)
	if err != nil {
		return err
	}
	if err := s.bci.ImportAddresses(setToSlice(gapAddrs), s.wallet.WalletLabel(), s.restartCb); err != nil {
		return err
	}
	s.synced = true
	return nil
}

func (s *WalletService) reportRescanRestart() {
	if s.restartCb != nil {
		s.restartCb(rescanRestartMsg)
	} else {
		log.Printf("[WalletService] %s", rescanRestartMsg)
	}
}

// syncAddresses is the recover path: a full scan assuming nothing about past
// address usage beyond what the node's history shows.
func (s *WalletService) syncAddresses() error {
	log.Println("[WalletService] requesting detailed wallet history")
	walletName := s.wallet.WalletLabel()
	addresses, savedIndices, err := s.collectAddressesInit()
	if err != nil {
		return err
	}
	importNeeded, err := s.bci.ImportAddressesIfNeeded(setToSlice(addresses), walletName)
	if err != nil {
		return err
	}
	if importNeeded {
		s.reportRescanRestart()
		return &SyncError{Msg: "address import requires rescan", RescanRequired: true}
	}

	history, err := s.bci.YieldTransactions(walletName)
	if err != nil {
		return err
	}
	var receiveAddrs []string
	for _, entry := range history {
		if entry.Category == "receive" && entry.Address != "" {
			receiveAddrs = append(receiveAddrs, entry.Address)
			s.usedAddresses[entry.Address] = true
		}
	}
	usedIndices := s.wallet.GetUsedIndices(receiveAddrs)
	gapLimitUsed := !s.wallet.CheckGapIndices(usedIndices)
	s.wallet.RewindWalletIndices(usedIndices, savedIndices)

	newAddresses, err := s.collectAddressesGap(0)
	if err != nil {
		return err
	}
	importNeeded, err = s.bci.ImportAddressesIfNeeded(setToSlice(newAddresses), walletName)
	if err != nil {
		return err
	}
	switch {
	case importNeeded:
		log.Println("[WalletService] Syncing iteration finished, additional step required (more address import required)")
		s.synced = false
		s.reportRescanRestart()
		return &SyncError{Msg: "address import requires rescan", RescanRequired: true}
	case gapLimitUsed:
		log.Println("[WalletService] Syncing iteration finished, additional step required (gap limit used)")
		s.synced = false
	default:
		log.Println("[WalletService] Wallet successfully synced")
		s.wallet.RewindWalletIndices(usedIndices, savedIndices)
		s.synced = true
	}
	return nil
}

// syncUnspent replaces the in-memory UTXO set with the node's listunspent
// view, converting confirmation counts to absolute heights.
func (s *WalletService) syncUnspent() error {
	currentHeight, err := s.bci.CurrentBlockHeight()
	if err != nil {
		return err
	}
	s.currentBlockheight = currentHeight
	walletName := s.wallet.WalletLabel()
	s.wallet.ResetUTXOs()

	unspent, err := s.bci.ListUnspent(s.cfg.Policy.ListUnspentArgs)
	if err != nil {
		return err
	}
	for _, entry := range unspent {
		// in-wallet transfers can leave coins under the external label, and
		// the wallet knows whether a coin is its own regardless
		if entry.Label != walletName && entry.Label != ExternalWalletLabel {
			continue
		}
		if !s.wallet.IsKnownAddr(entry.Address) {
			continue
		}
		// listunspent has only relative confirmations; scantxoutset-style
		// results carry an absolute height already
		height := entry.Height
		if height == 0 {
			if entry.Confirmations < 0 {
				log.Printf("[WalletService] Utxo not added, has a conflict: %s:%d", entry.TxID, entry.Vout)
				continue
			}
			if entry.Confirmations >= 1 {
				height = currentHeight - entry.Confirmations + 1
			}
		}
		txHash, err := chainhash.NewHashFromStr(entry.TxID)
		if err != nil {
			return fmt.Errorf("listunspent txid %q: %w", entry.TxID, err)
		}
		script, err := hex.DecodeString(entry.ScriptPubKey)
		if err != nil {
			return fmt.Errorf("listunspent script for %s: %w", entry.TxID, err)
		}
		amt, err := btcutil.NewAmount(entry.Amount)
		if err != nil {
			return fmt.Errorf("listunspent amount for %s: %w", entry.TxID, err)
		}
		if err := s.wallet.AddUTXO(txHash[:], entry.Vout, script, int64(amt), height); err != nil {
			return err
		}
	}
	return nil
}
