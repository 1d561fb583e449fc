// Package service keeps an up-to-date, near-real-time view of the wallet
// against the connected Bitcoin node: it syncs the wallet on startup, then
// polls for new transactions, reconciles UTXO state, dispatches lifecycle
// callbacks, and applies the address-reuse freeze policy.
package service

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"github.com/rawblock/coinjoin-wallet/internal/bitcoin"
	"github.com/rawblock/coinjoin-wallet/internal/config"
	"github.com/rawblock/coinjoin-wallet/internal/wallet"
	"github.com/rawblock/coinjoin-wallet/pkg/models"
)

// ExternalWalletLabel is the node label for addresses the service watches
// that do not belong to the wallet itself.
const ExternalWalletLabel = "joinmarket-notify"

const (
	monitorInterval = 5 * time.Second
	txHistoryDepth  = 100
)

// SyncError reports that the node disagrees with wallet expectations. When
// RescanRequired is set the caller must let the node rescan and restart.
type SyncError struct {
	Msg            string
	RescanRequired bool
}

func (e *SyncError) Error() string { return e.Msg }

// Callback signatures for the three event classes. Unconfirmed and confirmed
// callbacks return true when they recognized and fully handled the event;
// true removes them from the table.
type (
	AllCallback         func(tx *wire.MsgTx, txid string)
	UnconfirmedCallback func(tx *wire.MsgTx, txid string) bool
	ConfirmedCallback   func(tx *wire.MsgTx, txid string, confs int64) bool
)

type unconfirmedEntry struct {
	id string
	fn UnconfirmedCallback
}

type confirmedEntry struct {
	id string
	fn ConfirmedCallback
}

// EventSink receives wallet events as they are observed; the websocket hub
// implements this.
type EventSink interface {
	Publish(ev models.WalletEvent)
}

// Journal persists wallet events; the Postgres store implements this.
type Journal interface {
	SaveWalletEvent(ctx context.Context, ev models.WalletEvent) error
}

// WalletService owns the wallet for its lifetime and drives all blockchain
// I/O. Everything runs on the monitor goroutine; callbacks execute
// synchronously inside a tick.
type WalletService struct {
	wallet *wallet.Wallet
	bci    bitcoin.Interface
	cfg    *config.Config

	sink    EventSink
	journal Journal

	synced             bool
	currentBlockheight int64

	oldTxs         map[string]bool
	activeTxids    map[string]bool
	processedTxids map[string]bool
	usedAddresses  map[string]bool

	allCallbacks         []AllCallback
	unconfirmedCallbacks map[string][]unconfirmedEntry
	confirmedCallbacks   map[string][]confirmedEntry

	autofreezeWarningCb func(utxostr string)
	restartCb           func(msg string)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWalletService wires a service around a wallet and a node interface.
func NewWalletService(w *wallet.Wallet, bci bitcoin.Interface, cfg *config.Config) *WalletService {
	s := &WalletService{
		wallet:               w,
		bci:                  bci,
		cfg:                  cfg,
		oldTxs:               make(map[string]bool),
		activeTxids:          make(map[string]bool),
		processedTxids:       make(map[string]bool),
		usedAddresses:        make(map[string]bool),
		unconfirmedCallbacks: make(map[string][]unconfirmedEntry),
		confirmedCallbacks:   make(map[string][]confirmedEntry),
	}
	s.autofreezeWarningCb = s.defaultAutofreezeWarning
	s.UpdateBlockheight()
	return s
}

// Wallet exposes the owned wallet for read paths (API handlers).
func (s *WalletService) Wallet() *wallet.Wallet { return s.wallet }

// Synced reports whether startup sync has completed.
func (s *WalletService) Synced() bool { return s.synced }

// CurrentBlockheight is the quasi-real-time height refreshed every tick.
func (s *WalletService) CurrentBlockheight() int64 { return s.currentBlockheight }

// SetEventSink attaches the websocket hub (or any broadcaster).
func (s *WalletService) SetEventSink(sink EventSink) { s.sink = sink }

// SetJournal attaches the persistent event journal.
func (s *WalletService) SetJournal(j Journal) { s.journal = j }

// AddRestartCallback sets the function invoked when sync requires the user
// to restart (e.g. after a node rescan).
func (s *WalletService) AddRestartCallback(cb func(msg string)) { s.restartCb = cb }

// SetAutofreezeWarningCb overrides how the user is told about auto-frozen
// coins; nil restores the default log warning.
func (s *WalletService) SetAutofreezeWarningCb(cb func(utxostr string)) {
	if cb == nil {
		cb = s.defaultAutofreezeWarning
	}
	s.autofreezeWarningCb = cb
}

func (s *WalletService) defaultAutofreezeWarning(utxostr string) {
	log.Printf("[WalletService] WARNING: new utxo %s has been automatically "+
		"frozen to prevent forced address reuse; unfreeze it explicitly to spend it", utxostr)
}

// UpdateBlockheight refreshes the cached height; failures keep the previous
// value and are retried on the next tick.
func (s *WalletService) UpdateBlockheight() {
	height, err := s.bci.CurrentBlockHeight()
	if err != nil {
		log.Printf("[WalletService] Failure to get blockheight from node: %v", err)
		return
	}
	s.currentBlockheight = height
}

// StartService syncs the wallet and, on success, starts the monitor loop.
// It returns whether the wallet is synced; a false return with nil error
// means another sync round is needed (recover mode), after which StartService
// may be called again.
func (s *WalletService) StartService(ctx context.Context, fast bool) (bool, error) {
	synced, err := s.SyncWallet(fast)
	if err != nil {
		return false, err
	}
	if !synced {
		return false, nil
	}
	log.Println("[WalletService] Starting transaction monitor")
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx)
	return true, nil
}

// StopService halts the monitor loop and waits for the current tick to end.
func (s *WalletService) StopService() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
}

func (s *WalletService) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("[WalletService] Stopping transaction monitor")
			return
		case <-ticker.C:
			s.TransactionMonitor()
		}
	}
}

// ── Callback registration ──────────────────────────────────────────────

// OutputTupleKey builds the alternative dispatch key from a transaction's
// ordered output set, for callers that register before knowing the txid.
func OutputTupleKey(tx *wire.MsgTx) string {
	parts := make([]string, 0, len(tx.TxOut))
	for _, out := range tx.TxOut {
		parts = append(parts, fmt.Sprintf("%x:%d", out.PkScript, out.Value))
	}
	key := ""
	for i, p := range parts {
		if i > 0 {
			key += ";"
		}
		key += p
	}
	return key
}

// RegisterAllCallback adds a callback fired each time the monitor processes
// a labeled transaction, including the re-processing of txids still awaiting
// confirmation. These are never removed.
func (s *WalletService) RegisterAllCallback(cb AllCallback) {
	s.allCallbacks = append(s.allCallbacks, cb)
}

// RegisterUnconfirmedCallback registers under a txid or output-tuple key.
// The returned handle can be passed to CheckCallbackCalled.
func (s *WalletService) RegisterUnconfirmedCallback(txinfo string, cb UnconfirmedCallback) string {
	id := uuid.New().String()
	s.unconfirmedCallbacks[txinfo] = append(s.unconfirmedCallbacks[txinfo], unconfirmedEntry{id: id, fn: cb})
	return id
}

// RegisterConfirmedCallback registers under a txid or output-tuple key.
func (s *WalletService) RegisterConfirmedCallback(txinfo string, cb ConfirmedCallback) string {
	id := uuid.New().String()
	s.confirmedCallbacks[txinfo] = append(s.confirmedCallbacks[txinfo], confirmedEntry{id: id, fn: cb})
	return id
}

// CheckCallbackCalled is scheduled some time after registration; if the
// callback is still pending it is dropped with a timeout log line. Already
// fired callbacks are left alone.
func (s *WalletService) CheckCallbackCalled(txinfo, id, cbType, msg string) {
	switch cbType {
	case "unconfirmed":
		entries := s.unconfirmedCallbacks[txinfo]
		for i, e := range entries {
			if e.id == id {
				s.unconfirmedCallbacks[txinfo] = append(entries[:i:i], entries[i+1:]...)
				log.Printf("[WalletService] Timed out: %s", msg)
				return
			}
		}
	case "confirmed":
		entries := s.confirmedCallbacks[txinfo]
		for i, e := range entries {
			if e.id == id {
				s.confirmedCallbacks[txinfo] = append(entries[:i:i], entries[i+1:]...)
				log.Printf("[WalletService] Timed out: %s", msg)
				return
			}
		}
	}
}

// ── Monitor loop ───────────────────────────────────────────────────────

// TransactionMonitor is one tick of the poll loop. Exported so tests and
// manual drivers can step it deterministically.
func (s *WalletService) TransactionMonitor() {
	s.UpdateBlockheight()

	txlist, err := s.bci.ListTransactions(txHistoryDepth)
	if err != nil {
		log.Printf("[WalletService] listtransactions failed, skipping tick: %v", err)
		return
	}

	var newTxs []bitcoin.WalletTxEntry
	for _, entry := range txlist {
		if entry.TxID == "" {
			continue
		}
		// process either a completely new tx, or one that reached unconf
		// status but is still awaited for confirmation
		if s.activeTxids[entry.TxID] || !s.oldTxs[entry.TxID] {
			newTxs = append(newTxs, entry)
		}
	}
	fresh := make(map[string]bool, len(txlist))
	for _, entry := range txlist {
		if entry.TxID != "" {
			fresh[entry.TxID] = true
		}
	}
	s.oldTxs = fresh

	for _, entry := range newTxs {
		s.processMonitoredTx(entry)
	}
}

func (s *WalletService) processMonitoredTx(entry bitcoin.WalletTxEntry) {
	txid := entry.TxID
	res, err := s.bci.GetTransaction(txid)
	if err != nil {
		log.Printf("[WalletService] gettransaction %s failed: %v", txid, err)
		return
	}
	confs := res.Confirmations
	if confs < 0 {
		log.Printf("[WalletService] Transaction %s has a conflict, abandoning.", txid)
		return
	}
	var height int64
	if confs > 0 {
		height = s.currentBlockheight - confs + 1
	}

	txd, err := bitcoin.DeserializeTx(res)
	if err != nil {
		log.Printf("[WalletService] could not deserialize %s: %v", txid, err)
		return
	}

	removed, added, err := s.wallet.ProcessNewTx(txd, height)
	if err != nil {
		log.Printf("[WalletService] processing %s failed: %v", txid, err)
		return
	}

	if !s.processedTxids[txid] {
		s.checkForReuse(added)
		s.logNewTx(removed, added, txid, confs, height)
		s.processedTxids[txid] = true
	}

	// "all" callbacks fire for any transaction carrying one of our labels,
	// whether or not it changed the utxo set.
	if entry.Label == s.wallet.WalletLabel() || entry.Label == ExternalWalletLabel {
		for _, f := range s.allCallbacks {
			f(txd, txid)
		}
	}

	possibleKeys := []string{txid, OutputTupleKey(txd)}

	// A tx with only removals (a sweep) must still pass through for its
	// confirmation transitions, hence the activeTxids escape.
	if len(added) == 0 && len(removed) == 0 && !s.activeTxids[txid] {
		return
	}
	if confs == 0 {
		for _, key := range possibleKeys {
			entries := s.unconfirmedCallbacks[key]
			if len(entries) == 0 {
				continue
			}
			var remaining []unconfirmedEntry
			for _, e := range entries {
				if e.fn(txd, txid) {
					// true implies handled, implies removal; keep
					// monitoring for the confirmation transition
					s.activeTxids[txid] = true
					continue
				}
				remaining = append(remaining, e)
			}
			s.unconfirmedCallbacks[key] = remaining
		}
	} else {
		for _, key := range possibleKeys {
			entries := s.confirmedCallbacks[key]
			if len(entries) == 0 {
				continue
			}
			var remaining []confirmedEntry
			for _, e := range entries {
				if e.fn(txd, txid, confs) {
					delete(s.activeTxids, txid)
					continue
				}
				remaining = append(remaining, e)
			}
			s.confirmedCallbacks[key] = remaining
		}
	}
}

// ── Reuse detection and freeze policy ──────────────────────────────────

// HasAddressBeenUsed consults the used-address set built at sync time and
// extended during operation.
func (s *WalletService) HasAddressBeenUsed(addr string) bool {
	return s.usedAddresses[addr]
}

// checkForReuse freezes new coins paying already-used addresses when they
// pass the configured size filter, then records all new addresses as used.
func (s *WalletService) checkForReuse(added map[wallet.Outpoint]wallet.AddedUTXO) {
	var toFreeze []wallet.Outpoint
	for op, au := range added {
		if s.HasAddressBeenUsed(au.Address) {
			toFreeze = append(toFreeze, op)
		}
	}
	for _, au := range added {
		s.usedAddresses[au.Address] = true
	}
	sort.Slice(toFreeze, func(i, j int) bool { return toFreeze[i].String() < toFreeze[j].String() })
	threshold := s.cfg.Policy.MaxSatsFreezeReuse
	for _, op := range toFreeze {
		if threshold != -1 && added[op].Value > threshold {
			continue
		}
		s.autofreezeWarningCb(op.String())
		if err := s.wallet.DisableUTXO(op.TxID[:], op.Vout, true); err != nil {
			log.Printf("[WalletService] failed to freeze %s: %v", op, err)
			continue
		}
		s.emitEvent(models.WalletEvent{
			Txid:  op.String(),
			Kind:  "autofreeze",
			Added: []models.UTXOChange{s.utxoChange(op, added[op].Address, added[op].Value)},
		})
	}
}

// ── Event reporting ────────────────────────────────────────────────────

func (s *WalletService) utxoChange(op wallet.Outpoint, addr string, value int64) models.UTXOChange {
	md, _ := s.wallet.UTXOs().Have(op.TxID[:], op.Vout, true)
	return models.UTXOChange{Outpoint: op.String(), Address: addr, Value: value, Mixdepth: md}
}

// logNewTx reports a wallet delta at INFO level, broadcasts it to event
// sinks, and journals it when a journal is configured.
func (s *WalletService) logNewTx(removed map[wallet.Outpoint]wallet.RemovedUTXO, added map[wallet.Outpoint]wallet.AddedUTXO, txid string, confs, height int64) {
	for op, ru := range removed {
		log.Printf("[WalletService] Removed utxo %s value %d", op, ru.Value)
	}
	for op, au := range added {
		log.Printf("[WalletService] Added utxo %s value %d address %s", op, au.Value, au.Address)
	}

	kind := "unconfirmed"
	if confs > 0 {
		kind = "confirmed"
	}
	ev := models.WalletEvent{
		Txid:          txid,
		Kind:          kind,
		Confirmations: confs,
		BlockHeight:   height,
	}
	for op, ru := range removed {
		addr, _ := s.wallet.ScriptToAddr(ru.Script)
		md, _ := s.wallet.MixdepthFromPath(ru.Path)
		ev.Removed = append(ev.Removed, models.UTXOChange{Outpoint: op.String(), Address: addr, Value: ru.Value, Mixdepth: md})
	}
	for op, au := range added {
		md, _ := s.wallet.MixdepthFromPath(au.Path)
		ev.Added = append(ev.Added, models.UTXOChange{Outpoint: op.String(), Address: au.Address, Value: au.Value, Mixdepth: md})
	}
	s.emitEvent(ev)
}

func (s *WalletService) emitEvent(ev models.WalletEvent) {
	ev.ID = uuid.New().String()
	ev.Timestamp = time.Now().Unix()
	if s.sink != nil {
		s.sink.Publish(ev)
	}
	if s.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.journal.SaveWalletEvent(ctx, ev); err != nil {
			log.Printf("[WalletService] failed to journal event for %s: %v", ev.Txid, err)
		}
	}
}

// ── Wallet facade with node awareness ──────────────────────────────────

// ImportNonWalletAddress asks the node to watch an address that has no
// in-wallet destination, under the external label so fast sync stays valid.
func (s *WalletService) ImportNonWalletAddress(addr string) error {
	imported, err := s.bci.IsAddressImported(addr)
	if err != nil {
		return err
	}
	if imported {
		return nil
	}
	return s.bci.ImportAddresses([]string{addr}, ExternalWalletLabel, s.restartCb)
}

// GetExternalAddr mints a receive address and imports it to the node.
func (s *WalletService) GetExternalAddr(md uint32) (string, error) {
	addr, err := s.wallet.GetExternalAddr(md)
	if err != nil {
		return "", err
	}
	if err := s.bci.ImportAddresses([]string{addr}, s.wallet.WalletLabel(), s.restartCb); err != nil {
		return "", err
	}
	return addr, nil
}

// GetInternalAddr mints a change address and imports it to the node.
func (s *WalletService) GetInternalAddr(md uint32) (string, error) {
	addr, err := s.wallet.GetInternalAddr(md)
	if err != nil {
		return "", err
	}
	if err := s.bci.ImportAddresses([]string{addr}, s.wallet.WalletLabel(), s.restartCb); err != nil {
		return "", err
	}
	return addr, nil
}

// minconfsToMaxheight converts a minimum-confirmations requirement into the
// wallet's absolute-height filter. minconfs <= 0 disables the filter.
func (s *WalletService) minconfsToMaxheight(minconfs int64) int64 {
	if minconfs <= 0 {
		return -1
	}
	return s.currentBlockheight - minconfs + 1
}

// SelectUTXOs picks coins in one mixdepth with an optional confirmation floor.
func (s *WalletService) SelectUTXOs(md uint32, amount int64, filter map[wallet.Outpoint]bool, selectFn wallet.Selector, minconfs int64) (map[wallet.Outpoint]wallet.SelectedInput, error) {
	return s.wallet.SelectUTXOs(md, amount, filter, selectFn, s.minconfsToMaxheight(minconfs))
}

// BalanceByMixdepth sums spendable value with an optional confirmation floor.
func (s *WalletService) BalanceByMixdepth(includeDisabled bool, minconfs int64) map[uint32]int64 {
	return s.wallet.BalanceByMixdepth(includeDisabled, s.minconfsToMaxheight(minconfs))
}

// UTXOsWithConfs renders all coins with heights converted to confirmations.
func (s *WalletService) UTXOsWithConfs(includeDisabled bool) ([]models.UTXOView, error) {
	byMd, err := s.wallet.UTXOsByMixdepth(includeDisabled)
	if err != nil {
		return nil, err
	}
	var views []models.UTXOView
	for md, entries := range byMd {
		for op, u := range entries {
			confs := int64(0)
			if u.Height != wallet.InfHeight {
				confs = s.currentBlockheight - u.Height + 1
			}
			views = append(views, models.UTXOView{
				Outpoint:      op.String(),
				Address:       u.Address,
				Value:         u.Value,
				Mixdepth:      md,
				Confirmations: confs,
				Disabled:      s.wallet.UTXOs().IsDisabled(op.TxID[:], op.Vout),
				Path:          u.Path.String(),
			})
		}
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Outpoint < views[j].Outpoint })
	return views, nil
}

// EstimateTxFee prices a transaction of the wallet's script type, enforcing
// the absurd-fee ceiling.
func (s *WalletService) EstimateTxFee(ins, outs int) (int64, error) {
	return wallet.EstimateTxFee(s.bci, s.cfg.Policy.TxFees, s.cfg.Policy.AbsurdFeePerKB, ins, outs, s.wallet.TxType())
}

// ComputeTxLocktime picks the anti-fee-sniping locktime for a new tx.
func (s *WalletService) ComputeTxLocktime() uint32 {
	return wallet.ComputeTxLocktime(s.currentBlockheight)
}

// SaveWallet persists wallet state.
func (s *WalletService) SaveWallet() error { return s.wallet.Save() }
