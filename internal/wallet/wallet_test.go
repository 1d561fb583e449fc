package wallet

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

func newTestWallet(t *testing.T, typ Type, maxMixdepth uint32) *Wallet {
	t.Helper()
	storage := NewMemoryStorage()
	entropy := bytes.Repeat([]byte{0x42}, 16)
	if err := InitializeStorage(storage, "mainnet", typ, maxMixdepth, entropy, nil, "2024/01/01 00:00:00"); err != nil {
		t.Fatal(err)
	}
	w, err := OpenWallet(storage, Options{})
	if err != nil {
		t.Fatal(err)
	}
	return w
}

// foreignScript is a p2wpkh output that no test wallet owns.
func foreignScript(t *testing.T) []byte {
	t.Helper()
	eng, err := NewEngine(TypeP2WPKH, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatal(err)
	}
	script, err := eng.PrivKeyToScript(bytes.Repeat([]byte{0x77}, 32))
	if err != nil {
		t.Fatal(err)
	}
	return script
}

func paymentTx(t *testing.T, prevTxid []byte, prevVout uint32, outputs ...*wire.TxOut) *wire.MsgTx {
	t.Helper()
	tx := wire.NewMsgTx(wire.TxVersion)
	var prev wire.OutPoint
	copy(prev.Hash[:], prevTxid)
	prev.Index = prevVout
	tx.AddTxIn(wire.NewTxIn(&prev, nil, nil))
	for _, out := range outputs {
		tx.AddTxOut(out)
	}
	return tx
}

func TestInitializeStorageRejectsBadInput(t *testing.T) {
	storage := NewMemoryStorage()
	if err := InitializeStorage(storage, "mainnet", TypeP2WPKH, 2, []byte{1, 2, 3}, nil, ""); err == nil {
		t.Error("Expected error for 3-byte entropy")
	}
	if err := InitializeStorage(storage, "moonnet", TypeP2WPKH, 2, nil, nil, ""); err == nil {
		t.Error("Expected error for unknown network")
	}
	if err := InitializeStorage(storage, "mainnet", TypeP2WPKH, 2, nil, nil, ""); err != nil {
		t.Fatal(err)
	}
	if err := InitializeStorage(storage, "mainnet", TypeP2WPKH, 2, nil, nil, ""); err == nil {
		t.Error("Expected refusal to initialize non-empty storage")
	}
}

func TestGapLimitDerivation(t *testing.T) {
	// Fresh BIP-84 wallet: three external addresses advance the cache to 3
	// and land on the expected derivation paths.
	w := newTestWallet(t, TypeP2WPKH, 2)

	addrs := make(map[string]bool)
	for i := 0; i < 3; i++ {
		addr, err := w.GetExternalAddr(0)
		if err != nil {
			t.Fatal(err)
		}
		addrs[addr] = true
	}
	if len(addrs) != 3 {
		t.Errorf("Expected 3 distinct addresses. Got: %d", len(addrs))
	}
	if next := w.NextUnusedIndex(0, false); next != 3 {
		t.Errorf("Expected index cache at 3. Got: %d", next)
	}
	for addr := range addrs {
		path, err := w.AddrToPath(addr)
		if err != nil {
			t.Fatal(err)
		}
		repr := path.String()
		if repr != "m/84'/0'/0'/0/0" && repr != "m/84'/0'/0'/0/1" && repr != "m/84'/0'/0'/0/2" {
			t.Errorf("Unexpected derivation path %s", repr)
		}
	}
}

func TestScriptPathBijection(t *testing.T) {
	w := newTestWallet(t, TypeP2SHP2WPKH, 1)
	for i := 0; i < 4; i++ {
		if _, err := w.GetNewScript(uint32(i%2), i >= 2); err != nil {
			t.Fatal(err)
		}
	}
	for script, path := range w.scriptMap {
		derived, err := w.ScriptFromPath(path)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal([]byte(script), derived) {
			t.Errorf("Bijection violated at %s", path)
		}
	}
}

func TestDisableNewScripts(t *testing.T) {
	w := newTestWallet(t, TypeP2WPKH, 1)
	w.DisableNewScripts = true
	if _, err := w.GetNewScript(0, false); err != ErrNewScriptsDisabled {
		t.Errorf("Expected ErrNewScriptsDisabled. Got: %v", err)
	}
	// the privileged sync entry point keeps working
	if _, err := w.GetNewScriptOverrideDisable(0, false); err != nil {
		t.Errorf("Expected override to succeed. Got: %v", err)
	}
}

func TestSetNextIndexMonotonicity(t *testing.T) {
	w := newTestWallet(t, TypeP2WPKH, 1)
	for i := 0; i < 3; i++ {
		if _, err := w.GetNewScript(0, false); err != nil {
			t.Fatal(err)
		}
	}
	// rewinding is fine, advancing past the cache needs force
	if err := w.SetNextIndex(0, false, 2, false); err != nil {
		t.Errorf("Expected rewind without force to succeed. Got: %v", err)
	}
	if err := w.SetNextIndex(0, false, 10, false); err == nil {
		t.Error("Expected advance without force to fail")
	}
	if err := w.SetNextIndex(0, false, 10, true); err != nil {
		t.Errorf("Expected forced advance to succeed. Got: %v", err)
	}
	if next := w.NextUnusedIndex(0, false); next != 10 {
		t.Errorf("Expected index 10 after force. Got: %d", next)
	}
}

func TestImportedKeyLifecycle(t *testing.T) {
	w := newTestWallet(t, TypeP2SHP2WPKH, 2)

	key, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x55}, 32))
	wif, err := btcutil.NewWIF(key, &chaincfg.MainNetParams, true)
	if err != nil {
		t.Fatal(err)
	}

	path, err := w.ImportPrivateKey(0, wif.String(), TypeUnknown)
	if err != nil {
		t.Fatal(err)
	}
	if path.String() != "imported/0/0" {
		t.Errorf("Expected path imported/0/0. Got: %s", path)
	}
	if _, err := w.ImportPrivateKey(0, wif.String(), TypeUnknown); err == nil {
		t.Error("Expected duplicate import to fail")
	}

	key2, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x56}, 32))
	wif2, _ := btcutil.NewWIF(key2, &chaincfg.MainNetParams, true)
	path2, err := w.ImportPrivateKey(0, wif2.String(), TypeUnknown)
	if err != nil {
		t.Fatal(err)
	}

	// removal tombstones the slot; the second key keeps its index
	if err := w.RemoveImportedKey(path); err != nil {
		t.Fatal(err)
	}
	if _, _, err := w.PrivFromPath(path); err == nil {
		t.Error("Expected removed key to be unresolvable")
	}
	live := w.ImportedPaths(0)
	if len(live) != 1 || !live[0].Equal(path2) {
		t.Errorf("Expected only imported/0/1 to remain. Got: %v", live)
	}

	// round trip through a path repr
	parsed, err := w.ParsePathRepr("imported/0/1")
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Equal(path2) {
		t.Errorf("Expected parsed path equal to %s. Got: %s", path2, parsed)
	}
}

func TestBasicSpendScenario(t *testing.T) {
	// Import a WIF into mixdepth 0 of a wrapped-segwit wallet, receive
	// 1_000_000 sats at height 700_000, then spend 300_000 with 500 fee and
	// change 699_500 to an internal address.
	w := newTestWallet(t, TypeP2SHP2WPKH, 2)

	key, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x99}, 32))
	wif, _ := btcutil.NewWIF(key, &chaincfg.MainNetParams, true)
	importPath, err := w.ImportPrivateKey(0, wif.String(), TypeUnknown)
	if err != nil {
		t.Fatal(err)
	}
	importedScript, err := w.ScriptFromPath(importPath)
	if err != nil {
		t.Fatal(err)
	}
	// wrapped segwit: OP_HASH160 <20 bytes> OP_EQUAL
	if len(importedScript) != 23 {
		t.Fatalf("Expected 23-byte p2sh script. Got: %d", len(importedScript))
	}

	receive := paymentTx(t, make([]byte, 32), 0, wire.NewTxOut(1_000_000, importedScript))
	removed, added, err := w.ProcessNewTx(receive, 700_000)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 0 || len(added) != 1 {
		t.Fatalf("Expected (0 removed, 1 added). Got: (%d, %d)", len(removed), len(added))
	}
	if bal := w.BalanceByMixdepth(false, -1)[0]; bal != 1_000_000 {
		t.Errorf("Expected balance 1000000. Got: %d", bal)
	}

	receiveTxid := receive.TxHash()
	changeScript, err := w.GetNewScript(0, true)
	if err != nil {
		t.Fatal(err)
	}
	spend := paymentTx(t, receiveTxid[:], 0,
		wire.NewTxOut(300_000, foreignScript(t)),
		wire.NewTxOut(699_500, changeScript))
	removed, added, err = w.ProcessNewTx(spend, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || len(added) != 1 {
		t.Fatalf("Expected (1 removed, 1 added). Got: (%d, %d)", len(removed), len(added))
	}
	if _, ok := w.UTXOs().Have(receiveTxid[:], 0, true); ok {
		t.Error("Expected the spent outpoint to be gone")
	}
	spendTxid := spend.TxHash()
	if md, ok := w.UTXOs().Have(spendTxid[:], 1, true); !ok || md != 0 {
		t.Errorf("Expected change outpoint in mixdepth 0. Got: %d, %v", md, ok)
	}
	if bal := w.BalanceByMixdepth(false, -1)[0]; bal != 699_500 {
		t.Errorf("Expected balance 699500. Got: %d", bal)
	}
}

func TestProcessNewTxIdempotent(t *testing.T) {
	w := newTestWallet(t, TypeP2WPKH, 1)
	script, err := w.GetNewScript(0, false)
	if err != nil {
		t.Fatal(err)
	}
	tx := paymentTx(t, make([]byte, 32), 0, wire.NewTxOut(42_000, script))
	if _, added, err := w.ProcessNewTx(tx, 0); err != nil || len(added) != 1 {
		t.Fatalf("first processing: added=%d err=%v", len(added), err)
	}
	removed, added, err := w.ProcessNewTx(tx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 0 || len(added) != 0 {
		t.Errorf("Expected second processing to be a no-op. Got: (%d, %d)", len(removed), len(added))
	}
}

func TestProcessNewTxConfirmationRefreshesHeight(t *testing.T) {
	w := newTestWallet(t, TypeP2WPKH, 1)
	script, err := w.GetNewScript(0, false)
	if err != nil {
		t.Fatal(err)
	}
	tx := paymentTx(t, make([]byte, 32), 0, wire.NewTxOut(42_000, script))
	if _, _, err := w.ProcessNewTx(tx, 0); err != nil {
		t.Fatal(err)
	}
	if _, _, err := w.ProcessNewTx(tx, 812_345); err != nil {
		t.Fatal(err)
	}
	txid := tx.TxHash()
	rec := w.UTXOs().ByMixdepth()[0][mustOutpoint(t, txid[:], 0)]
	if rec.Height != 812_345 {
		t.Errorf("Expected confirmed height 812345. Got: %d", rec.Height)
	}
}

func TestProcessNewTxIgnoresUnrelated(t *testing.T) {
	w := newTestWallet(t, TypeP2WPKH, 1)
	tx := paymentTx(t, make([]byte, 32), 0, wire.NewTxOut(10_000, foreignScript(t)))
	removed, added, err := w.ProcessNewTx(tx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 0 || len(added) != 0 {
		t.Errorf("Expected unrelated tx to be ignored. Got: (%d, %d)", len(removed), len(added))
	}
}

func TestSignTx(t *testing.T) {
	w := newTestWallet(t, TypeP2WPKH, 1)
	script, err := w.GetNewScript(0, false)
	if err != nil {
		t.Fatal(err)
	}
	tx := paymentTx(t, make([]byte, 32), 0, wire.NewTxOut(90_000, foreignScript(t)))
	if err := w.SignTx(tx, map[int]InputInfo{0: {Script: script, Amount: 100_000}}); err != nil {
		t.Fatal(err)
	}
	if len(tx.TxIn[0].Witness) != 2 {
		t.Errorf("Expected p2wpkh witness on input 0. Got: %d items", len(tx.TxIn[0].Witness))
	}

	// unknown script short-circuits
	tx2 := paymentTx(t, make([]byte, 32), 0, wire.NewTxOut(90_000, foreignScript(t)))
	err = w.SignTx(tx2, map[int]InputInfo{0: {Script: foreignScript(t), Amount: 100_000}})
	if err == nil {
		t.Error("Expected signing with unknown script to fail")
	}
}

func TestWalletPersistenceRoundtrip(t *testing.T) {
	storage := NewMemoryStorage()
	entropy := bytes.Repeat([]byte{0x42}, 16)
	if err := InitializeStorage(storage, "mainnet", TypeP2WPKH, 2, entropy, nil, "2024/01/01 00:00:00"); err != nil {
		t.Fatal(err)
	}
	w, err := OpenWallet(storage, Options{})
	if err != nil {
		t.Fatal(err)
	}
	script, err := w.GetNewScript(1, false)
	if err != nil {
		t.Fatal(err)
	}
	tx := paymentTx(t, make([]byte, 32), 0, wire.NewTxOut(55_000, script))
	if _, _, err := w.ProcessNewTx(tx, 800_000); err != nil {
		t.Fatal(err)
	}
	txid := tx.TxHash()
	if err := w.DisableUTXO(txid[:], 0, true); err != nil {
		t.Fatal(err)
	}
	if err := w.Save(); err != nil {
		t.Fatal(err)
	}

	// reopen from the same blob
	w2, err := OpenWallet(storage, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if w2.WalletID() != w.WalletID() {
		t.Errorf("Expected stable wallet id. Got: %s vs %s", w2.WalletID(), w.WalletID())
	}
	if next := w2.NextUnusedIndex(1, false); next != 1 {
		t.Errorf("Expected index cache to persist. Got: %d", next)
	}
	if !w2.IsKnownScript(script) {
		t.Error("Expected script map rebuilt from index cache")
	}
	if bal := w2.BalanceByMixdepth(true, -1)[1]; bal != 55_000 {
		t.Errorf("Expected persisted balance 55000. Got: %d", bal)
	}
	if !w2.UTXOs().IsDisabled(txid[:], 0) {
		t.Error("Expected disable flag to persist")
	}
}

func TestMixdepthIsolationInvariant(t *testing.T) {
	// every stored utxo's path resolves to the mixdepth that stores it
	w := newTestWallet(t, TypeP2WPKH, 2)
	for md := uint32(0); md <= 2; md++ {
		script, err := w.GetNewScript(md, false)
		if err != nil {
			t.Fatal(err)
		}
		tx := paymentTx(t, make([]byte, 32), md, wire.NewTxOut(10_000, script))
		if _, _, err := w.ProcessNewTx(tx, 0); err != nil {
			t.Fatal(err)
		}
	}
	for md, entries := range w.UTXOs().ByMixdepth() {
		for op, rec := range entries {
			got, err := w.MixdepthFromPath(rec.Path)
			if err != nil {
				t.Fatal(err)
			}
			if got != md {
				t.Errorf("Mixdepth isolation violated at %s: path says %d, stored in %d", op, got, md)
			}
		}
	}
}

func TestWalletLabel(t *testing.T) {
	w := newTestWallet(t, TypeP2WPKH, 1)
	label := w.WalletLabel()
	if len(label) != len(WalletLabelPrefix)+6 {
		t.Errorf("Expected label prefix plus 6 hex chars. Got: %s", label)
	}
	if label[:len(WalletLabelPrefix)] != WalletLabelPrefix {
		t.Errorf("Expected label to start with %q. Got: %s", WalletLabelPrefix, label)
	}
}

func TestBIP32Exports(t *testing.T) {
	w := newTestWallet(t, TypeP2WPKH, 1)
	xprv, err := w.BIP32PrivExport(0, false)
	if err != nil {
		t.Fatal(err)
	}
	xpub, err := w.BIP32PubExport(0, false)
	if err != nil {
		t.Fatal(err)
	}
	if xprv[:4] != "xprv" || xpub[:4] != "xpub" {
		t.Errorf("Expected xprv/xpub prefixes. Got: %s / %s", xprv[:4], xpub[:4])
	}
}

func TestRewindWalletIndices(t *testing.T) {
	w := newTestWallet(t, TypeP2WPKH, 1)
	used := map[uint32]BranchIndices{0: {5, 2}, 1: {0, 0}}
	saved := map[uint32]BranchIndices{0: {3, 4}, 1: {1, 0}}
	w.RewindWalletIndices(used, saved)
	if got := w.NextUnusedIndex(0, false); got != 5 {
		t.Errorf("Expected external index 5. Got: %d", got)
	}
	if got := w.NextUnusedIndex(0, true); got != 4 {
		t.Errorf("Expected internal index 4 (saved wins). Got: %d", got)
	}
	if got := w.NextUnusedIndex(1, false); got != 1 {
		t.Errorf("Expected mixdepth 1 external index 1. Got: %d", got)
	}
}
