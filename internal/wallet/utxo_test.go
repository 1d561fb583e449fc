package wallet

import (
	"bytes"
	"errors"
	"testing"
)

func testTxid(tag byte) []byte {
	txid := make([]byte, 32)
	txid[0] = tag
	return txid
}

func testPath(md, index uint32) Path {
	return newDerivedPath([]byte{1, 2, 3}, []uint32{hardenedStart + 84, hardenedStart, hardenedStart + md, 0, index})
}

func TestUTXOAddRemoveHave(t *testing.T) {
	m := NewUTXOManager(SelectDefault)

	if err := m.Add(testTxid(1), 0, testPath(0, 0), 1_000_000, 0, 700_000); err != nil {
		t.Fatal(err)
	}
	md, ok := m.Have(testTxid(1), 0, true)
	if !ok || md != 0 {
		t.Errorf("Expected utxo present in mixdepth 0. Got: %d, %v", md, ok)
	}
	if _, ok := m.Have(testTxid(1), 1, true); ok {
		t.Error("Expected vout 1 to be absent")
	}

	rec, err := m.Remove(testTxid(1), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Value != 1_000_000 || rec.Height != 700_000 {
		t.Errorf("Expected removed record (1000000, 700000). Got: (%d, %d)", rec.Value, rec.Height)
	}
	if _, ok := m.Have(testTxid(1), 0, true); ok {
		t.Error("Expected utxo gone after removal")
	}
	if _, err := m.Remove(testTxid(1), 0, 0); err == nil {
		t.Error("Expected error removing absent utxo")
	}
}

func TestUTXOAddValidation(t *testing.T) {
	m := NewUTXOManager(SelectDefault)
	if err := m.Add([]byte{1, 2}, 0, testPath(0, 0), 1, 0, 0); err == nil {
		t.Error("Expected error for short txid")
	}
	if err := m.Add(testTxid(1), 0, testPath(0, 0), -5, 0, 0); err == nil {
		t.Error("Expected error for negative value")
	}
}

func TestUTXOUnconfirmedDefaultsToInfHeight(t *testing.T) {
	m := NewUTXOManager(SelectDefault)
	if err := m.Add(testTxid(1), 0, testPath(0, 0), 5_000, 0, 0); err != nil {
		t.Fatal(err)
	}
	rec := m.ByMixdepth()[0][mustOutpoint(t, testTxid(1), 0)]
	if rec.Height != InfHeight {
		t.Errorf("Expected InfHeight for unconfirmed utxo. Got: %d", rec.Height)
	}
}

func mustOutpoint(t *testing.T, txid []byte, vout uint32) Outpoint {
	t.Helper()
	op, err := NewOutpoint(txid, vout)
	if err != nil {
		t.Fatal(err)
	}
	return op
}

func TestUTXODisableFlagSurvivesRespend(t *testing.T) {
	// The disable flag lives in a separate metadata map that is not purged
	// on removal, so a re-created outpoint comes back still disabled.
	m := NewUTXOManager(SelectDefault)
	if err := m.Add(testTxid(1), 0, testPath(0, 0), 5_000, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.Disable(testTxid(1), 0, true); err != nil {
		t.Fatal(err)
	}
	if !m.IsDisabled(testTxid(1), 0) {
		t.Fatal("Expected utxo disabled")
	}
	if _, err := m.Remove(testTxid(1), 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.Add(testTxid(1), 0, testPath(0, 0), 5_000, 0, 0); err != nil {
		t.Fatal(err)
	}
	if !m.IsDisabled(testTxid(1), 0) {
		t.Error("Expected disable flag to survive remove/re-add")
	}
	if err := m.Enable(testTxid(1), 0); err != nil {
		t.Fatal(err)
	}
	if m.IsDisabled(testTxid(1), 0) {
		t.Error("Expected utxo enabled after Enable")
	}
}

func TestUTXOHaveExcludesDisabled(t *testing.T) {
	m := NewUTXOManager(SelectDefault)
	if err := m.Add(testTxid(1), 0, testPath(0, 0), 5_000, 2, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.Disable(testTxid(1), 0, true); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Have(testTxid(1), 0, false); ok {
		t.Error("Expected disabled utxo hidden when includeDisabled=false")
	}
	if md, ok := m.Have(testTxid(1), 0, true); !ok || md != 2 {
		t.Errorf("Expected disabled utxo visible when includeDisabled=true in mixdepth 2. Got: %d, %v", md, ok)
	}
}

func TestUTXOSelectAppliesFilters(t *testing.T) {
	m := NewUTXOManager(SelectGreediest)
	// four coins in mixdepth 0: one excluded, one unconfirmed, one disabled,
	// one spendable
	if err := m.Add(testTxid(1), 0, testPath(0, 0), 100_000, 0, 500); err != nil {
		t.Fatal(err)
	}
	if err := m.Add(testTxid(2), 0, testPath(0, 1), 100_000, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.Add(testTxid(3), 0, testPath(0, 2), 100_000, 0, 400); err != nil {
		t.Fatal(err)
	}
	if err := m.Add(testTxid(4), 0, testPath(0, 3), 100_000, 0, 300); err != nil {
		t.Fatal(err)
	}
	if err := m.Disable(testTxid(3), 0, true); err != nil {
		t.Fatal(err)
	}
	filter := map[Outpoint]bool{mustOutpoint(t, testTxid(1), 0): true}

	// maxHeight 600 excludes the unconfirmed coin; the disabled and the
	// filtered coins are out as well; only txid 4 remains.
	selected, err := m.Select(0, 50_000, filter, nil, 600)
	if err != nil {
		t.Fatal(err)
	}
	if len(selected) != 1 {
		t.Fatalf("Expected exactly 1 selectable coin. Got: %d", len(selected))
	}
	if _, ok := selected[mustOutpoint(t, testTxid(4), 0)]; !ok {
		t.Error("Expected txid 4 to be the selected coin")
	}
}

func TestUTXOSelectInsufficient(t *testing.T) {
	m := NewUTXOManager(SelectDefault)
	if err := m.Add(testTxid(1), 0, testPath(0, 0), 1_000, 0, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Select(0, 5_000, nil, nil, -1); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("Expected ErrInsufficientFunds. Got: %v", err)
	}
	// a different mixdepth never contributes: mixdepth isolation
	if err := m.Add(testTxid(2), 0, testPath(1, 0), 1_000_000, 1, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Select(0, 5_000, nil, nil, -1); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("Expected mixdepth isolation to keep funds insufficient. Got: %v", err)
	}
}

func TestUTXOBalanceByMixdepth(t *testing.T) {
	m := NewUTXOManager(SelectDefault)
	if err := m.Add(testTxid(1), 0, testPath(0, 0), 100, 0, 10); err != nil {
		t.Fatal(err)
	}
	if err := m.Add(testTxid(2), 0, testPath(0, 1), 200, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.Add(testTxid(3), 0, testPath(1, 0), 400, 1, 20); err != nil {
		t.Fatal(err)
	}
	if err := m.Disable(testTxid(2), 0, true); err != nil {
		t.Fatal(err)
	}

	all := m.BalanceByMixdepth(5, true, -1)
	if all[0] != 300 || all[1] != 400 {
		t.Errorf("Expected balances {0:300, 1:400}. Got: %v", all)
	}
	enabled := m.BalanceByMixdepth(5, false, -1)
	if enabled[0] != 100 {
		t.Errorf("Expected enabled balance 100 in mixdepth 0. Got: %d", enabled[0])
	}
	confirmedOnly := m.BalanceByMixdepth(5, true, 15)
	if confirmedOnly[0] != 100 || confirmedOnly[1] != 0 {
		t.Errorf("Expected height-filtered balances {0:100, 1:0}. Got: %v", confirmedOnly)
	}
	capped := m.BalanceByMixdepth(0, true, -1)
	if _, ok := capped[1]; ok {
		t.Error("Expected mixdepth 1 excluded by maxMixdepth 0")
	}
}

func TestUTXOStorageRoundtrip(t *testing.T) {
	storage := NewMemoryStorage()
	m := NewUTXOManager(SelectDefault)
	keyIdent := []byte{1, 2, 3}
	if err := m.Add(testTxid(7), 3, testPath(0, 0), 123_456, 0, 700_123); err != nil {
		t.Fatal(err)
	}
	if err := m.Add(testTxid(8), 0, NewImportedPath(1, 0), 50_000, 1, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.Disable(testTxid(7), 3, true); err != nil {
		t.Fatal(err)
	}
	if err := m.writeStorage(storage); err != nil {
		t.Fatal(err)
	}

	loaded, err := loadUTXOStorage(storage, SelectDefault, keyIdent)
	if err != nil {
		t.Fatal(err)
	}
	rec := loaded.ByMixdepth()[0][mustOutpoint(t, testTxid(7), 3)]
	if rec.Value != 123_456 || rec.Height != 700_123 {
		t.Errorf("Expected (123456, 700123) after reload. Got: (%d, %d)", rec.Value, rec.Height)
	}
	if !rec.Path.Equal(testPath(0, 0)) {
		t.Errorf("Expected path %s after reload. Got: %s", testPath(0, 0), rec.Path)
	}
	imp := loaded.ByMixdepth()[1][mustOutpoint(t, testTxid(8), 0)]
	if !imp.Path.Imported() {
		t.Error("Expected imported path to survive reload")
	}
	if imp.Height != InfHeight {
		t.Errorf("Expected unconfirmed height to reload as InfHeight. Got: %d", imp.Height)
	}
	if !loaded.IsDisabled(testTxid(7), 3) {
		t.Error("Expected disable flag to survive reload")
	}
}

func TestOutpointStorageKeyRoundtrip(t *testing.T) {
	op := mustOutpoint(t, testTxid(0xAB), 17)
	back, err := outpointFromStorageKey(op.storageKey())
	if err != nil {
		t.Fatal(err)
	}
	if back != op {
		t.Errorf("Expected outpoint roundtrip. Got: %v vs %v", back, op)
	}
	if !bytes.Equal(back.TxID[:], op.TxID[:]) || back.Vout != 17 {
		t.Error("Outpoint fields corrupted in roundtrip")
	}
}
