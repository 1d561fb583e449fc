package wallet

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// InfHeight marks an unconfirmed UTXO; any real block height sorts below it.
const InfHeight int64 = math.MaxInt64

// Outpoint is a (txid, vout) reference in internal (chainhash) byte order.
type Outpoint struct {
	TxID [chainhash.HashSize]byte
	Vout uint32
}

// NewOutpoint validates and builds an Outpoint from raw txid bytes.
func NewOutpoint(txid []byte, vout uint32) (Outpoint, error) {
	if len(txid) != chainhash.HashSize {
		return Outpoint{}, fmt.Errorf("txid must be %d bytes, got %d", chainhash.HashSize, len(txid))
	}
	var o Outpoint
	copy(o.TxID[:], txid)
	o.Vout = vout
	return o, nil
}

// String renders the usual "txid:vout" display form (txid big-endian).
func (o Outpoint) String() string {
	h := chainhash.Hash(o.TxID)
	return fmt.Sprintf("%s:%d", h.String(), o.Vout)
}

// storageKey is the persistent composite key: hex of txid || be_uint32(vout).
func (o Outpoint) storageKey() string {
	buf := make([]byte, chainhash.HashSize+4)
	copy(buf, o.TxID[:])
	binary.BigEndian.PutUint32(buf[chainhash.HashSize:], o.Vout)
	return hex.EncodeToString(buf)
}

func outpointFromStorageKey(key string) (Outpoint, error) {
	raw, err := hex.DecodeString(key)
	if err != nil {
		return Outpoint{}, fmt.Errorf("utxo key %q: %w", key, err)
	}
	if len(raw) != chainhash.HashSize+4 {
		return Outpoint{}, fmt.Errorf("utxo key %q: bad length %d", key, len(raw))
	}
	var o Outpoint
	copy(o.TxID[:], raw[:chainhash.HashSize])
	o.Vout = binary.BigEndian.Uint32(raw[chainhash.HashSize:])
	return o, nil
}

// UTXORecord is the stored per-outpoint data.
type UTXORecord struct {
	Path   Path
	Value  int64
	Height int64
}

type utxoMeta struct {
	Disabled bool `json:"disabled"`
}

// UTXOManager tracks unspent outputs partitioned by mixdepth, plus a separate
// metadata map that survives remove/re-add cycles of the same outpoint.
type UTXOManager struct {
	utxos    map[uint32]map[Outpoint]UTXORecord
	meta     map[Outpoint]utxoMeta
	selector Selector
}

const (
	storageKeyUTXO = "utxo"
	storageKeyMeta = "meta"
)

// NewUTXOManager builds an empty manager using the given default selector.
func NewUTXOManager(selector Selector) *UTXOManager {
	return &UTXOManager{
		utxos:    make(map[uint32]map[Outpoint]UTXORecord),
		meta:     make(map[Outpoint]utxoMeta),
		selector: selector,
	}
}

type utxoRecordBlob struct {
	Path   pathRecord `json:"path"`
	Value  int64      `json:"value"`
	Height int64      `json:"height"`
}

// loadUTXOStorage reads the "utxo" and "meta" sections of the wallet blob.
func loadUTXOStorage(storage *Storage, selector Selector, keyIdent []byte) (*UTXOManager, error) {
	m := NewUTXOManager(selector)

	var perMixdepth map[string]map[string]utxoRecordBlob
	if err := storage.getSection(storageKeyUTXO, &perMixdepth); err != nil {
		return nil, err
	}
	for mdStr, entries := range perMixdepth {
		md, err := parseMixdepthKey(mdStr)
		if err != nil {
			return nil, err
		}
		for key, rec := range entries {
			op, err := outpointFromStorageKey(key)
			if err != nil {
				return nil, err
			}
			m.mixdepthMap(md)[op] = UTXORecord{
				Path:   rec.Path.path(keyIdent),
				Value:  rec.Value,
				Height: rec.Height,
			}
		}
	}

	var metaEntries map[string]utxoMeta
	if err := storage.getSection(storageKeyMeta, &metaEntries); err != nil {
		return nil, err
	}
	for key, meta := range metaEntries {
		op, err := outpointFromStorageKey(key)
		if err != nil {
			return nil, err
		}
		m.meta[op] = meta
	}
	return m, nil
}

// writeStorage serializes the manager back into the wallet blob sections.
func (m *UTXOManager) writeStorage(storage *Storage) error {
	perMixdepth := make(map[string]map[string]utxoRecordBlob, len(m.utxos))
	for md, entries := range m.utxos {
		mdMap := make(map[string]utxoRecordBlob, len(entries))
		for op, rec := range entries {
			mdMap[op.storageKey()] = utxoRecordBlob{
				Path:   rec.Path.record(),
				Value:  rec.Value,
				Height: rec.Height,
			}
		}
		perMixdepth[mixdepthKey(md)] = mdMap
	}
	if err := storage.setSection(storageKeyUTXO, perMixdepth); err != nil {
		return err
	}

	metaEntries := make(map[string]utxoMeta, len(m.meta))
	for op, meta := range m.meta {
		metaEntries[op.storageKey()] = meta
	}
	return storage.setSection(storageKeyMeta, metaEntries)
}

func (m *UTXOManager) mixdepthMap(md uint32) map[Outpoint]UTXORecord {
	mdMap, ok := m.utxos[md]
	if !ok {
		mdMap = make(map[Outpoint]UTXORecord)
		m.utxos[md] = mdMap
	}
	return mdMap
}

// Add records a new unspent output. A non-positive height means unconfirmed.
func (m *UTXOManager) Add(txid []byte, vout uint32, path Path, value int64, mixdepth uint32, height int64) error {
	op, err := NewOutpoint(txid, vout)
	if err != nil {
		return err
	}
	if value < 0 {
		return fmt.Errorf("utxo value must be non-negative, got %d", value)
	}
	if height <= 0 {
		height = InfHeight
	}
	m.mixdepthMap(mixdepth)[op] = UTXORecord{Path: path, Value: value, Height: height}
	return nil
}

// Remove deletes the outpoint from the given mixdepth and returns its record.
// Metadata is retained so disable flags survive re-spend-and-recreate.
func (m *UTXOManager) Remove(txid []byte, vout uint32, mixdepth uint32) (UTXORecord, error) {
	op, err := NewOutpoint(txid, vout)
	if err != nil {
		return UTXORecord{}, err
	}
	rec, ok := m.utxos[mixdepth][op]
	if !ok {
		return UTXORecord{}, fmt.Errorf("utxo %s not found in mixdepth %d", op, mixdepth)
	}
	delete(m.utxos[mixdepth], op)
	return rec, nil
}

// Have scans all mixdepths for the outpoint, returning the owning mixdepth.
func (m *UTXOManager) Have(txid []byte, vout uint32, includeDisabled bool) (uint32, bool) {
	op, err := NewOutpoint(txid, vout)
	if err != nil {
		return 0, false
	}
	if !includeDisabled && m.isDisabled(op) {
		return 0, false
	}
	for md, entries := range m.utxos {
		if _, ok := entries[op]; ok {
			return md, true
		}
	}
	return 0, false
}

// Disable sets or clears the disable flag for an outpoint.
func (m *UTXOManager) Disable(txid []byte, vout uint32, disable bool) error {
	op, err := NewOutpoint(txid, vout)
	if err != nil {
		return err
	}
	m.meta[op] = utxoMeta{Disabled: disable}
	return nil
}

// Enable clears the disable flag.
func (m *UTXOManager) Enable(txid []byte, vout uint32) error {
	return m.Disable(txid, vout, false)
}

// IsDisabled reports the disable flag; absent metadata means enabled.
func (m *UTXOManager) IsDisabled(txid []byte, vout uint32) bool {
	op, err := NewOutpoint(txid, vout)
	if err != nil {
		return false
	}
	return m.isDisabled(op)
}

func (m *UTXOManager) isDisabled(op Outpoint) bool {
	return m.meta[op].Disabled
}

// SelectedUTXO is a selection result entry.
type SelectedUTXO struct {
	Path  Path
	Value int64
}

// Select filters the mixdepth's coins (exclusion set, confirmation height,
// disable flags) and delegates to the selector. maxHeight < 0 disables the
// height filter.
func (m *UTXOManager) Select(mixdepth uint32, amount int64, filter map[Outpoint]bool, selectFn Selector, maxHeight int64) (map[Outpoint]SelectedUTXO, error) {
	var available []Selectable
	for op, rec := range m.utxos[mixdepth] {
		if filter[op] {
			continue
		}
		if maxHeight >= 0 && rec.Height > maxHeight {
			continue
		}
		if m.isDisabled(op) {
			continue
		}
		available = append(available, Selectable{Outpoint: op, Value: rec.Value})
	}
	selector := selectFn
	if selector == nil {
		selector = m.selector
	}
	selected, err := selector(available, amount)
	if err != nil {
		return nil, err
	}
	out := make(map[Outpoint]SelectedUTXO, len(selected))
	for _, s := range selected {
		rec := m.utxos[mixdepth][s.Outpoint]
		out[s.Outpoint] = SelectedUTXO{Path: rec.Path, Value: rec.Value}
	}
	return out, nil
}

// BalanceByMixdepth sums values per mixdepth up to maxMixdepth, optionally
// skipping disabled coins and coins above maxHeight (maxHeight < 0 = no
// height filter).
func (m *UTXOManager) BalanceByMixdepth(maxMixdepth uint32, includeDisabled bool, maxHeight int64) map[uint32]int64 {
	balances := make(map[uint32]int64)
	for md, entries := range m.utxos {
		if md > maxMixdepth {
			continue
		}
		var sum int64
		for op, rec := range entries {
			if !includeDisabled && m.isDisabled(op) {
				continue
			}
			if maxHeight >= 0 && rec.Height > maxHeight {
				continue
			}
			sum += rec.Value
		}
		balances[md] = sum
	}
	return balances
}

// ByMixdepth returns a deep copy of the per-mixdepth UTXO maps.
func (m *UTXOManager) ByMixdepth() map[uint32]map[Outpoint]UTXORecord {
	out := make(map[uint32]map[Outpoint]UTXORecord, len(m.utxos))
	for md, entries := range m.utxos {
		mdMap := make(map[Outpoint]UTXORecord, len(entries))
		for op, rec := range entries {
			mdMap[op] = rec
		}
		out[md] = mdMap
	}
	return out
}

// Reset drops all UTXO state but keeps metadata, for a sync rebuild.
func (m *UTXOManager) Reset() {
	m.utxos = make(map[uint32]map[Outpoint]UTXORecord)
}

// Mixdepths returns the mixdepths with any recorded coins, sorted.
func (m *UTXOManager) Mixdepths() []uint32 {
	mds := make([]uint32, 0, len(m.utxos))
	for md := range m.utxos {
		mds = append(mds, md)
	}
	sort.Slice(mds, func(i, j int) bool { return mds[i] < mds[j] })
	return mds
}

func mixdepthKey(md uint32) string {
	return fmt.Sprintf("%d", md)
}

func parseMixdepthKey(s string) (uint32, error) {
	var md uint32
	if _, err := fmt.Sscanf(s, "%d", &md); err != nil {
		return 0, fmt.Errorf("invalid mixdepth key %q: %w", s, err)
	}
	return md, nil
}
