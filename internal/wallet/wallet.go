package wallet

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/crypto/pbkdf2"
)

// WalletLabelPrefix is the label under which this wallet's addresses are
// imported into the connected node.
const WalletLabelPrefix = "joinmarket-wallet-"

// DefaultGapLimit is how many unused indices past the highest-used index are
// derived and watched.
const DefaultGapLimit = 6

// Storage section keys of the wallet blob, besides the UTXO sections.
const (
	storageKeyWalletType    = "wallet_type"
	storageKeyNetwork       = "network"
	storageKeyCreated       = "created"
	storageKeyEntropy       = "entropy"
	storageKeySeedExtension = "seed_extension"
	storageKeyIndexCache    = "index_cache"
	storageKeyImportedKeys  = "imported_keys"
)

const createdTimeLayout = "2006/01/02 15:04:05"

// ImportedKey is one slot of the imported-key overlay. A removed key leaves a
// tombstone (empty priv, KeyType -1) so later slot indices stay stable.
type ImportedKey struct {
	Priv    []byte `json:"priv"`
	KeyType int16  `json:"key_type"`
}

const tombstoneKeyType int16 = -1

// Options configures wallet opening. Zero values select the defaults.
type Options struct {
	GapLimit       int
	MergeAlgorithm string
}

// Wallet is the HD wallet core: BIP32/44/49/84 derivation under a mixdepth
// account model, the script→path map, the UTXO store, and the imported-key
// overlay. It exclusively owns its Storage handle.
type Wallet struct {
	storage *Storage
	params  *chaincfg.Params

	walletType Type
	network    string
	created    string
	entropy    []byte
	seedExt    []byte

	engine  Engine
	engines map[Type]Engine

	master   *hdkeychain.ExtendedKey
	keyIdent []byte

	maxMixdepth uint32
	gapLimit    int

	// indexCache[md][branch] is the next unused index on that branch.
	indexCache map[uint32]map[uint32]uint32
	scriptMap  map[string]Path
	imported   map[uint32][]ImportedKey
	utxos      *UTXOManager

	// DisableNewScripts blocks fresh address generation (no-history mode).
	DisableNewScripts bool
}

func paramsForNetwork(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	}
	return nil, fmt.Errorf("unknown network %q", network)
}

func verifyEntropy(entropy []byte) error {
	if len(entropy) < 16 || len(entropy)%4 != 0 {
		return fmt.Errorf("entropy must be at least 16 bytes and a multiple of 4, got %d", len(entropy))
	}
	return nil
}

// InitializeStorage writes a fresh wallet blob into empty storage. A nil
// entropy generates 16 random bytes.
func InitializeStorage(storage *Storage, network string, walletType Type, maxMixdepth uint32, entropy, seedExtension []byte, timestamp string) error {
	if len(storage.Data) != 0 {
		return fmt.Errorf("refusing to initialize wallet in non-empty storage")
	}
	if _, err := paramsForNetwork(network); err != nil {
		return err
	}
	if _, err := NewEngine(walletType, &chaincfg.MainNetParams); err != nil {
		return err
	}
	if entropy == nil {
		entropy = make([]byte, 16)
		if _, err := rand.Read(entropy); err != nil {
			return fmt.Errorf("generate entropy: %w", err)
		}
	}
	if err := verifyEntropy(entropy); err != nil {
		return err
	}
	if timestamp == "" {
		timestamp = time.Now().Format(createdTimeLayout)
	}

	indexCache := make(map[string]map[string]uint32, maxMixdepth+1)
	importedKeys := make(map[string][]ImportedKey, maxMixdepth+1)
	for md := uint32(0); md <= maxMixdepth; md++ {
		indexCache[mixdepthKey(md)] = map[string]uint32{}
		importedKeys[mixdepthKey(md)] = []ImportedKey{}
	}

	sections := []struct {
		key string
		val interface{}
	}{
		{storageKeyWalletType, walletType},
		{storageKeyNetwork, network},
		{storageKeyCreated, timestamp},
		{storageKeyEntropy, entropy},
		{storageKeyIndexCache, indexCache},
		{storageKeyImportedKeys, importedKeys},
		{storageKeyUTXO, map[string]map[string]utxoRecordBlob{}},
		{storageKeyMeta, map[string]utxoMeta{}},
	}
	for _, sec := range sections {
		if err := storage.setSection(sec.key, sec.val); err != nil {
			return err
		}
	}
	if len(seedExtension) > 0 {
		if err := storage.setSection(storageKeySeedExtension, seedExtension); err != nil {
			return err
		}
	}
	return storage.Save()
}

// OpenWallet loads a wallet from initialized storage.
func OpenWallet(storage *Storage, opts Options) (*Wallet, error) {
	w := &Wallet{
		storage:    storage,
		gapLimit:   opts.GapLimit,
		scriptMap:  make(map[string]Path),
		imported:   make(map[uint32][]ImportedKey),
		indexCache: make(map[uint32]map[uint32]uint32),
	}
	if w.gapLimit <= 0 {
		w.gapLimit = DefaultGapLimit
	}
	selector, err := SelectorByName(opts.MergeAlgorithm)
	if err != nil {
		return nil, err
	}

	if err := storage.getSection(storageKeyWalletType, &w.walletType); err != nil {
		return nil, err
	}
	if err := storage.getSection(storageKeyNetwork, &w.network); err != nil {
		return nil, err
	}
	if err := storage.getSection(storageKeyCreated, &w.created); err != nil {
		return nil, err
	}
	if err := storage.getSection(storageKeyEntropy, &w.entropy); err != nil {
		return nil, err
	}
	if err := storage.getSection(storageKeySeedExtension, &w.seedExt); err != nil {
		return nil, err
	}
	if err := verifyEntropy(w.entropy); err != nil {
		return nil, err
	}
	w.params, err = paramsForNetwork(w.network)
	if err != nil {
		return nil, err
	}

	w.engines = EngineSet(w.params)
	w.engine = w.engines[w.walletType]
	if w.engine == nil {
		return nil, fmt.Errorf("wallet type %#x has no engine", byte(w.walletType))
	}

	var rawCache map[string]map[string]uint32
	if err := storage.getSection(storageKeyIndexCache, &rawCache); err != nil {
		return nil, err
	}
	if len(rawCache) == 0 {
		return nil, fmt.Errorf("wallet blob has no index cache; storage not initialized")
	}
	for mdStr, branches := range rawCache {
		md, err := parseMixdepthKey(mdStr)
		if err != nil {
			return nil, err
		}
		w.indexCache[md] = map[uint32]uint32{}
		for brStr, next := range branches {
			br, err := parseMixdepthKey(brStr)
			if err != nil {
				return nil, err
			}
			w.indexCache[md][br] = next
		}
		if md > w.maxMixdepth {
			w.maxMixdepth = md
		}
	}
	for md := uint32(0); md <= w.maxMixdepth; md++ {
		if w.indexCache[md] == nil {
			w.indexCache[md] = map[uint32]uint32{}
		}
	}

	w.master, err = w.engine.DeriveMasterKey(w.masterSeed())
	if err != nil {
		return nil, err
	}
	if err := w.deriveKeyIdent(); err != nil {
		return nil, err
	}

	w.utxos, err = loadUTXOStorage(storage, selector, w.keyIdent)
	if err != nil {
		return nil, err
	}

	var rawImported map[string][]ImportedKey
	if err := storage.getSection(storageKeyImportedKeys, &rawImported); err != nil {
		return nil, err
	}
	for mdStr, keys := range rawImported {
		md, err := parseMixdepthKey(mdStr)
		if err != nil {
			return nil, err
		}
		w.imported[md] = keys
		for slot, key := range keys {
			if key.KeyType == tombstoneKeyType {
				continue
			}
			eng := w.engines[Type(key.KeyType)]
			if eng == nil {
				return nil, fmt.Errorf("imported key %d/%d has unknown type %d", md, slot, key.KeyType)
			}
			script, err := eng.PrivKeyToScript(key.Priv)
			if err != nil {
				return nil, err
			}
			w.scriptMap[string(script)] = NewImportedPath(md, slot)
		}
	}

	if err := w.populateScriptMap(); err != nil {
		return nil, err
	}
	return w, nil
}

// masterSeed converts stored entropy to the BIP32 seed. Legacy wallets feed
// the hex encoding of the entropy directly; purposed wallets stretch entropy
// plus the optional passphrase extension through the BIP39 seed KDF.
func (w *Wallet) masterSeed() []byte {
	if w.walletType == TypeP2PKH {
		return []byte(hex.EncodeToString(w.entropy))
	}
	salt := append([]byte("mnemonic"), w.seedExt...)
	return pbkdf2.Key(w.entropy, salt, 2048, 64, sha512.New)
}

// deriveKeyIdent computes the 3-byte wallet namespace: the leading bytes of
// the double-SHA256 of the account-0 external-branch xprv export.
func (w *Wallet) deriveKeyIdent() error {
	levels := append(w.accountLevels(0), BranchExternal)
	key := w.master
	for _, lvl := range levels {
		var err error
		key, err = key.Derive(lvl)
		if err != nil {
			return fmt.Errorf("derive key ident: %w", err)
		}
	}
	digest := chainhash.DoubleHashB([]byte(key.String()))
	w.keyIdent = digest[:3]
	return nil
}

func (w *Wallet) populateScriptMap() error {
	for md := uint32(0); md <= w.maxMixdepth; md++ {
		for _, branch := range []uint32{BranchExternal, BranchInternal} {
			for i := uint32(0); i < w.indexCache[md][branch]; i++ {
				script, err := w.deriveScriptAt(md, branch, i)
				if err != nil {
					return err
				}
				w.scriptMap[string(script)] = w.pathFor(md, branch, i)
			}
		}
	}
	return nil
}

// ── Path plumbing ──────────────────────────────────────────────────────

// baseLevels returns the derivation levels between the master key and the
// mixdepth level. Legacy wallets use a fixed 0 account root; purposed wallets
// use purpose'/coin_type'.
func (w *Wallet) baseLevels() []uint32 {
	if purpose := w.engine.Purpose(); purpose != 0 {
		return []uint32{purpose, w.engine.BIP44CoinType()}
	}
	return []uint32{0}
}

// mixdepthLevel maps a mixdepth to its BIP32 child index: hardened for
// purposed wallets, plain for legacy.
func (w *Wallet) mixdepthLevel(md uint32) uint32 {
	if w.engine.Purpose() != 0 {
		return hardenedStart + md
	}
	return md
}

func (w *Wallet) accountLevels(md uint32) []uint32 {
	return append(w.baseLevels(), w.mixdepthLevel(md))
}

func (w *Wallet) pathFor(md, branch, index uint32) Path {
	levels := append(w.accountLevels(md), branch, index)
	return newDerivedPath(w.keyIdent, levels)
}

// MixdepthFromPath recovers the mixdepth of any wallet path.
func (w *Wallet) MixdepthFromPath(p Path) (uint32, error) {
	if p.Imported() {
		md, _ := p.ImportedSlot()
		return md, nil
	}
	if !p.BelongsTo(w.keyIdent) {
		return 0, fmt.Errorf("path %s: unknown root", p)
	}
	lvl := p.levels[len(w.baseLevels())]
	if w.engine.Purpose() != 0 {
		lvl -= hardenedStart
	}
	return lvl, nil
}

// pathDetails splits a derived path into (mixdepth, branch, index).
func (w *Wallet) pathDetails(p Path) (uint32, uint32, uint32, error) {
	md, err := w.MixdepthFromPath(p)
	if err != nil {
		return 0, 0, 0, err
	}
	if p.Imported() {
		return 0, 0, 0, fmt.Errorf("path %s is imported, has no branch/index", p)
	}
	return md, p.Branch(), p.Index(), nil
}

// ParsePathRepr parses a human-readable path in this wallet's namespace.
func (w *Wallet) ParsePathRepr(repr string) (Path, error) {
	return ParsePathRepr(repr, w.keyIdent)
}

// ── Key and script derivation ──────────────────────────────────────────

func (w *Wallet) deriveScriptAt(md, branch, index uint32) ([]byte, error) {
	priv, err := w.engine.DerivePrivKey(w.master, w.pathFor(md, branch, index).levels)
	if err != nil {
		return nil, err
	}
	return w.engine.PrivKeyToScript(priv)
}

// PrivFromPath resolves a path to its private key and owning engine.
func (w *Wallet) PrivFromPath(p Path) ([]byte, Engine, error) {
	if p.Imported() {
		md, slot := p.ImportedSlot()
		if md > w.maxMixdepth {
			return nil, nil, fmt.Errorf("imported path %s: mixdepth out of range", p)
		}
		keys := w.imported[md]
		if slot >= len(keys) {
			return nil, nil, fmt.Errorf("unknown imported key at %s", p)
		}
		key := keys[slot]
		if key.KeyType == tombstoneKeyType {
			return nil, nil, fmt.Errorf("imported key at %s was removed", p)
		}
		return key.Priv, w.engines[Type(key.KeyType)], nil
	}
	if !p.BelongsTo(w.keyIdent) {
		return nil, nil, fmt.Errorf("path %s: unknown root", p)
	}
	priv, err := w.engine.DerivePrivKey(w.master, p.levels)
	if err != nil {
		return nil, nil, err
	}
	return priv, w.engine, nil
}

// ScriptFromPath is the single sink for path→script resolution. Requesting
// the not-yet-issued index of a branch mints it (bypassing the new-script
// disable switch; this is the privileged entry point sync relies on).
func (w *Wallet) ScriptFromPath(p Path) ([]byte, error) {
	if p.Imported() {
		priv, eng, err := w.PrivFromPath(p)
		if err != nil {
			return nil, err
		}
		return eng.PrivKeyToScript(priv)
	}
	md, branch, index, err := w.pathDetails(p)
	if err != nil {
		return nil, err
	}
	if md > w.maxMixdepth {
		return nil, fmt.Errorf("mixdepth %d outside of wallet's range", md)
	}
	if branch != BranchExternal && branch != BranchInternal {
		return nil, fmt.Errorf("path %s: invalid branch %d", p, branch)
	}
	// The exact next index mints and advances the cache; anything else is a
	// plain derivation (indices past the cache occur for gap scripts).
	if index == w.indexCache[md][branch] {
		return w.GetNewScriptOverrideDisable(md, branch == BranchInternal)
	}
	return w.deriveScriptAt(md, branch, index)
}

// AddressFromPath renders the address of the script at a path.
func (w *Wallet) AddressFromPath(p Path) (string, error) {
	script, err := w.ScriptFromPath(p)
	if err != nil {
		return "", err
	}
	return w.engineForPath(p).ScriptToAddress(script)
}

func (w *Wallet) engineForPath(p Path) Engine {
	if p.Imported() {
		if _, eng, err := w.PrivFromPath(p); err == nil {
			return eng
		}
	}
	return w.engine
}

// GetNewScript mints the script at the next unused index of a branch and
// advances the index cache. Fails when new-script generation is disabled.
func (w *Wallet) GetNewScript(md uint32, internal bool) ([]byte, error) {
	if w.DisableNewScripts {
		return nil, ErrNewScriptsDisabled
	}
	return w.GetNewScriptOverrideDisable(md, internal)
}

// GetNewScriptOverrideDisable is the privileged variant used during sync; it
// ignores the disable switch.
func (w *Wallet) GetNewScriptOverrideDisable(md uint32, internal bool) ([]byte, error) {
	if md > w.maxMixdepth {
		return nil, fmt.Errorf("mixdepth %d outside of wallet's range", md)
	}
	branch := BranchExternal
	if internal {
		branch = BranchInternal
	}
	index := w.indexCache[md][branch]
	script, err := w.deriveScriptAt(md, branch, index)
	if err != nil {
		return nil, err
	}
	w.indexCache[md][branch] = index + 1
	w.scriptMap[string(script)] = w.pathFor(md, branch, index)
	return script, nil
}

// GetScript returns the script at a known index (or mints the next one).
func (w *Wallet) GetScript(md uint32, internal bool, index uint32) ([]byte, error) {
	branch := BranchExternal
	if internal {
		branch = BranchInternal
	}
	if index > w.indexCache[md][branch] {
		return nil, fmt.Errorf("index %d beyond next unused on mixdepth %d branch %d", index, md, branch)
	}
	return w.ScriptFromPath(w.pathFor(md, branch, index))
}

// GetAddr returns the address at a known index.
func (w *Wallet) GetAddr(md uint32, internal bool, index uint32) (string, error) {
	script, err := w.GetScript(md, internal, index)
	if err != nil {
		return "", err
	}
	return w.engine.ScriptToAddress(script)
}

// GetNewAddr mints a fresh address on the given branch.
func (w *Wallet) GetNewAddr(md uint32, internal bool) (string, error) {
	script, err := w.GetNewScript(md, internal)
	if err != nil {
		return "", err
	}
	return w.engine.ScriptToAddress(script)
}

// GetExternalAddr hands out a receive address suitable for distribution.
func (w *Wallet) GetExternalAddr(md uint32) (string, error) {
	return w.GetNewAddr(md, false)
}

// GetInternalAddr hands out a change/in-protocol address.
func (w *Wallet) GetInternalAddr(md uint32) (string, error) {
	return w.GetNewAddr(md, true)
}

// GetWIF exports the key at a branch index in WIF encoding.
func (w *Wallet) GetWIF(md uint32, internal bool, index uint32) (string, error) {
	branch := BranchExternal
	if internal {
		branch = BranchInternal
	}
	priv, eng, err := w.PrivFromPath(w.pathFor(md, branch, index))
	if err != nil {
		return "", err
	}
	return eng.PrivKeyToWIF(priv)
}

// ── Script map lookups ─────────────────────────────────────────────────

// IsKnownScript reports whether the script belongs to this wallet.
func (w *Wallet) IsKnownScript(script []byte) bool {
	_, ok := w.scriptMap[string(script)]
	return ok
}

// IsKnownAddr reports whether the address belongs to this wallet.
func (w *Wallet) IsKnownAddr(addr string) bool {
	script, err := w.engine.AddressToScript(addr)
	if err != nil {
		return false
	}
	return w.IsKnownScript(script)
}

// ScriptToPath resolves a known script to its path.
func (w *Wallet) ScriptToPath(script []byte) (Path, error) {
	p, ok := w.scriptMap[string(script)]
	if !ok {
		return Path{}, ErrUnknownScript
	}
	return p, nil
}

// AddrToPath resolves a known address to its path.
func (w *Wallet) AddrToPath(addr string) (Path, error) {
	script, err := w.engine.AddressToScript(addr)
	if err != nil {
		return Path{}, err
	}
	return w.ScriptToPath(script)
}

// ScriptToAddr renders a known script as an address.
func (w *Wallet) ScriptToAddr(script []byte) (string, error) {
	p, err := w.ScriptToPath(script)
	if err != nil {
		return "", err
	}
	return w.engineForPath(p).ScriptToAddress(script)
}

// ── Transaction processing ─────────────────────────────────────────────

// RemovedUTXO describes an input of ours spent by an observed transaction.
type RemovedUTXO struct {
	Script []byte
	Path   Path
	Value  int64
}

// AddedUTXO describes an output of an observed transaction paying us.
type AddedUTXO struct {
	Script  []byte
	Path    Path
	Value   int64
	Address string
}

// ProcessNewTx reconciles wallet state against an observed transaction:
// inputs spending our coins are removed, outputs paying our scripts are
// added. Unrelated inputs and outputs are ignored, so feeding arbitrary
// transactions is safe, and re-feeding a processed transaction is a no-op.
// height <= 0 means unconfirmed.
func (w *Wallet) ProcessNewTx(tx *wire.MsgTx, height int64) (map[Outpoint]RemovedUTXO, map[Outpoint]AddedUTXO, error) {
	removed := make(map[Outpoint]RemovedUTXO)
	for _, in := range tx.TxIn {
		prev := in.PreviousOutPoint
		md, ok := w.utxos.Have(prev.Hash[:], prev.Index, true)
		if !ok {
			continue
		}
		rec, err := w.utxos.Remove(prev.Hash[:], prev.Index, md)
		if err != nil {
			return nil, nil, err
		}
		script, err := w.ScriptFromPath(rec.Path)
		if err != nil {
			return nil, nil, err
		}
		op, _ := NewOutpoint(prev.Hash[:], prev.Index)
		removed[op] = RemovedUTXO{Script: script, Path: rec.Path, Value: rec.Value}
	}

	added := make(map[Outpoint]AddedUTXO)
	txid := tx.TxHash()
	for i, out := range tx.TxOut {
		path, ok := w.scriptMap[string(out.PkScript)]
		if !ok {
			continue
		}
		md, err := w.MixdepthFromPath(path)
		if err != nil {
			return nil, nil, err
		}
		// An outpoint we already track is not re-reported; only its height
		// is refreshed on the unconfirmed->confirmed transition.
		if _, exists := w.utxos.Have(txid[:], uint32(i), true); exists {
			if height > 0 {
				if err := w.utxos.Add(txid[:], uint32(i), path, out.Value, md, height); err != nil {
					return nil, nil, err
				}
			}
			continue
		}
		if err := w.utxos.Add(txid[:], uint32(i), path, out.Value, md, height); err != nil {
			return nil, nil, err
		}
		addr, err := w.engineForPath(path).ScriptToAddress(out.PkScript)
		if err != nil {
			return nil, nil, err
		}
		op, _ := NewOutpoint(txid[:], uint32(i))
		added[op] = AddedUTXO{Script: out.PkScript, Path: path, Value: out.Value, Address: addr}
	}
	return removed, added, nil
}

// InputInfo carries what SignTx needs per input: the previous output script
// and its amount.
type InputInfo struct {
	Script []byte
	Amount int64
}

// SignTx signs the referenced inputs in place, resolving each script through
// the wallet. It short-circuits on the first failure and never mutates
// wallet state.
func (w *Wallet) SignTx(tx *wire.MsgTx, scripts map[int]InputInfo) error {
	indices := make([]int, 0, len(scripts))
	for idx := range scripts {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for _, idx := range indices {
		info := scripts[idx]
		if info.Amount <= 0 {
			return fmt.Errorf("input %d: non-positive amount %d", idx, info.Amount)
		}
		path, err := w.ScriptToPath(info.Script)
		if err != nil {
			return fmt.Errorf("input %d: %w", idx, err)
		}
		priv, eng, err := w.PrivFromPath(path)
		if err != nil {
			return fmt.Errorf("input %d: %w", idx, err)
		}
		if err := eng.SignTransaction(tx, idx, priv, info.Amount, txscript.SigHashAll); err != nil {
			return err
		}
	}
	return nil
}

// SignMessage signs a message with the key at a path, base64-encoded.
func (w *Wallet) SignMessage(msg []byte, p Path) (string, error) {
	priv, eng, err := w.PrivFromPath(p)
	if err != nil {
		return "", err
	}
	return eng.SignMessage(priv, msg)
}

// ScriptCode returns the BIP143 scriptCode for a known script.
func (w *Wallet) ScriptCode(script []byte) ([]byte, error) {
	p, err := w.ScriptToPath(script)
	if err != nil {
		return nil, err
	}
	priv, eng, err := w.PrivFromPath(p)
	if err != nil {
		return nil, err
	}
	pub, err := eng.PrivToPub(priv)
	if err != nil {
		return nil, err
	}
	return eng.PubKeyToScriptCode(pub)
}

// ── Index cache management ─────────────────────────────────────────────

// NextUnusedIndex returns the branch's next not-yet-issued index.
func (w *Wallet) NextUnusedIndex(md uint32, internal bool) uint32 {
	branch := BranchExternal
	if internal {
		branch = BranchInternal
	}
	return w.indexCache[md][branch]
}

// SetNextIndex moves a branch's next index. Rewinding is always allowed;
// advancing past the current index requires force, which is reserved for
// recovery sync; improper use desynchronizes the script map.
func (w *Wallet) SetNextIndex(md uint32, internal bool, index uint32, force bool) error {
	branch := BranchExternal
	if internal {
		branch = BranchInternal
	}
	if !force && index > w.indexCache[md][branch] {
		return fmt.Errorf("cannot advance index to %d without force", index)
	}
	w.indexCache[md][branch] = index
	return nil
}

// BranchIndices is a per-mixdepth (external, internal) index pair.
type BranchIndices [2]uint32

// RewindWalletIndices force-sets every branch to the larger of its used and
// saved index, the final step of both sync modes.
func (w *Wallet) RewindWalletIndices(used, saved map[uint32]BranchIndices) {
	for md, u := range used {
		for _, branch := range []uint32{BranchExternal, BranchInternal} {
			index := u[branch]
			if s, ok := saved[md]; ok && s[branch] > index {
				index = s[branch]
			}
			_ = w.SetNextIndex(md, branch == BranchInternal, index, true)
		}
	}
}

// GetUsedIndices computes, per branch, one past the highest index seen in the
// given addresses (imported and unknown addresses are skipped).
func (w *Wallet) GetUsedIndices(addrs []string) map[uint32]BranchIndices {
	indices := make(map[uint32]BranchIndices, w.maxMixdepth+1)
	for md := uint32(0); md <= w.maxMixdepth; md++ {
		indices[md] = BranchIndices{}
	}
	for _, addr := range addrs {
		if !w.IsKnownAddr(addr) {
			continue
		}
		path, err := w.AddrToPath(addr)
		if err != nil || path.Imported() {
			continue
		}
		md, branch, index, err := w.pathDetails(path)
		if err != nil {
			continue
		}
		cur := indices[md]
		if index+1 > cur[branch] {
			cur[branch] = index + 1
			indices[md] = cur
		}
	}
	return indices
}

// CheckGapIndices reports whether all used indices are within the cached
// ones; false means the gap limit was exceeded and another scan is needed.
func (w *Wallet) CheckGapIndices(used map[uint32]BranchIndices) bool {
	for md, u := range used {
		for _, branch := range []uint32{BranchExternal, BranchInternal} {
			if u[branch] > w.indexCache[md][branch] {
				return false
			}
		}
	}
	return true
}

// ── Imported keys ──────────────────────────────────────────────────────

// ImportPrivateKey adds a WIF key to a mixdepth. keyType TypeUnknown defaults
// to the wallet's own type (unless the WIF itself pins legacy).
func (w *Wallet) ImportPrivateKey(md uint32, wif string, keyType Type) (Path, error) {
	if md > w.maxMixdepth {
		return Path{}, fmt.Errorf("mixdepth must be at most %d", w.maxMixdepth)
	}
	priv, inferred, err := w.engine.WIFToPrivKey(wif)
	if err != nil {
		return Path{}, err
	}
	if keyType == TypeUnknown {
		keyType = inferred
	}
	if keyType == TypeUnknown {
		keyType = w.walletType
	}
	eng := w.engines[keyType]
	if eng == nil {
		return Path{}, fmt.Errorf("unsupported key type %#x for imported keys", byte(keyType))
	}
	script, err := eng.PrivKeyToScript(priv)
	if err != nil {
		return Path{}, err
	}
	if _, ok := w.scriptMap[string(script)]; ok {
		return Path{}, fmt.Errorf("cannot import key, already in wallet: %s", wif)
	}
	w.imported[md] = append(w.imported[md], ImportedKey{Priv: priv, KeyType: int16(keyType)})
	path := NewImportedPath(md, len(w.imported[md])-1)
	w.scriptMap[string(script)] = path
	return path, nil
}

// RemoveImportedKey tombstones an imported slot so later slots keep their
// indices, and forgets its script.
func (w *Wallet) RemoveImportedKey(p Path) error {
	if !p.Imported() {
		return fmt.Errorf("cannot remove non-imported key %s", p)
	}
	script, err := w.ScriptFromPath(p)
	if err != nil {
		return err
	}
	md, slot := p.ImportedSlot()
	w.imported[md][slot] = ImportedKey{Priv: []byte{}, KeyType: tombstoneKeyType}
	delete(w.scriptMap, string(script))
	return nil
}

// ImportedPaths lists the live (non-tombstoned) imported paths of a mixdepth.
func (w *Wallet) ImportedPaths(md uint32) []Path {
	var paths []Path
	for slot, key := range w.imported[md] {
		if key.KeyType == tombstoneKeyType {
			continue
		}
		paths = append(paths, NewImportedPath(md, slot))
	}
	return paths
}

// ── UTXO facade ────────────────────────────────────────────────────────

// UTXOs exposes the underlying store for read-heavy callers.
func (w *Wallet) UTXOs() *UTXOManager { return w.utxos }

// AddUTXO records an output paying a known script.
func (w *Wallet) AddUTXO(txid []byte, vout uint32, script []byte, value int64, height int64) error {
	path, ok := w.scriptMap[string(script)]
	if !ok {
		return fmt.Errorf("%w: tried to add UTXO for unknown key", ErrUnknownScript)
	}
	md, err := w.MixdepthFromPath(path)
	if err != nil {
		return err
	}
	return w.utxos.Add(txid, vout, path, value, md, height)
}

// SelectedInput is a coin chosen for spending, with its script resolved.
type SelectedInput struct {
	Script []byte
	Path   Path
	Value  int64
}

// SelectUTXOs picks coins of one mixdepth covering amount. filter excludes
// specific outpoints; maxHeight < 0 disables the confirmation filter.
func (w *Wallet) SelectUTXOs(md uint32, amount int64, filter map[Outpoint]bool, selectFn Selector, maxHeight int64) (map[Outpoint]SelectedInput, error) {
	if md > w.maxMixdepth {
		return nil, fmt.Errorf("mixdepth %d outside of wallet's range", md)
	}
	selected, err := w.utxos.Select(md, amount, filter, selectFn, maxHeight)
	if err != nil {
		return nil, err
	}
	out := make(map[Outpoint]SelectedInput, len(selected))
	for op, sel := range selected {
		script, err := w.ScriptFromPath(sel.Path)
		if err != nil {
			return nil, err
		}
		out[op] = SelectedInput{Script: script, Path: sel.Path, Value: sel.Value}
	}
	return out, nil
}

// DisableUTXO flips the disable flag and persists immediately.
func (w *Wallet) DisableUTXO(txid []byte, vout uint32, disable bool) error {
	if err := w.utxos.Disable(txid, vout, disable); err != nil {
		return err
	}
	return w.Save()
}

// ToggleDisableUTXO inverts the current disable flag.
func (w *Wallet) ToggleDisableUTXO(txid []byte, vout uint32) error {
	return w.DisableUTXO(txid, vout, !w.utxos.IsDisabled(txid, vout))
}

// BalanceByMixdepth sums spendable value per mixdepth. maxHeight < 0 means
// no confirmation filter.
func (w *Wallet) BalanceByMixdepth(includeDisabled bool, maxHeight int64) map[uint32]int64 {
	return w.utxos.BalanceByMixdepth(w.maxMixdepth, includeDisabled, maxHeight)
}

// ScriptUTXO is the enriched per-coin view returned by UTXOsByMixdepth.
type ScriptUTXO struct {
	Script  []byte
	Path    Path
	Value   int64
	Address string
	Height  int64
}

// UTXOsByMixdepth returns all coins with scripts and addresses resolved.
func (w *Wallet) UTXOsByMixdepth(includeDisabled bool) (map[uint32]map[Outpoint]ScriptUTXO, error) {
	out := make(map[uint32]map[Outpoint]ScriptUTXO)
	for md, entries := range w.utxos.ByMixdepth() {
		if md > w.maxMixdepth {
			continue
		}
		mdMap := make(map[Outpoint]ScriptUTXO)
		for op, rec := range entries {
			if !includeDisabled && w.utxos.IsDisabled(op.TxID[:], op.Vout) {
				continue
			}
			script, err := w.ScriptFromPath(rec.Path)
			if err != nil {
				return nil, err
			}
			addr, err := w.engineForPath(rec.Path).ScriptToAddress(script)
			if err != nil {
				return nil, err
			}
			mdMap[op] = ScriptUTXO{Script: script, Path: rec.Path, Value: rec.Value, Address: addr, Height: rec.Height}
		}
		out[md] = mdMap
	}
	return out, nil
}

// ResetUTXOs drops in-memory UTXO state ahead of a sync rebuild.
func (w *Wallet) ResetUTXOs() { w.utxos.Reset() }

// ── Exports and identity ───────────────────────────────────────────────

// BIP32PrivExport returns the xprv at the account/branch level.
func (w *Wallet) BIP32PrivExport(md uint32, internal bool) (string, error) {
	key, err := w.deriveAccountKey(md, internal)
	if err != nil {
		return "", err
	}
	return key.String(), nil
}

// BIP32PubExport returns the xpub at the account/branch level.
func (w *Wallet) BIP32PubExport(md uint32, internal bool) (string, error) {
	key, err := w.deriveAccountKey(md, internal)
	if err != nil {
		return "", err
	}
	pub, err := key.Neuter()
	if err != nil {
		return "", err
	}
	return pub.String(), nil
}

func (w *Wallet) deriveAccountKey(md uint32, internal bool) (*hdkeychain.ExtendedKey, error) {
	branch := BranchExternal
	if internal {
		branch = BranchInternal
	}
	levels := append(w.accountLevels(md), branch)
	key := w.master
	for _, lvl := range levels {
		var err error
		key, err = key.Derive(lvl)
		if err != nil {
			return nil, err
		}
	}
	return key, nil
}

// WalletID is the hex key ident, unique per seed and script type.
func (w *Wallet) WalletID() string { return hex.EncodeToString(w.keyIdent) }

// WalletLabel is the node-side label all wallet addresses are imported under.
func (w *Wallet) WalletLabel() string { return WalletLabelPrefix + w.WalletID() }

// Accessors.
func (w *Wallet) Network() string          { return w.network }
func (w *Wallet) Params() *chaincfg.Params { return w.params }
func (w *Wallet) WalletType() Type         { return w.walletType }
func (w *Wallet) TxType() string           { return w.walletType.TxType() }
func (w *Wallet) MaxMixdepth() uint32      { return w.maxMixdepth }
func (w *Wallet) GapLimit() int            { return w.gapLimit }
func (w *Wallet) Created() string          { return w.created }
func (w *Wallet) StorageLocation() string  { return w.storage.Location() }

// ── Persistence ────────────────────────────────────────────────────────

// Save flushes index cache, imported keys, and UTXO state to storage.
func (w *Wallet) Save() error {
	indexCache := make(map[string]map[string]uint32, len(w.indexCache))
	for md, branches := range w.indexCache {
		mdMap := make(map[string]uint32, len(branches))
		for br, next := range branches {
			mdMap[mixdepthKey(br)] = next
		}
		indexCache[mixdepthKey(md)] = mdMap
	}
	if err := w.storage.setSection(storageKeyIndexCache, indexCache); err != nil {
		return err
	}

	importedKeys := make(map[string][]ImportedKey, len(w.imported))
	for md, keys := range w.imported {
		importedKeys[mixdepthKey(md)] = keys
	}
	if err := w.storage.setSection(storageKeyImportedKeys, importedKeys); err != nil {
		return err
	}

	if err := w.utxos.writeStorage(w.storage); err != nil {
		return err
	}
	return w.storage.Save()
}

// Close releases the storage handle. The wallet must not be used afterwards.
func (w *Wallet) Close() error {
	return w.storage.Close()
}
