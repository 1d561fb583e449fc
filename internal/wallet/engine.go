package wallet

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Type discriminates the wallet's script type. The values are persisted in
// the wallet blob, do not renumber.
type Type byte

const (
	// TypeUnknown marks a WIF whose script type could not be inferred.
	TypeUnknown Type = 0x00
	// TypeP2PKH is a legacy pay-to-pubkey-hash wallet.
	TypeP2PKH Type = 0x01
	// TypeP2SHP2WPKH is a wrapped-segwit wallet.
	TypeP2SHP2WPKH Type = 0x02
	// TypeP2WPKH is a native-segwit wallet.
	TypeP2WPKH Type = 0x03
)

// TxType returns the fee-estimation name for the type.
func (t Type) TxType() string {
	switch t {
	case TypeP2PKH:
		return "p2pkh"
	case TypeP2SHP2WPKH:
		return "p2sh-p2wpkh"
	case TypeP2WPKH:
		return "p2wpkh"
	}
	return "unknown"
}

// Engine maps keys to scripts and addresses, and signs inputs, for one script
// type. Engines are stateless; all of them share the wallet's chain params.
type Engine interface {
	Type() Type

	// Purpose returns the hardened BIP43 purpose level, or 0 for legacy
	// wallets, which have no purpose level and derive under m/0.
	Purpose() uint32
	// BIP44CoinType returns the hardened coin-type level for the network.
	BIP44CoinType() uint32

	DeriveMasterKey(seed []byte) (*hdkeychain.ExtendedKey, error)
	DerivePrivKey(master *hdkeychain.ExtendedKey, levels []uint32) ([]byte, error)

	PrivToPub(priv []byte) ([]byte, error)
	PubKeyToScript(pub []byte) ([]byte, error)
	PubKeyToAddress(pub []byte) (string, error)
	PrivKeyToScript(priv []byte) ([]byte, error)
	ScriptToAddress(script []byte) (string, error)
	AddressToScript(addr string) ([]byte, error)

	PrivKeyToWIF(priv []byte) (string, error)
	WIFToPrivKey(wif string) ([]byte, Type, error)

	// PubKeyToScriptCode returns the BIP143 scriptCode used in segwit
	// sighash computation. Legacy engines fail with ErrUnsupportedOperation.
	PubKeyToScriptCode(pub []byte) ([]byte, error)

	// SignTransaction signs input idx of tx, spending amount satoshis locked
	// to the script of priv, and attaches the signature in place.
	SignTransaction(tx *wire.MsgTx, idx int, priv []byte, amount int64, hashType txscript.SigHashType) error

	// SignMessage produces a base64 compact signature over the standard
	// Bitcoin signed-message digest.
	SignMessage(priv []byte, msg []byte) (string, error)
}

// NewEngine returns the engine for the given script type on the given network.
func NewEngine(t Type, params *chaincfg.Params) (Engine, error) {
	base := baseEngine{params: params}
	switch t {
	case TypeP2PKH:
		return &p2pkhEngine{base}, nil
	case TypeP2SHP2WPKH:
		return &p2shP2wpkhEngine{base}, nil
	case TypeP2WPKH:
		return &p2wpkhEngine{base}, nil
	}
	return nil, fmt.Errorf("%w: no engine for wallet type %#x", ErrUnsupportedOperation, byte(t))
}

// EngineSet builds all known engines for a network, keyed by type.
func EngineSet(params *chaincfg.Params) map[Type]Engine {
	set := make(map[Type]Engine, 3)
	for _, t := range []Type{TypeP2PKH, TypeP2SHP2WPKH, TypeP2WPKH} {
		eng, _ := NewEngine(t, params)
		set[t] = eng
	}
	return set
}

type baseEngine struct {
	params *chaincfg.Params
}

func (e *baseEngine) BIP44CoinType() uint32 {
	return hardenedStart + e.params.HDCoinType
}

func (e *baseEngine) DeriveMasterKey(seed []byte) (*hdkeychain.ExtendedKey, error) {
	key, err := hdkeychain.NewMaster(seed, e.params)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}
	return key, nil
}

func (e *baseEngine) DerivePrivKey(master *hdkeychain.ExtendedKey, levels []uint32) ([]byte, error) {
	key := master
	for _, lvl := range levels {
		var err error
		key, err = key.Derive(lvl)
		if err != nil {
			return nil, fmt.Errorf("derive level %d: %w", lvl, err)
		}
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("extract private key: %w", err)
	}
	return priv.Serialize(), nil
}

func (e *baseEngine) PrivToPub(priv []byte) ([]byte, error) {
	if len(priv) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(priv))
	}
	key, _ := btcec.PrivKeyFromBytes(priv)
	return key.PubKey().SerializeCompressed(), nil
}

func (e *baseEngine) ScriptToAddress(script []byte) (string, error) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, e.params)
	if err != nil {
		return "", fmt.Errorf("script to address: %w", err)
	}
	if len(addrs) != 1 {
		return "", fmt.Errorf("script does not map to a single address")
	}
	return addrs[0].EncodeAddress(), nil
}

func (e *baseEngine) AddressToScript(addr string) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(addr, e.params)
	if err != nil {
		return nil, fmt.Errorf("decode address %q: %w", addr, err)
	}
	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return nil, fmt.Errorf("address %q to script: %w", addr, err)
	}
	return script, nil
}

func (e *baseEngine) PrivKeyToWIF(priv []byte) (string, error) {
	key, _ := btcec.PrivKeyFromBytes(priv)
	wif, err := btcutil.NewWIF(key, e.params, true)
	if err != nil {
		return "", fmt.Errorf("encode WIF: %w", err)
	}
	return wif.String(), nil
}

func (e *baseEngine) WIFToPrivKey(wifStr string) ([]byte, Type, error) {
	wif, err := btcutil.DecodeWIF(wifStr)
	if err != nil {
		return nil, TypeUnknown, fmt.Errorf("decode WIF: %w", err)
	}
	if !wif.IsForNet(e.params) {
		return nil, TypeUnknown, fmt.Errorf("WIF is for the wrong network")
	}
	// There is no established standard for encoding the script type in a
	// WIF; an uncompressed key can only ever be legacy.
	inferred := TypeUnknown
	if !wif.CompressPubKey {
		inferred = TypeP2PKH
	}
	return wif.PrivKey.Serialize(), inferred, nil
}

func (e *baseEngine) SignMessage(priv []byte, msg []byte) (string, error) {
	key, _ := btcec.PrivKeyFromBytes(priv)
	var buf bytes.Buffer
	if err := wire.WriteVarString(&buf, 0, "Bitcoin Signed Message:\n"); err != nil {
		return "", err
	}
	if err := wire.WriteVarString(&buf, 0, string(msg)); err != nil {
		return "", err
	}
	digest := chainhash.DoubleHashB(buf.Bytes())
	sig, err := ecdsa.SignCompact(key, digest, true)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// p2pkhScriptCode builds the canonical pay-to-pubkey-hash script for a
// pubkey, used both as the legacy output script and as the BIP143 scriptCode.
func p2pkhScriptCode(pub []byte, params *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pub), params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

// ── Legacy P2PKH ───────────────────────────────────────────────────────

type p2pkhEngine struct {
	baseEngine
}

func (e *p2pkhEngine) Type() Type      { return TypeP2PKH }
func (e *p2pkhEngine) Purpose() uint32 { return 0 }

func (e *p2pkhEngine) PubKeyToScript(pub []byte) ([]byte, error) {
	return p2pkhScriptCode(pub, e.params)
}

func (e *p2pkhEngine) PubKeyToAddress(pub []byte) (string, error) {
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pub), e.params)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

func (e *p2pkhEngine) PrivKeyToScript(priv []byte) ([]byte, error) {
	pub, err := e.PrivToPub(priv)
	if err != nil {
		return nil, err
	}
	return e.PubKeyToScript(pub)
}

func (e *p2pkhEngine) PubKeyToScriptCode(pub []byte) ([]byte, error) {
	return nil, fmt.Errorf("%w: scriptCode undefined for p2pkh", ErrUnsupportedOperation)
}

func (e *p2pkhEngine) SignTransaction(tx *wire.MsgTx, idx int, priv []byte, amount int64, hashType txscript.SigHashType) error {
	if idx < 0 || idx >= len(tx.TxIn) {
		return fmt.Errorf("input index %d out of range", idx)
	}
	script, err := e.PrivKeyToScript(priv)
	if err != nil {
		return err
	}
	key, _ := btcec.PrivKeyFromBytes(priv)
	sigScript, err := txscript.SignatureScript(tx, idx, script, hashType, key, true)
	if err != nil {
		return fmt.Errorf("sign p2pkh input %d: %w", idx, err)
	}
	tx.TxIn[idx].SignatureScript = sigScript
	return nil
}

// ── Native segwit P2WPKH ───────────────────────────────────────────────

type p2wpkhEngine struct {
	baseEngine
}

func (e *p2wpkhEngine) Type() Type      { return TypeP2WPKH }
func (e *p2wpkhEngine) Purpose() uint32 { return hardenedStart + 84 }

func (e *p2wpkhEngine) PubKeyToScript(pub []byte) ([]byte, error) {
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub), e.params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

func (e *p2wpkhEngine) PubKeyToAddress(pub []byte) (string, error) {
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub), e.params)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

func (e *p2wpkhEngine) PrivKeyToScript(priv []byte) ([]byte, error) {
	pub, err := e.PrivToPub(priv)
	if err != nil {
		return nil, err
	}
	return e.PubKeyToScript(pub)
}

func (e *p2wpkhEngine) PubKeyToScriptCode(pub []byte) ([]byte, error) {
	return p2pkhScriptCode(pub, e.params)
}

func (e *p2wpkhEngine) SignTransaction(tx *wire.MsgTx, idx int, priv []byte, amount int64, hashType txscript.SigHashType) error {
	if idx < 0 || idx >= len(tx.TxIn) {
		return fmt.Errorf("input index %d out of range", idx)
	}
	script, err := e.PrivKeyToScript(priv)
	if err != nil {
		return err
	}
	key, _ := btcec.PrivKeyFromBytes(priv)
	fetcher := txscript.NewCannedPrevOutputFetcher(script, amount)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	witness, err := txscript.WitnessSignature(tx, sigHashes, idx, amount, script, hashType, key, true)
	if err != nil {
		return fmt.Errorf("sign p2wpkh input %d: %w", idx, err)
	}
	tx.TxIn[idx].Witness = witness
	tx.TxIn[idx].SignatureScript = nil
	return nil
}

// ── Wrapped segwit P2SH-P2WPKH ─────────────────────────────────────────

type p2shP2wpkhEngine struct {
	baseEngine
}

func (e *p2shP2wpkhEngine) Type() Type      { return TypeP2SHP2WPKH }
func (e *p2shP2wpkhEngine) Purpose() uint32 { return hardenedStart + 49 }

// redeemScript is the embedded v0 witness program for the pubkey.
func (e *p2shP2wpkhEngine) redeemScript(pub []byte) ([]byte, error) {
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub), e.params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

func (e *p2shP2wpkhEngine) PubKeyToScript(pub []byte) ([]byte, error) {
	redeem, err := e.redeemScript(pub)
	if err != nil {
		return nil, err
	}
	addr, err := btcutil.NewAddressScriptHash(redeem, e.params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

func (e *p2shP2wpkhEngine) PubKeyToAddress(pub []byte) (string, error) {
	redeem, err := e.redeemScript(pub)
	if err != nil {
		return "", err
	}
	addr, err := btcutil.NewAddressScriptHash(redeem, e.params)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

func (e *p2shP2wpkhEngine) PrivKeyToScript(priv []byte) ([]byte, error) {
	pub, err := e.PrivToPub(priv)
	if err != nil {
		return nil, err
	}
	return e.PubKeyToScript(pub)
}

func (e *p2shP2wpkhEngine) PubKeyToScriptCode(pub []byte) ([]byte, error) {
	return p2pkhScriptCode(pub, e.params)
}

func (e *p2shP2wpkhEngine) SignTransaction(tx *wire.MsgTx, idx int, priv []byte, amount int64, hashType txscript.SigHashType) error {
	if idx < 0 || idx >= len(tx.TxIn) {
		return fmt.Errorf("input index %d out of range", idx)
	}
	pub, err := e.PrivToPub(priv)
	if err != nil {
		return err
	}
	redeem, err := e.redeemScript(pub)
	if err != nil {
		return err
	}
	key, _ := btcec.PrivKeyFromBytes(priv)
	fetcher := txscript.NewCannedPrevOutputFetcher(redeem, amount)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	witness, err := txscript.WitnessSignature(tx, sigHashes, idx, amount, redeem, hashType, key, true)
	if err != nil {
		return fmt.Errorf("sign p2sh-p2wpkh input %d: %w", idx, err)
	}
	sigScript, err := txscript.NewScriptBuilder().AddData(redeem).Script()
	if err != nil {
		return err
	}
	tx.TxIn[idx].Witness = witness
	tx.TxIn[idx].SignatureScript = sigScript
	return nil
}
