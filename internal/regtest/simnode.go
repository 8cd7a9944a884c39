// Package regtest provides SimNode, an in-process stand-in for a regtest
// bitcoind. It keeps a UTXO set and a mempool, mines blocks on demand and
// runs every broadcast through the same finality, BIP-68 and script checks a
// real node applies, so spend flows can be exercised without a daemon.
package regtest

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/spendplanner/internal/backend"
	"github.com/Klingon-tech/spendplanner/internal/chain"
	"github.com/Klingon-tech/spendplanner/internal/keys"
	"github.com/Klingon-tech/spendplanner/internal/spenderr"
	"github.com/Klingon-tech/spendplanner/pkg/logging"
)

// GenesisTime is the regtest genesis block timestamp.
const GenesisTime = 1296688602

// BlockInterval is the spacing between simulated block timestamps.
const BlockInterval = 10 * time.Minute

// CoinbaseMaturity is the number of confirmations before a coinbase output
// may be spent.
const CoinbaseMaturity = 100

type block struct {
	hash chainhash.Hash
	time int64
	txs  []chainhash.Hash
}

type txEntry struct {
	tx     *wire.MsgTx
	height int64 // 0 while in the mempool
	wallet bool
}

// SimNode implements backend.NodeClient entirely in memory.
type SimNode struct {
	mu sync.Mutex

	params *chain.Params
	log    *logging.Logger

	blocks  []block
	txs     map[chainhash.Hash]*txEntry
	utxos   map[wire.OutPoint]*wire.TxOut
	mempool []chainhash.Hash

	wallets    map[string]bool
	walletKeys map[string]*keys.PrivateKey // address -> key
	addrCount  uint32
	faucetSeq  uint32
}

var _ backend.NodeClient = (*SimNode)(nil)

// Option configures a SimNode.
type Option func(*SimNode)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(n *SimNode) {
		n.log = l
	}
}

// New returns a node at height 0 holding only the genesis block.
func New(params *chain.Params, opts ...Option) *SimNode {
	if params == nil {
		params = chain.MustGet(chain.Regtest)
	}
	n := &SimNode{
		params:     params,
		txs:        make(map[chainhash.Hash]*txEntry),
		utxos:      make(map[wire.OutPoint]*wire.TxOut),
		wallets:    make(map[string]bool),
		walletKeys: make(map[string]*keys.PrivateKey),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.log == nil {
		n.log = logging.GetDefault().Component("regtest")
	}
	n.blocks = []block{{
		hash: *params.ChainCfg().GenesisHash,
		time: GenesisTime,
	}}
	return n
}

// Params returns the network the node runs on.
func (n *SimNode) Params() *chain.Params {
	return n.params
}

// Tip returns the current block height.
func (n *SimNode) Tip() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tip()
}

func (n *SimNode) tip() int64 {
	return int64(len(n.blocks) - 1)
}

// MedianTimePast returns the median timestamp of the last 11 blocks.
func (n *SimNode) MedianTimePast() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.medianTimePast(n.tip())
}

func (n *SimNode) medianTimePast(height int64) int64 {
	start := height - 10
	if start < 0 {
		start = 0
	}
	times := make([]int64, 0, 11)
	for h := start; h <= height; h++ {
		times = append(times, n.blocks[h].time)
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	return times[len(times)/2]
}

// InMempool reports whether txid is waiting to be mined.
func (n *SimNode) InMempool(txid string) bool {
	h, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.txs[*h]
	return ok && e.height == 0
}

// CreateWallet registers a wallet name. Creating an existing wallet succeeds.
func (n *SimNode) CreateWallet(_ context.Context, name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.wallets[name] = true
	return nil
}

// LoadWallet succeeds for any created wallet.
func (n *SimNode) LoadWallet(_ context.Context, name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.wallets[name] {
		return &spenderr.RPCError{
			Code:    spenderr.RPCWalletNotFound,
			Message: fmt.Sprintf("Wallet file not found: %s", name),
		}
	}
	return nil
}

// GetNewAddress returns a fresh P2WPKH address owned by the node's wallet.
func (n *SimNode) GetNewAddress(_ context.Context) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.newAddress()
}

func (n *SimNode) newAddress() (string, error) {
	n.addrCount++
	var seed [8]byte
	binary.BigEndian.PutUint32(seed[:4], n.addrCount)
	copy(seed[4:], "simw")
	key, err := keys.NewPrivateKey(chainhash.HashB(seed[:]))
	if err != nil {
		return "", err
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(key.PubKey().Hash160(), n.params.ChainCfg())
	if err != nil {
		return "", err
	}
	enc := addr.EncodeAddress()
	n.walletKeys[enc] = key
	return enc, nil
}

// SendToAddress pays amount to address from an unlimited faucet. The funding
// transaction enters the mempool; its payment output is at index 0 or 1.
func (n *SimNode) SendToAddress(_ context.Context, address string, amount btcutil.Amount) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if amount <= 0 {
		return "", &spenderr.RPCError{Code: -3, Message: "Invalid amount for send"}
	}
	pkScript, err := n.addressScript(address)
	if err != nil {
		return "", err
	}
	change, err := n.newAddress()
	if err != nil {
		return "", err
	}
	changeScript, _ := n.addressScript(change)

	n.faucetSeq++
	var seed [4]byte
	binary.BigEndian.PutUint32(seed[:], n.faucetSeq)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.DoubleHashH(append([]byte("faucet"), seed[:]...))},
		Sequence:         wire.MaxTxInSequenceNum - 2,
	})
	pay := wire.NewTxOut(int64(amount), pkScript)
	rest := wire.NewTxOut(int64(btcutil.SatoshiPerBitcoin), changeScript)
	if n.faucetSeq%2 == 0 {
		tx.AddTxOut(rest)
		tx.AddTxOut(pay)
	} else {
		tx.AddTxOut(pay)
		tx.AddTxOut(rest)
	}

	txid := n.addToMempool(tx, true)
	n.log.Debug("Funded address", "address", address, "amount", amount, "txid", txid)
	return txid.String(), nil
}

// GenerateToAddress mines blocks paying the subsidy to address. The first
// block includes the whole mempool.
func (n *SimNode) GenerateToAddress(_ context.Context, blocks int, address string) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	pkScript, err := n.addressScript(address)
	if err != nil {
		return nil, err
	}

	hashes := make([]string, 0, blocks)
	for i := 0; i < blocks; i++ {
		hashes = append(hashes, n.mineBlock(pkScript).String())
	}
	n.log.Debug("Mined blocks", "count", blocks, "tip", n.tip())
	return hashes, nil
}

func (n *SimNode) mineBlock(pkScript []byte) chainhash.Hash {
	height := n.tip() + 1
	prev := n.blocks[height-1]

	coinbase := wire.NewMsgTx(1)
	var heightPush [8]byte
	binary.LittleEndian.PutUint64(heightPush[:], uint64(height))
	coinbase.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
		SignatureScript:  append([]byte{0x08}, heightPush[:]...),
		Sequence:         wire.MaxTxInSequenceNum,
	})
	subsidy := blockchain.CalcBlockSubsidy(int32(height), n.params.ChainCfg())
	coinbase.AddTxOut(wire.NewTxOut(subsidy, pkScript))

	included := append([]*wire.MsgTx{coinbase}, n.mempoolTxs()...)
	utxs := make([]*btcutil.Tx, len(included))
	for i, tx := range included {
		utxs[i] = btcutil.NewTx(tx)
	}
	merkles := blockchain.BuildMerkleTreeStore(utxs, false)

	header := wire.BlockHeader{
		Version:    4,
		PrevBlock:  prev.hash,
		MerkleRoot: *merkles[len(merkles)-1],
		Timestamp:  time.Unix(prev.time+int64(BlockInterval/time.Second), 0),
		Bits:       n.params.ChainCfg().PowLimitBits,
	}

	b := block{hash: header.BlockHash(), time: header.Timestamp.Unix()}
	n.addTx(coinbase, height, false)
	for _, tx := range included {
		txid := tx.TxHash()
		n.txs[txid].height = height
		b.txs = append(b.txs, txid)
	}
	n.mempool = nil
	n.blocks = append(n.blocks, b)
	return b.hash
}

func (n *SimNode) mempoolTxs() []*wire.MsgTx {
	txs := make([]*wire.MsgTx, 0, len(n.mempool))
	for _, id := range n.mempool {
		txs = append(txs, n.txs[id].tx)
	}
	return txs
}

// addToMempool records tx and updates the UTXO set without any checks.
func (n *SimNode) addToMempool(tx *wire.MsgTx, wallet bool) chainhash.Hash {
	txid := n.addTx(tx, 0, wallet)
	n.mempool = append(n.mempool, txid)
	return txid
}

func (n *SimNode) addTx(tx *wire.MsgTx, height int64, wallet bool) chainhash.Hash {
	txid := tx.TxHash()
	if !blockchain.IsCoinBaseTx(tx) {
		for _, in := range tx.TxIn {
			delete(n.utxos, in.PreviousOutPoint)
		}
	}
	for i, out := range tx.TxOut {
		n.utxos[wire.OutPoint{Hash: txid, Index: uint32(i)}] = out
	}
	n.txs[txid] = &txEntry{tx: tx, height: height, wallet: wallet}
	return txid
}

func (n *SimNode) addressScript(address string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, n.params.ChainCfg())
	if err != nil || !addr.IsForNet(n.params.ChainCfg()) {
		return nil, &spenderr.RPCError{
			Code:    spenderr.RPCInvalidAddress,
			Message: "Invalid address: " + address,
		}
	}
	return txscript.PayToAddrScript(addr)
}

// GetBlockCount returns the tip height.
func (n *SimNode) GetBlockCount(_ context.Context) (int64, error) {
	return n.Tip(), nil
}

// GetRawTransaction returns the verbose form of a known transaction.
func (n *SimNode) GetRawTransaction(_ context.Context, txid string) (*backend.RawTransaction, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	entry, err := n.lookup(txid)
	if err != nil {
		return nil, err
	}
	return n.verbose(entry), nil
}

// GetTransaction reports confirmations for a known transaction.
func (n *SimNode) GetTransaction(_ context.Context, txid string) (*backend.WalletTransaction, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	entry, err := n.lookup(txid)
	if err != nil {
		return nil, err
	}
	raw := n.verbose(entry)
	wt := &backend.WalletTransaction{
		TxID:          raw.TxID,
		Confirmations: raw.Confirmations,
		BlockHash:     raw.BlockHash,
		Hex:           raw.Hex,
	}
	if entry.height > 0 {
		wt.BlockHeight = entry.height
	}
	return wt, nil
}

func (n *SimNode) lookup(txid string) (*txEntry, error) {
	notFound := &spenderr.RPCError{
		Code:    spenderr.RPCInvalidAddress,
		Message: "No such mempool or blockchain transaction. Use gettransaction for wallet transactions.",
	}
	h, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", backend.ErrTxNotFound, txid, notFound)
	}
	entry, ok := n.txs[*h]
	if !ok {
		return nil, fmt.Errorf("%w: %s: %v", backend.ErrTxNotFound, txid, notFound)
	}
	return entry, nil
}

func (n *SimNode) verbose(e *txEntry) *backend.RawTransaction {
	tx := e.tx
	weight := blockchain.GetTransactionWeight(btcutil.NewTx(tx))
	raw := &backend.RawTransaction{
		TxID:     tx.TxHash().String(),
		Hash:     tx.WitnessHash().String(),
		Version:  tx.Version,
		Size:     int64(tx.SerializeSize()),
		VSize:    (weight + blockchain.WitnessScaleFactor - 1) / blockchain.WitnessScaleFactor,
		Weight:   weight,
		LockTime: tx.LockTime,
		Hex:      encodeTx(tx),
	}
	if e.height > 0 {
		b := n.blocks[e.height]
		raw.BlockHash = b.hash.String()
		raw.BlockTime = b.time
		raw.Confirmations = n.tip() - e.height + 1
	}

	coinbase := blockchain.IsCoinBaseTx(tx)
	for _, in := range tx.TxIn {
		vin := backend.Vin{Sequence: in.Sequence}
		if coinbase {
			vin.Coinbase = hex.EncodeToString(in.SignatureScript)
		} else {
			vin.TxID = in.PreviousOutPoint.Hash.String()
			vin.Vout = in.PreviousOutPoint.Index
			vin.ScriptSig = &backend.ScriptSig{Hex: hex.EncodeToString(in.SignatureScript)}
			for _, item := range in.Witness {
				vin.Witness = append(vin.Witness, hex.EncodeToString(item))
			}
		}
		raw.Vin = append(raw.Vin, vin)
	}

	for i, out := range tx.TxOut {
		spk := backend.ScriptPubKey{Hex: hex.EncodeToString(out.PkScript)}
		class, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, n.params.ChainCfg())
		if err == nil {
			spk.Type = class.String()
			if len(addrs) == 1 {
				spk.Address = addrs[0].EncodeAddress()
			}
		}
		if asm, err := txscript.DisasmString(out.PkScript); err == nil {
			spk.Asm = asm
		}
		raw.Vout = append(raw.Vout, backend.Vout{
			Value:        btcutil.Amount(out.Value).ToBTC(),
			N:            uint32(i),
			ScriptPubKey: spk,
		})
	}
	return raw
}
