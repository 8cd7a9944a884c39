// Package backend provides the node capability the spend planner consumes:
// prevout lookup, broadcast, confirmation tracking and, on a full node,
// wallet funding and block generation.
//
// This package never sees private keys except when forwarding WIFs to
// signrawtransactionwithkey.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/Klingon-tech/spendplanner/pkg/helpers"
)

// Common errors
var (
	ErrTxNotFound      = errors.New("transaction not found")
	ErrOutputNotFound  = errors.New("output not found")
	ErrBroadcastFailed = errors.New("broadcast failed")
	ErrRateLimited     = errors.New("rate limited")
	ErrUnauthorized    = errors.New("rpc credentials rejected")
	ErrUnsupported     = errors.New("unsupported backend type")
)

// Type represents the backend type.
type Type string

const (
	TypeJSONRPC Type = "jsonrpc" // Bitcoin Core JSON-RPC
	TypeEsplora Type = "esplora" // Esplora / mempool.space REST API
	TypeSim     Type = "sim"     // in-process regtest simulator
)

// ScriptPubKey is the scriptPubKey object of a verbose transaction output.
type ScriptPubKey struct {
	Asm     string `json:"asm,omitempty"`
	Hex     string `json:"hex"`
	Address string `json:"address,omitempty"`
	Type    string `json:"type,omitempty"`
}

// Vout is one output of a verbose transaction. Value is in BTC.
type Vout struct {
	Value        float64      `json:"value"`
	N            uint32       `json:"n"`
	ScriptPubKey ScriptPubKey `json:"scriptPubKey"`
}

// ValueSats converts Value to satoshis without float truncation.
func (v *Vout) ValueSats() (int64, error) {
	amt, err := btcutil.NewAmount(v.Value)
	if err != nil {
		return 0, fmt.Errorf("invalid output value %v: %w", v.Value, err)
	}
	return int64(amt), nil
}

// PkScript decodes the output script.
func (v *Vout) PkScript() ([]byte, error) {
	return helpers.HexToBytes(v.ScriptPubKey.Hex)
}

// ScriptSig is the scriptSig object of a verbose transaction input.
type ScriptSig struct {
	Asm string `json:"asm,omitempty"`
	Hex string `json:"hex"`
}

// Vin is one input of a verbose transaction.
type Vin struct {
	TxID      string     `json:"txid,omitempty"`
	Vout      uint32     `json:"vout"`
	Coinbase  string     `json:"coinbase,omitempty"`
	ScriptSig *ScriptSig `json:"scriptSig,omitempty"`
	Witness   []string   `json:"txinwitness,omitempty"`
	Sequence  uint32     `json:"sequence"`
}

// RawTransaction is the result of getrawtransaction with verbose=true.
type RawTransaction struct {
	TxID          string `json:"txid"`
	Hash          string `json:"hash"`
	Version       int32  `json:"version"`
	Size          int64  `json:"size"`
	VSize         int64  `json:"vsize"`
	Weight        int64  `json:"weight"`
	LockTime      uint32 `json:"locktime"`
	Vin           []Vin  `json:"vin"`
	Vout          []Vout `json:"vout"`
	Hex           string `json:"hex"`
	BlockHash     string `json:"blockhash,omitempty"`
	Confirmations int64  `json:"confirmations,omitempty"`
	BlockTime     int64  `json:"blocktime,omitempty"`
}

// Output returns output n.
func (r *RawTransaction) Output(n uint32) (*Vout, error) {
	for i := range r.Vout {
		if r.Vout[i].N == n {
			return &r.Vout[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s:%d", ErrOutputNotFound, r.TxID, n)
}

// WalletTransaction is the subset of gettransaction the planner reads.
type WalletTransaction struct {
	TxID          string  `json:"txid"`
	Amount        float64 `json:"amount"`
	Fee           float64 `json:"fee,omitempty"`
	Confirmations int64   `json:"confirmations"`
	BlockHash     string  `json:"blockhash,omitempty"`
	BlockHeight   int64   `json:"blockheight,omitempty"`
	Hex           string  `json:"hex,omitempty"`
}

// PrevTx describes a previous output for signrawtransactionwithkey.
type PrevTx struct {
	TxID          string  `json:"txid"`
	Vout          uint32  `json:"vout"`
	ScriptPubKey  string  `json:"scriptPubKey"`
	RedeemScript  string  `json:"redeemScript,omitempty"`
	WitnessScript string  `json:"witnessScript,omitempty"`
	Amount        float64 `json:"amount,omitempty"`
}

// SignError is a per-input failure reported by signrawtransactionwithkey.
type SignError struct {
	TxID      string `json:"txid"`
	Vout      uint32 `json:"vout"`
	ScriptSig string `json:"scriptSig"`
	Sequence  uint32 `json:"sequence"`
	Error     string `json:"error"`
}

// SignResult is the result of signrawtransactionwithkey.
type SignResult struct {
	Hex      string      `json:"hex"`
	Complete bool        `json:"complete"`
	Errors   []SignError `json:"errors,omitempty"`
}

// ChainReader is the part of the node capability that any chain source can
// serve: prevout lookup, broadcast and confirmation tracking.
type ChainReader interface {
	GetRawTransaction(ctx context.Context, txid string) (*RawTransaction, error)
	SendRawTransaction(ctx context.Context, rawTxHex string) (string, error)
	GetBlockCount(ctx context.Context) (int64, error)
	GetTransaction(ctx context.Context, txid string) (*WalletTransaction, error)
}

// NodeClient is the full capability of a wallet-enabled Bitcoin node.
type NodeClient interface {
	ChainReader

	GetNewAddress(ctx context.Context) (string, error)
	GenerateToAddress(ctx context.Context, blocks int, address string) ([]string, error)
	SendToAddress(ctx context.Context, address string, amount btcutil.Amount) (string, error)
	SignRawTransactionWithKey(ctx context.Context, rawTxHex string, wifs []string, prevTxs []PrevTx) (*SignResult, error)

	// CreateWallet and LoadWallet succeed when the wallet already exists
	// or is already loaded.
	CreateWallet(ctx context.Context, name string) error
	LoadWallet(ctx context.Context, name string) error
}

// Config contains backend configuration.
type Config struct {
	Type    Type          `yaml:"type"`
	URL     string        `yaml:"url"`
	User    string        `yaml:"user,omitempty"`
	Pass    string        `yaml:"pass,omitempty"`
	Wallet  string        `yaml:"wallet,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// DefaultTimeout bounds a single request.
const DefaultTimeout = 30 * time.Second

// NewChainReader builds a read/broadcast client from cfg. For TypeJSONRPC
// the result also implements NodeClient.
func NewChainReader(cfg *Config) (ChainReader, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	switch cfg.Type {
	case TypeJSONRPC, "":
		c := NewJSONRPCClient(cfg.URL, cfg.User, cfg.Pass, WithTimeout(timeout))
		if cfg.Wallet != "" {
			c = c.WithWallet(cfg.Wallet)
		}
		return c, nil
	case TypeEsplora:
		return NewEsploraClient(cfg.URL, WithEsploraTimeout(timeout)), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, cfg.Type)
}
