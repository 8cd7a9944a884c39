package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/Klingon-tech/spendplanner/internal/spenderr"
)

// EsploraClient implements ChainReader on the Esplora REST API
// (blockstream.info, mempool.space and self-hosted instances). It cannot
// fund or mine, so it only serves testnet and signet spends of outputs that
// were funded elsewhere.
type EsploraClient struct {
	baseURL    string
	httpClient *http.Client
}

// EsploraOption configures an EsploraClient.
type EsploraOption func(*EsploraClient)

// WithEsploraTimeout sets the per-request timeout.
func WithEsploraTimeout(d time.Duration) EsploraOption {
	return func(e *EsploraClient) { e.httpClient.Timeout = d }
}

// NewEsploraClient creates a client for baseURL, e.g.
// https://mempool.space/signet/api.
func NewEsploraClient(baseURL string, opts ...EsploraOption) *EsploraClient {
	e := &EsploraClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// esploraTx is the Esplora transaction format.
type esploraTx struct {
	TxID     string `json:"txid"`
	Version  int32  `json:"version"`
	LockTime uint32 `json:"locktime"`
	Size     int64  `json:"size"`
	Weight   int64  `json:"weight"`
	Status   struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight int64  `json:"block_height"`
		BlockHash   string `json:"block_hash"`
		BlockTime   int64  `json:"block_time"`
	} `json:"status"`
	Vin []struct {
		TxID      string   `json:"txid"`
		Vout      uint32   `json:"vout"`
		ScriptSig string   `json:"scriptsig"`
		Witness   []string `json:"witness"`
		Sequence  uint32   `json:"sequence"`
	} `json:"vin"`
	Vout []struct {
		ScriptPubKey     string `json:"scriptpubkey"`
		ScriptPubKeyAsm  string `json:"scriptpubkey_asm"`
		ScriptPubKeyType string `json:"scriptpubkey_type"`
		ScriptPubKeyAddr string `json:"scriptpubkey_address"`
		Value            int64  `json:"value"`
	} `json:"vout"`
}

// GetRawTransaction returns txid in the same shape as getrawtransaction.
func (e *EsploraClient) GetRawTransaction(ctx context.Context, txid string) (*RawTransaction, error) {
	var et esploraTx
	if err := e.get(ctx, "/tx/"+txid, &et); err != nil {
		return nil, err
	}
	rawHex, err := e.getText(ctx, "/tx/"+txid+"/hex")
	if err != nil {
		return nil, err
	}

	tx := &RawTransaction{
		TxID:      et.TxID,
		Version:   et.Version,
		LockTime:  et.LockTime,
		Size:      et.Size,
		Weight:    et.Weight,
		VSize:     (et.Weight + 3) / 4,
		Hex:       rawHex,
		BlockHash: et.Status.BlockHash,
		BlockTime: et.Status.BlockTime,
		Vin:       make([]Vin, len(et.Vin)),
		Vout:      make([]Vout, len(et.Vout)),
	}
	for i, in := range et.Vin {
		tx.Vin[i] = Vin{
			TxID:      in.TxID,
			Vout:      in.Vout,
			ScriptSig: &ScriptSig{Hex: in.ScriptSig},
			Witness:   in.Witness,
			Sequence:  in.Sequence,
		}
	}
	for i, out := range et.Vout {
		tx.Vout[i] = Vout{
			Value: btcutil.Amount(out.Value).ToBTC(),
			N:     uint32(i),
			ScriptPubKey: ScriptPubKey{
				Asm:     out.ScriptPubKeyAsm,
				Hex:     out.ScriptPubKey,
				Address: out.ScriptPubKeyAddr,
				Type:    out.ScriptPubKeyType,
			},
		}
	}

	if et.Status.Confirmed {
		if tip, err := e.GetBlockCount(ctx); err == nil && tip >= et.Status.BlockHeight {
			tx.Confirmations = tip - et.Status.BlockHeight + 1
		}
	}
	return tx, nil
}

// GetTransaction reports confirmation status. Amount and fee are not
// wallet-relative and are left zero.
func (e *EsploraClient) GetTransaction(ctx context.Context, txid string) (*WalletTransaction, error) {
	tx, err := e.GetRawTransaction(ctx, txid)
	if err != nil {
		return nil, err
	}
	wtx := &WalletTransaction{
		TxID:          tx.TxID,
		Confirmations: tx.Confirmations,
		BlockHash:     tx.BlockHash,
		Hex:           tx.Hex,
	}
	return wtx, nil
}

// SendRawTransaction broadcasts a raw transaction. Esplora relays node
// rejections as text; when the text embeds an RPC error object it is
// returned as *spenderr.RPCError.
func (e *EsploraClient) SendRawTransaction(ctx context.Context, rawTxHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/tx", strings.NewReader(rawTxHex))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	text := strings.TrimSpace(string(body))

	if resp.StatusCode != http.StatusOK {
		if rpcErr := parseEmbeddedRPCError(text); rpcErr != nil {
			return "", rpcErr
		}
		return "", fmt.Errorf("%w: %s", ErrBroadcastFailed, text)
	}
	return text, nil
}

// GetBlockCount returns the tip height.
func (e *EsploraClient) GetBlockCount(ctx context.Context) (int64, error) {
	var height int64
	if err := e.get(ctx, "/blocks/tip/height", &height); err != nil {
		return 0, err
	}
	return height, nil
}

// parseEmbeddedRPCError extracts {"code":..,"message":..} from text such as
// `sendrawtransaction RPC error: {"code":-26,"message":"non-final"}`.
func parseEmbeddedRPCError(text string) *spenderr.RPCError {
	i := strings.Index(text, "{")
	if i < 0 {
		return nil
	}
	var rpcErr spenderr.RPCError
	if err := json.Unmarshal([]byte(text[i:]), &rpcErr); err != nil || rpcErr.Message == "" {
		return nil
	}
	return &rpcErr
}

func (e *EsploraClient) do(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	// Avoid stale CDN responses.
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return body, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, path)
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	}
	return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func (e *EsploraClient) get(ctx context.Context, path string, result interface{}) error {
	body, err := e.do(ctx, path)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, result)
}

func (e *EsploraClient) getText(ctx context.Context, path string) (string, error) {
	body, err := e.do(ctx, path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

var _ ChainReader = (*EsploraClient)(nil)
