package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/Klingon-tech/spendplanner/internal/spenderr"
	"github.com/Klingon-tech/spendplanner/pkg/logging"
)

// JSONRPCClient implements NodeClient over Bitcoin Core's JSON-RPC 1.0
// interface with HTTP basic auth.
type JSONRPCClient struct {
	rpcURL     string
	rpcUser    string
	rpcPass    string
	wallet     string
	httpClient *http.Client
	requestID  *atomic.Uint64
	log        *logging.Logger
}

// Option configures a JSONRPCClient.
type Option func(*JSONRPCClient)

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(j *JSONRPCClient) { j.httpClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(j *JSONRPCClient) { j.httpClient = c }
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l *logging.Logger) Option {
	return func(j *JSONRPCClient) { j.log = l }
}

// NewJSONRPCClient creates a client for the node at rpcURL.
func NewJSONRPCClient(rpcURL, user, pass string, opts ...Option) *JSONRPCClient {
	j := &JSONRPCClient{
		rpcURL:     strings.TrimSuffix(rpcURL, "/"),
		rpcUser:    user,
		rpcPass:    pass,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		requestID:  new(atomic.Uint64),
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.log == nil {
		j.log = logging.GetDefault().Component("backend")
	}
	return j
}

// WithWallet returns a client whose calls target /wallet/<name>. The
// receiver is left unchanged.
func (j *JSONRPCClient) WithWallet(name string) *JSONRPCClient {
	c := *j
	c.wallet = name
	return &c
}

// Wallet returns the wallet the client is scoped to, if any.
func (j *JSONRPCClient) Wallet() string {
	return j.wallet
}

func (j *JSONRPCClient) endpoint() string {
	if j.wallet == "" {
		return j.rpcURL
	}
	return j.rpcURL + "/wallet/" + url.PathEscape(j.wallet)
}

// Call performs a raw RPC call. A non-null error field is returned as
// *spenderr.RPCError.
func (j *JSONRPCClient) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	id := j.requestID.Add(1)

	request := map[string]interface{}{
		"jsonrpc": "1.0",
		"id":      fmt.Sprintf("spendplanner-%d", id),
		"method":  method,
		"params":  params,
	}

	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.endpoint(), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/plain")
	if j.rpcUser != "" {
		req.SetBasicAuth(j.rpcUser, j.rpcPass)
	}

	start := time.Now()
	resp, err := j.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	j.log.Debug("RPC call", "method", method, "wallet", j.wallet, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	}

	var response struct {
		Result json.RawMessage    `json:"result"`
		Error  *spenderr.RPCError `json:"error"`
		ID     interface{}        `json:"id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("%s: unexpected status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if response.Error != nil {
		return nil, response.Error
	}
	return response.Result, nil
}

func (j *JSONRPCClient) callInto(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	result, err := j.Call(ctx, method, params...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("failed to parse %s result: %w", method, err)
	}
	return nil
}

// GetNewAddress returns a fresh address from the scoped wallet.
func (j *JSONRPCClient) GetNewAddress(ctx context.Context) (string, error) {
	var addr string
	err := j.callInto(ctx, &addr, "getnewaddress")
	return addr, err
}

// GenerateToAddress mines blocks paying to address and returns their hashes.
func (j *JSONRPCClient) GenerateToAddress(ctx context.Context, blocks int, address string) ([]string, error) {
	var hashes []string
	err := j.callInto(ctx, &hashes, "generatetoaddress", blocks, address)
	return hashes, err
}

// SendToAddress pays amount from the scoped wallet.
func (j *JSONRPCClient) SendToAddress(ctx context.Context, address string, amount btcutil.Amount) (string, error) {
	var txid string
	err := j.callInto(ctx, &txid, "sendtoaddress", address, amount.ToBTC())
	return txid, err
}

// GetRawTransaction returns the verbose form of txid.
func (j *JSONRPCClient) GetRawTransaction(ctx context.Context, txid string) (*RawTransaction, error) {
	var tx RawTransaction
	if err := j.callInto(ctx, &tx, "getrawtransaction", txid, true); err != nil {
		if spenderr.IsRPCCode(err, spenderr.RPCInvalidAddress) {
			return nil, fmt.Errorf("%w: %s: %v", ErrTxNotFound, txid, err)
		}
		return nil, err
	}
	return &tx, nil
}

// SendRawTransaction relays a signed transaction. Node rejections are
// returned verbatim as *spenderr.RPCError.
func (j *JSONRPCClient) SendRawTransaction(ctx context.Context, rawTxHex string) (string, error) {
	var txid string
	err := j.callInto(ctx, &txid, "sendrawtransaction", rawTxHex)
	return txid, err
}

// SignRawTransactionWithKey asks the node to sign with the given WIF keys.
func (j *JSONRPCClient) SignRawTransactionWithKey(ctx context.Context, rawTxHex string, wifs []string, prevTxs []PrevTx) (*SignResult, error) {
	if prevTxs == nil {
		prevTxs = []PrevTx{}
	}
	var res SignResult
	if err := j.callInto(ctx, &res, "signrawtransactionwithkey", rawTxHex, wifs, prevTxs); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetBlockCount returns the tip height.
func (j *JSONRPCClient) GetBlockCount(ctx context.Context) (int64, error) {
	var height int64
	err := j.callInto(ctx, &height, "getblockcount")
	return height, err
}

// GetTransaction returns wallet information about txid.
func (j *JSONRPCClient) GetTransaction(ctx context.Context, txid string) (*WalletTransaction, error) {
	var tx WalletTransaction
	if err := j.callInto(ctx, &tx, "gettransaction", txid); err != nil {
		if spenderr.IsRPCCode(err, spenderr.RPCInvalidAddress) {
			return nil, fmt.Errorf("%w: %s: %v", ErrTxNotFound, txid, err)
		}
		return nil, err
	}
	return &tx, nil
}

// CreateWallet creates a descriptor wallet. An existing wallet is not an error.
func (j *JSONRPCClient) CreateWallet(ctx context.Context, name string) error {
	_, err := j.Call(ctx, "createwallet", name)
	if err == nil || walletExists(err) {
		return nil
	}
	return err
}

// LoadWallet loads a wallet. A wallet that is already loaded is not an error.
func (j *JSONRPCClient) LoadWallet(ctx context.Context, name string) error {
	_, err := j.Call(ctx, "loadwallet", name)
	if err == nil || walletExists(err) {
		return nil
	}
	return err
}

// EnsureWallet creates name, or loads it when it already exists on disk.
func (j *JSONRPCClient) EnsureWallet(ctx context.Context, name string) error {
	if err := j.CreateWallet(ctx, name); err != nil {
		return err
	}
	return j.LoadWallet(ctx, name)
}

func walletExists(err error) bool {
	var rpcErr *spenderr.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	if rpcErr.Code == spenderr.RPCWalletAlreadyLoaded {
		return true
	}
	msg := strings.ToLower(rpcErr.Message)
	return strings.Contains(msg, "database already exists") || strings.Contains(msg, "already loaded")
}

var (
	_ NodeClient  = (*JSONRPCClient)(nil)
	_ ChainReader = (*JSONRPCClient)(nil)
)
