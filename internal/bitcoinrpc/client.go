// Package bitcoinrpc implements the collab.BitcoinRpc adapter: a JSON-RPC
// 1.0 client for bitcoind's getblocktemplate/submitblock.
package bitcoinrpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/kumako/public-pool/internal/bitcoinhash"
	"github.com/kumako/public-pool/internal/mining"
)

// request is a JSON-RPC 1.0 request envelope.
type request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      interface{}   `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// response is a JSON-RPC 1.0 response envelope.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// templateResult mirrors bitcoind's getblocktemplate response, decoded
// into the subset of fields the session engine needs.
type templateResult struct {
	Version           int32                 `json:"version"`
	PreviousBlockHash string                `json:"previousblockhash"`
	Transactions      []templateTransaction `json:"transactions"`
	CoinbaseValue     int64                 `json:"coinbasevalue"`
	CurTime           uint32                `json:"curtime"`
	Bits              string                `json:"bits"`
	Height            int64                 `json:"height"`
}

type templateTransaction struct {
	Data   string `json:"data"`
	TxID   string `json:"txid"`
	Fee    int64  `json:"fee"`
	Weight int64  `json:"weight"`
}

// Client implements collab.BitcoinRpc over JSON-RPC 1.0 with HTTP basic
// auth, as bitcoind expects.
type Client struct {
	url      string
	user     string
	password string
	client   *http.Client
	idSeq    atomic.Int64

	lastHeight int64
}

// New constructs a Client for the given bitcoind RPC endpoint.
func New(url, user, password string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:      url,
		user:     user,
		password: password,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *Client) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	id := c.idSeq.Add(1)

	body, err := json.Marshal(request{JSONRPC: "1.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(c.user, c.password)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w (body: %s)", err, string(raw))
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// GetBlockTemplate fetches a fresh candidate block template and converts
// it into the pool's Template type, resolving nBits into a floating-point
// network difficulty figure and flagging a tip change via ClearJobs.
func (c *Client) GetBlockTemplate(ctx context.Context) (*mining.Template, error) {
	req := map[string]interface{}{"rules": []string{"segwit"}}

	result, err := c.call(ctx, "getblocktemplate", req)
	if err != nil {
		return nil, fmt.Errorf("getblocktemplate: %w", err)
	}

	var tr templateResult
	if err := json.Unmarshal(result, &tr); err != nil {
		return nil, fmt.Errorf("unmarshal block template: %w", err)
	}

	nbits, err := parseCompactBits(tr.Bits)
	if err != nil {
		return nil, fmt.Errorf("parse bits: %w", err)
	}

	txs := make([]mining.TxEntry, len(tr.Transactions))
	for i, tx := range tr.Transactions {
		txs[i] = mining.TxEntry{
			TxID:   tx.TxID,
			Fee:    tx.Fee,
			Weight: tx.Weight,
			Hex:    tx.Data,
		}
	}

	clearJobs := c.lastHeight != 0 && tr.Height != c.lastHeight
	c.lastHeight = tr.Height

	tmpl := &mining.Template{
		PrevBlockHash:     tr.PreviousBlockHash,
		Version:           tr.Version,
		NBits:             nbits,
		Height:            tr.Height,
		NetworkDifficulty: bitcoinhash.DifficultyFromTarget(bitcoinhash.CompactToTarget(nbits)),
		Transactions:      txs,
		ClearJobs:         clearJobs,
		CoinbaseValue:     tr.CoinbaseValue,
		CurTime:           tr.CurTime,
	}
	return tmpl, nil
}

// SubmitBlock submits a fully assembled block to the node. It returns the
// empty string on acceptance, or the node's rejection reason otherwise;
// collab.BitcoinRpc callers treat a non-empty return as "not a crash,
// just not a block".
func (c *Client) SubmitBlock(ctx context.Context, blockHex string) (string, error) {
	result, err := c.call(ctx, "submitblock", blockHex)
	if err != nil {
		return "", fmt.Errorf("submitblock: %w", err)
	}

	var reason string
	if err := json.Unmarshal(result, &reason); err != nil {
		// A non-string result carries no rejection reason: accepted. A null
		// result decodes without error and leaves reason empty.
		return "", nil
	}
	return reason, nil
}

func parseCompactBits(bits string) (uint32, error) {
	raw, err := hex.DecodeString(bits)
	if err != nil || len(raw) != 4 {
		return 0, fmt.Errorf("invalid bits %q", bits)
	}
	return uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3]), nil
}
