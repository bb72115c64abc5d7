package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	fp "WaterfallLedger/internal/math"
)

const (
	defaultValidityWindow = 20
	defaultPollInterval   = time.Second
	defaultLedgerClose    = 4 * time.Second
	defaultFeeDrops       = fp.Drops(1000)
)

// RPCGateway talks to an XRPL/Xahau node over JSON-RPC. Payments are signed
// by the node in sign-and-submit mode using the secret from the wallet
// provider.
type RPCGateway struct {
	url       string
	wallets   WalletProvider
	http      *http.Client
	limiter   *rate.Limiter
	logger    zerolog.Logger
	window    uint32
	poll      time.Duration
	closeTime time.Duration
	fee       fp.Drops
	networkID uint32
	connected atomic.Bool
	build     atomic.Value
}

// RPCOption customises the gateway.
type RPCOption func(*RPCGateway)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) RPCOption {
	return func(g *RPCGateway) {
		if c != nil {
			g.http = c
		}
	}
}

// WithRateLimit caps requests per second against the node.
func WithRateLimit(perSecond float64, burst int) RPCOption {
	return func(g *RPCGateway) {
		if perSecond > 0 {
			if burst < 1 {
				burst = 1
			}
			g.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithValidityWindow sets the LastLedgerSequence offset.
func WithValidityWindow(ledgers uint32) RPCOption {
	return func(g *RPCGateway) {
		if ledgers > 0 {
			g.window = ledgers
		}
	}
}

// WithPollInterval sets how often tx is polled while waiting for validation.
func WithPollInterval(d time.Duration) RPCOption {
	return func(g *RPCGateway) {
		if d > 0 {
			g.poll = d
		}
	}
}

// WithLedgerCloseTime sets the expected interval between ledger closes. It
// bounds how long a submission is awaited when the node stops answering.
func WithLedgerCloseTime(d time.Duration) RPCOption {
	return func(g *RPCGateway) {
		if d > 0 {
			g.closeTime = d
		}
	}
}

// WithFee sets the transaction fee in drops.
func WithFee(fee fp.Drops) RPCOption {
	return func(g *RPCGateway) {
		if fee > 0 {
			g.fee = fee
		}
	}
}

// WithNetworkID sets NetworkID on submitted transactions (required above 1024).
func WithNetworkID(id uint32) RPCOption {
	return func(g *RPCGateway) { g.networkID = id }
}

// WithLogger attaches a logger.
func WithLogger(l zerolog.Logger) RPCOption {
	return func(g *RPCGateway) { g.logger = l }
}

// NewRPCGateway constructs a gateway for the node at url.
func NewRPCGateway(url string, wallets WalletProvider, opts ...RPCOption) *RPCGateway {
	g := &RPCGateway{
		url:       url,
		wallets:   wallets,
		http:      &http.Client{Timeout: 10 * time.Second},
		limiter:   rate.NewLimiter(rate.Inf, 1),
		logger:    zerolog.Nop(),
		window:    defaultValidityWindow,
		poll:      defaultPollInterval,
		closeTime: defaultLedgerClose,
		fee:       defaultFeeDrops,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Connect verifies the node answers server_info.
func (g *RPCGateway) Connect(ctx context.Context) error {
	var res struct {
		Info struct {
			BuildVersion    string `json:"build_version"`
			CompleteLedgers string `json:"complete_ledgers"`
		} `json:"info"`
	}
	if err := g.call(ctx, "server_info", map[string]interface{}{}, &res); err != nil {
		return fmt.Errorf("connect %s: %w", g.url, err)
	}
	g.build.Store(res.Info.BuildVersion)
	g.connected.Store(true)
	g.logger.Info().
		Str("url", g.url).
		Str("build_version", res.Info.BuildVersion).
		Msg("ledger node connected")
	return nil
}

// BuildVersion returns the node build reported at Connect.
func (g *RPCGateway) BuildVersion() string {
	v, _ := g.build.Load().(string)
	return v
}

func (g *RPCGateway) Close() error {
	g.connected.Store(false)
	g.http.CloseIdleConnections()
	return nil
}

func (g *RPCGateway) SubmitPayment(ctx context.Context, p Payment) LegResult {
	if !g.connected.Load() {
		return Failed("", ErrNotConnected)
	}
	secret, err := g.wallets.Secret(ctx, p.From)
	if err != nil {
		return Failed("", err)
	}

	current, err := g.currentLedger(ctx)
	if err != nil {
		return Failed("", fmt.Errorf("ledger_current: %w", err))
	}
	lastLedger := current + g.window

	txJSON := map[string]interface{}{
		"TransactionType":    "Payment",
		"Account":            p.From,
		"Destination":        p.To,
		"Amount":             strconv.FormatInt(int64(p.Amount), 10),
		"Fee":                strconv.FormatInt(int64(g.fee), 10),
		"LastLedgerSequence": lastLedger,
	}
	if g.networkID > 1024 {
		txJSON["NetworkID"] = g.networkID
	}
	if p.Memo != "" {
		txJSON["Memos"] = []interface{}{map[string]interface{}{
			"Memo": map[string]string{
				"MemoType": hexUpper([]byte(MemoType)),
				"MemoData": hexUpper([]byte(p.Memo)),
			},
		}}
	}

	var sub struct {
		EngineResult        string `json:"engine_result"`
		EngineResultMessage string `json:"engine_result_message"`
		TxJSON              struct {
			Hash string `json:"hash"`
		} `json:"tx_json"`
	}
	start := time.Now()
	if err := g.call(ctx, "submit", map[string]interface{}{
		"tx_json": txJSON,
		"secret":  secret,
	}, &sub); err != nil {
		// The node may have relayed the transaction before the error.
		return Failed("", fmt.Errorf("%w: submit: %v", ErrAmbiguousResult, err))
	}

	hash := sub.TxJSON.Hash
	engine := sub.EngineResult
	g.logger.Debug().
		Str("from", p.From).
		Str("to", p.To).
		Int64("amount_drops", int64(p.Amount)).
		Str("hash", hash).
		Str("engine_result", engine).
		Msg("payment submitted")

	switch {
	case hash == "" || engine == "":
		return Failed(hash, fmt.Errorf("%w: submit returned no hash or engine result", ErrAmbiguousResult))
	case strings.HasPrefix(engine, "tem"), strings.HasPrefix(engine, "tef"), strings.HasPrefix(engine, "tel"):
		return Failed(hash, fmt.Errorf("%w: %s %s", ErrRejected, engine, sub.EngineResultMessage))
	}

	res := g.awaitValidation(ctx, hash, lastLedger)
	g.logger.Debug().
		Str("hash", hash).
		Str("status", string(res.Status)).
		Dur("elapsed", time.Since(start)).
		Msg("payment finalized")
	return res
}

// validationDeadline is the wall-clock bound on awaiting one submission:
// the validity window plus two ledgers of margin.
func (g *RPCGateway) validationDeadline() time.Duration {
	return time.Duration(g.window+2) * g.closeTime
}

// awaitValidation polls tx until validated or the validity window passes.
// When the node cannot show the window has passed before the wall-clock
// deadline, the leg fails as ambiguous.
func (g *RPCGateway) awaitValidation(parent context.Context, hash string, lastLedger uint32) LegResult {
	ctx, cancel := context.WithTimeout(parent, g.validationDeadline())
	defer cancel()

	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()

	for {
		tx, err := g.fetchTx(ctx, hash)
		switch {
		case err == nil && tx.Validated:
			if tx.Meta.TransactionResult == "tesSUCCESS" {
				return Confirmed(hash, tx.LedgerIndex)
			}
			return Failed(hash, fmt.Errorf("%w: %s", ErrRejected, tx.Meta.TransactionResult))
		case err != nil && !isRPCError(err, "txnNotFound") && ctx.Err() == nil:
			g.logger.Warn().Err(err).Str("hash", hash).Msg("tx lookup failed, retrying")
		}

		if current, err := g.currentLedger(ctx); err == nil && current > lastLedger {
			return Failed(hash, fmt.Errorf("%w: ledger %d past %d", ErrValidityWindowExpired, current, lastLedger))
		}

		select {
		case <-ctx.Done():
			if parent.Err() == nil {
				return Failed(hash, fmt.Errorf("%w: %w: no validation within %s of ledger %d",
					ErrAmbiguousResult, ErrValidityWindowExpired, g.validationDeadline(), lastLedger))
			}
			return Failed(hash, fmt.Errorf("%w: %v", ErrAmbiguousResult, ctx.Err()))
		case <-ticker.C:
		}
	}
}

type txResult struct {
	Validated   bool   `json:"validated"`
	LedgerIndex uint32 `json:"ledger_index"`
	Meta        struct {
		TransactionResult string `json:"TransactionResult"`
		HookExecutions    []struct {
			HookExecution struct {
				HookAccount      string `json:"HookAccount"`
				HookHash         string `json:"HookHash"`
				HookReturnCode   string `json:"HookReturnCode"`
				HookReturnString string `json:"HookReturnString"`
				HookEmitCount    int    `json:"HookEmitCount"`
			} `json:"HookExecution"`
		} `json:"HookExecutions"`
	} `json:"meta"`
}

func (g *RPCGateway) fetchTx(ctx context.Context, hash string) (*txResult, error) {
	var tx txResult
	err := g.call(ctx, "tx", map[string]interface{}{
		"transaction": hash,
		"binary":      false,
		"api_version": 1,
	}, &tx)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (g *RPCGateway) currentLedger(ctx context.Context) (uint32, error) {
	var res struct {
		LedgerCurrentIndex uint32 `json:"ledger_current_index"`
	}
	if err := g.call(ctx, "ledger_current", map[string]interface{}{}, &res); err != nil {
		return 0, err
	}
	return res.LedgerCurrentIndex, nil
}

func (g *RPCGateway) GetHookExecutions(ctx context.Context, txHash string) ([]HookExecution, error) {
	tx, err := g.fetchTx(ctx, txHash)
	if err != nil {
		if isRPCError(err, "txnNotFound") {
			return nil, nil
		}
		return nil, err
	}
	out := make([]HookExecution, 0, len(tx.Meta.HookExecutions))
	for _, he := range tx.Meta.HookExecutions {
		out = append(out, HookExecution{
			HookAccount:  he.HookExecution.HookAccount,
			HookHash:     he.HookExecution.HookHash,
			ReturnCode:   he.HookExecution.HookReturnCode,
			ReturnString: decodeHexString(he.HookExecution.HookReturnString),
			EmitCount:    he.HookExecution.HookEmitCount,
		})
	}
	return out, nil
}

func (g *RPCGateway) GetBalance(ctx context.Context, address string) (fp.Drops, error) {
	var res struct {
		AccountData struct {
			Balance string `json:"Balance"`
		} `json:"account_data"`
	}
	err := g.call(ctx, "account_info", map[string]interface{}{
		"account":      address,
		"ledger_index": "validated",
	}, &res)
	if err != nil {
		if isRPCError(err, "actNotFound") {
			return 0, nil
		}
		return 0, err
	}
	drops, err := strconv.ParseInt(res.AccountData.Balance, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse balance %q: %w", res.AccountData.Balance, err)
	}
	return fp.Drops(drops), nil
}

func (g *RPCGateway) GetHookCounter(ctx context.Context, platformAddress string) (fp.Drops, bool, error) {
	var res struct {
		NamespaceEntries []struct {
			HookStateKey  string `json:"HookStateKey"`
			HookStateData string `json:"HookStateData"`
		} `json:"namespace_entries"`
	}
	err := g.call(ctx, "account_namespace", map[string]interface{}{
		"account":      platformAddress,
		"namespace_id": namespaceID(HookNamespace),
		"ledger_index": "validated",
	}, &res)
	if err != nil {
		if isRPCError(err, "actNotFound", "entryNotFound", "namespaceNotFound") {
			return 0, false, nil
		}
		return 0, false, err
	}

	want := stateKey(HookCounterKey)
	for _, e := range res.NamespaceEntries {
		if !strings.EqualFold(e.HookStateKey, want) {
			continue
		}
		raw, err := hex.DecodeString(e.HookStateData)
		if err != nil || len(raw) != 8 {
			return 0, false, fmt.Errorf("%w: hook state %q", ErrAmbiguousResult, e.HookStateData)
		}
		return fp.Drops(binary.BigEndian.Uint64(raw)), true, nil
	}
	return 0, false, nil
}

// --- JSON-RPC plumbing ---

// RPCError is an error reported by the node inside a successful HTTP reply.
type RPCError struct {
	Method  string
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rpc %s: %s: %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("rpc %s: %s", e.Method, e.Code)
}

func isRPCError(err error, codes ...string) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	for _, c := range codes {
		if rpcErr.Code == c {
			return true
		}
	}
	return false
}

func (g *RPCGateway) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	buf, err := json.Marshal(map[string]interface{}{
		"method": method,
		"params": []interface{}{params},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc %s failed: status=%d", method, resp.StatusCode)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("rpc %s: decode: %w", method, err)
	}
	if len(envelope.Result) == 0 {
		return fmt.Errorf("rpc %s returned empty result", method)
	}

	var status struct {
		Status       string `json:"status"`
		Error        string `json:"error"`
		ErrorMessage string `json:"error_message"`
	}
	if err := json.Unmarshal(envelope.Result, &status); err != nil {
		return fmt.Errorf("rpc %s: decode status: %w", method, err)
	}
	if status.Status == "error" || status.Error != "" {
		return &RPCError{Method: method, Code: status.Error, Message: status.ErrorMessage}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(envelope.Result, out)
}

func hexUpper(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

func namespaceID(ns string) string {
	sum := sha256.Sum256([]byte(ns))
	return hexUpper(sum[:])
}

// stateKey left-pads a short key to the 32-byte hook state key.
func stateKey(key string) string {
	padded := make([]byte, 32)
	copy(padded[32-len(key):], key)
	return hexUpper(padded)
}

func decodeHexString(s string) string {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return s
	}
	return string(raw)
}
