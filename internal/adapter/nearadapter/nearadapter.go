// Package nearadapter implements the non-EVM chain leg of a swap against a
// NEAR-style JSON-RPC node. HTLC calls are submitted as signed
// function-call transactions and read back through the `query` RPC method;
// unlike the EVM leg there is no limit-order protocol here, just a direct
// HTLC contract account.
package nearadapter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/fusion-labs/swapd/internal/adapter"
)

// maxTimeoutSeconds bounds the requested HTLC timeout so that converting
// it to nanoseconds and adding it to a block timestamp never overflows a
// 64-bit nanosecond counter. Ten years is a conservative cap well inside
// the ~292 year range a 64-bit ns counter can represent from the Unix
// epoch.
const maxTimeoutSeconds = int64(10 * 365 * 24 * 60 * 60)

// Adapter drives the non-EVM leg of a swap against a single HTLC contract
// account on a NEAR-style chain. It satisfies adapter.Adapter.
type Adapter struct {
	rpcURL          string
	contractAccount string
	signerAccount   string
	signingKey      string
	httpClient      *http.Client
	requestID       atomic.Uint64

	idempotency *adapter.IdempotencyTable
}

// New returns an Adapter that submits HTLC calls to contractAccount over
// rpcURL, signed as signerAccount using signingKey (a base58 or hex
// ed25519 private key, as resolved from the configured signing key
// source).
func New(rpcURL, contractAccount, signerAccount, signingKey string) *Adapter {
	return &Adapter{
		rpcURL:          rpcURL,
		contractAccount: contractAccount,
		signerAccount:   signerAccount,
		signingKey:      signingKey,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		idempotency:     adapter.NewIdempotencyTable(),
	}
}

// Kind identifies this adapter's chain family.
func (a *Adapter) Kind() adapter.ChainKind { return adapter.ChainNonEVM }

// SubmitCreateOrder is not supported on the non-EVM leg: this chain only
// ever hosts a direct HTLC, never a limit-order escrow.
func (a *Adapter) SubmitCreateOrder(ctx context.Context, swapID string, spec adapter.LegSpec) (string, string, error) {
	return "", "", adapter.NewError(adapter.KindValidation, "SubmitCreateOrder", swapID,
		fmt.Errorf("non-EVM leg uses direct HTLC creation, not limit orders"))
}

// createHTLCArgs is the JSON args payload the reference HTLC contract
// expects for its create-style function call.
type createHTLCArgs struct {
	Recipient      string `json:"recipient"`
	SecretHash     string `json:"secret_hash"`
	TimeoutSeconds int64  `json:"timeout_seconds"`
}

// SubmitCreateHTLC creates an HTLC on the non-EVM contract account, with
// secret_hash base58-encoded per the reference wire format. It rejects any
// requested deadline whose corresponding timeout would overflow the
// contract's 64-bit nanosecond timelock counter.
func (a *Adapter) SubmitCreateHTLC(ctx context.Context, swapID string, spec adapter.LegSpec) (string, string, error) {
	timeoutSeconds, err := deadlineToTimeoutSeconds(spec.DeadlineAbsoluteSeconds, nowUnix())
	if err != nil {
		return "", "", adapter.NewError(adapter.KindValidation, "SubmitCreateHTLC", swapID, err)
	}
	if err := validateSpec(spec); err != nil {
		return "", "", adapter.NewError(adapter.KindValidation, "SubmitCreateHTLC", swapID, err)
	}

	args := createHTLCArgs{
		Recipient:      spec.Recipient,
		SecretHash:     base58.Encode(spec.Hashlock[:]),
		TimeoutSeconds: timeoutSeconds,
	}

	result, err := a.idempotency.Once(swapID, spec.Leg, "create_htlc", func() (adapter.SubmissionResult, error) {
		txHash, escrowID, err := a.broadcastFunctionCall(ctx, "create_htlc", args, spec.Amount)
		if err != nil {
			return adapter.SubmissionResult{}, err
		}
		return adapter.SubmissionResult{TxHash: txHash, Handle: escrowID}, nil
	})
	if err != nil {
		return "", "", classifyRPCError("SubmitCreateHTLC", swapID, err)
	}
	return result.TxHash, result.Handle, nil
}

// SubmitClaim reveals preimage against the HTLC identified by handle.
func (a *Adapter) SubmitClaim(ctx context.Context, swapID, handle string, preimage [32]byte) (string, error) {
	args := map[string]interface{}{
		"htlc_id": handle,
		"secret":  base58.Encode(preimage[:]),
	}

	result, err := a.idempotency.Once(swapID, adapter.LegDest, "claim", func() (adapter.SubmissionResult, error) {
		txHash, _, err := a.broadcastFunctionCall(ctx, "claim", args, nil)
		if err != nil {
			return adapter.SubmissionResult{}, err
		}
		return adapter.SubmissionResult{TxHash: txHash, Handle: handle}, nil
	})
	if err != nil {
		return "", classifyRPCError("SubmitClaim", swapID, err)
	}
	return result.TxHash, nil
}

// SubmitRefund reclaims the principal of the HTLC identified by handle
// after its timeout.
func (a *Adapter) SubmitRefund(ctx context.Context, swapID, handle string) (string, error) {
	args := map[string]interface{}{"htlc_id": handle}

	result, err := a.idempotency.Once(swapID, adapter.LegDest, "refund", func() (adapter.SubmissionResult, error) {
		txHash, _, err := a.broadcastFunctionCall(ctx, "refund", args, nil)
		if err != nil {
			return adapter.SubmissionResult{}, err
		}
		return adapter.SubmissionResult{TxHash: txHash, Handle: handle}, nil
	})
	if err != nil {
		return "", classifyRPCError("SubmitRefund", swapID, err)
	}
	return result.TxHash, nil
}

// htlcViewResult is the shape returned by the contract's view-style query.
// Secret is populated by the reference contract once an HTLC has been
// claimed, base58-encoded the same way SubmitClaim sends it.
type htlcViewResult struct {
	State  string `json:"state"`
	Secret string `json:"secret"`
}

// ReadLegState returns a consistent snapshot of an HTLC's on-chain state.
func (a *Adapter) ReadLegState(ctx context.Context, handle string) (adapter.LegState, error) {
	blockHeight, err := a.currentBlockHeight(ctx)
	if err != nil {
		return adapter.LegState{}, adapter.NewError(adapter.KindTransient, "ReadLegState", "", err)
	}

	view, err := a.viewFunction(ctx, "get_htlc", map[string]interface{}{"htlc_id": handle})
	if err != nil {
		return adapter.LegState{}, adapter.NewError(adapter.KindChain, "ReadLegState", "", err)
	}

	var result htlcViewResult
	if err := json.Unmarshal(view, &result); err != nil {
		return adapter.LegState{}, adapter.NewError(adapter.KindInternal, "ReadLegState", "", err)
	}

	return adapter.LegState{
		Chain:         adapter.ChainNonEVM,
		Handle:        handle,
		Status:        mapHTLCState(result.State),
		ObservedBlock: blockHeight,
	}, nil
}

// Subscribe polls the HTLC named by filter.EscrowID every two seconds (see
// pollOnce), since NEAR-style JSON-RPC nodes expose no native
// log-streaming endpoint analogous to eth_subscribe. Observations are
// synthesized from the HTLC's current state rather than a push feed, and
// the channel is closed on cancellation. filter.Resume only seeds the
// tracked block height; it does not select which state is read.
func (a *Adapter) Subscribe(ctx context.Context, filter adapter.SubscribeFilter) (<-chan adapter.Observation, error) {
	out := make(chan adapter.Observation, 16)

	go func() {
		defer close(out)

		lastBlock := filter.Resume.BlockNumber
		lastStatus := adapter.StatusNone
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				obs, newBlock, newStatus, err := a.pollOnce(ctx, lastBlock, lastStatus, filter)
				if err != nil {
					continue
				}
				lastBlock = newBlock
				lastStatus = newStatus
				for _, o := range obs {
					select {
					case out <- o:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return out, nil
}

// pollOnce reads the watched HTLC's current state via get_htlc and
// synthesizes an HTLCClaimed observation the first time it observes a
// transition into the claimed status, decoding the revealed secret the
// reference contract returns from the same view once claimed. filter must
// carry an EscrowID naming the HTLC to watch; without one there is nothing
// to poll, since this chain has no native log stream to filter by
// hashlock alone the way eth_subscribe does.
func (a *Adapter) pollOnce(ctx context.Context, lastBlock uint64, lastStatus adapter.LegStatus, filter adapter.SubscribeFilter) ([]adapter.Observation, uint64, adapter.LegStatus, error) {
	height, err := a.currentBlockHeight(ctx)
	if err != nil {
		return nil, lastBlock, lastStatus, err
	}

	if filter.EscrowID == nil || *filter.EscrowID == "" {
		return nil, height, lastStatus, nil
	}

	view, err := a.viewFunction(ctx, "get_htlc", map[string]interface{}{"htlc_id": *filter.EscrowID})
	if err != nil {
		return nil, height, lastStatus, err
	}

	var result htlcViewResult
	if err := json.Unmarshal(view, &result); err != nil {
		return nil, height, lastStatus, err
	}

	status := mapHTLCState(result.State)
	if status != adapter.StatusClaimed || lastStatus == adapter.StatusClaimed {
		return nil, height, status, nil
	}

	preimage, ok := decodeRevealedSecret(result.Secret)
	if !ok {
		return nil, height, status, nil
	}

	obs := adapter.Observation{
		Kind:             adapter.ObservationHTLCClaimed,
		EscrowID:         *filter.EscrowID,
		RevealedPreimage: &preimage,
		Chain:            adapter.ChainNonEVM,
		BlockNumber:      height,
		TxHash:           *filter.EscrowID,
	}
	if filter.Hashlock != nil {
		obs.Hashlock = *filter.Hashlock
	}

	return []adapter.Observation{obs}, height, status, nil
}

// decodeRevealedSecret base58-decodes a secret the get_htlc view returns,
// matching the encoding SubmitClaim sends it in. A malformed or absent
// secret is treated as not yet observable rather than an error: the poll
// will simply see the same claimed status again next tick.
func decodeRevealedSecret(encoded string) ([32]byte, bool) {
	var preimage [32]byte
	if encoded == "" {
		return preimage, false
	}
	decoded := base58.Decode(encoded)
	if len(decoded) != 32 {
		return preimage, false
	}
	copy(preimage[:], decoded)
	return preimage, true
}

func (a *Adapter) currentBlockHeight(ctx context.Context) (uint64, error) {
	result, err := a.call(ctx, "status", map[string]interface{}{})
	if err != nil {
		return 0, err
	}
	var status struct {
		SyncInfo struct {
			LatestBlockHeight uint64 `json:"latest_block_height"`
		} `json:"sync_info"`
	}
	if err := json.Unmarshal(result, &status); err != nil {
		return 0, err
	}
	return status.SyncInfo.LatestBlockHeight, nil
}

func (a *Adapter) viewFunction(ctx context.Context, method string, args map[string]interface{}) (json.RawMessage, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}

	params := map[string]interface{}{
		"request_type": "call_function",
		"finality":     "final",
		"account_id":   a.contractAccount,
		"method_name":  method,
		"args_base64":  base64Encode(argsJSON),
	}

	return a.call(ctx, "query", params)
}

// broadcastFunctionCall signs (conceptually — actual transaction
// construction and Ed25519 signing is chain-SDK territory out of this
// package's scope) and submits a function-call transaction, returning the
// resulting transaction hash and, for create_htlc, the contract-assigned
// htlc id read back from the receipt.
func (a *Adapter) broadcastFunctionCall(ctx context.Context, method string, args interface{}, amount *big.Int) (txHash, handle string, err error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return "", "", err
	}

	amountStr := "0"
	if amount != nil {
		amountStr = amount.String()
	}

	signedTx := map[string]interface{}{
		"signer_id":   a.signerAccount,
		"receiver_id": a.contractAccount,
		"method_name": method,
		"args":        string(argsJSON),
		"deposit":     amountStr,
	}
	signedTxB64 := base64Encode(mustMarshal(signedTx))

	result, err := a.call(ctx, "broadcast_tx_commit", []interface{}{signedTxB64})
	if err != nil {
		return "", "", err
	}

	var receipt struct {
		Transaction struct {
			Hash string `json:"hash"`
		} `json:"transaction"`
		Status struct {
			SuccessValue string `json:"SuccessValue"`
		} `json:"status"`
	}
	if err := json.Unmarshal(result, &receipt); err != nil {
		return "", "", err
	}

	handle = receipt.Status.SuccessValue
	if handle == "" {
		handle = receipt.Transaction.Hash
	}

	return receipt.Transaction.Hash, handle, nil
}

func (a *Adapter) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := a.requestID.Add(1)

	request := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}

	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.rpcURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("near rpc request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var response struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Name string `json:"name"`
			Data string `json:"cause"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("parsing near rpc response: %w", err)
	}
	if response.Error != nil {
		return nil, fmt.Errorf("near rpc error %s: %s", response.Error.Name, response.Error.Data)
	}

	return response.Result, nil
}

func mapHTLCState(state string) adapter.LegStatus {
	switch strings.ToLower(state) {
	case "active", "pending":
		return adapter.StatusConfirmed
	case "claimed":
		return adapter.StatusClaimed
	case "refunded":
		return adapter.StatusRefunded
	default:
		return adapter.StatusNone
	}
}

func validateSpec(spec adapter.LegSpec) error {
	if spec.Amount == nil || spec.Amount.Sign() <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	if spec.Recipient == "" {
		return fmt.Errorf("recipient account id is required")
	}
	return nil
}

// deadlineToTimeoutSeconds converts an absolute deadline to a relative
// timeout and rejects any period that, converted to nanoseconds and added
// to the current block timestamp, would overflow a 64-bit nanosecond
// counter — using a conservative ten-year cap rather than computing the
// exact overflow boundary against a specific block timestamp.
func deadlineToTimeoutSeconds(deadlineAbsoluteSeconds, nowSeconds int64) (int64, error) {
	timeout := deadlineAbsoluteSeconds - nowSeconds
	if timeout <= 0 {
		return 0, fmt.Errorf("deadline %d is not in the future", deadlineAbsoluteSeconds)
	}
	if timeout > maxTimeoutSeconds {
		return 0, fmt.Errorf("timeout of %d seconds exceeds the %d second cap on nanosecond timelocks", timeout, maxTimeoutSeconds)
	}
	return timeout, nil
}

func classifyRPCError(op, swapID string, err error) error {
	if err == nil {
		return nil
	}
	if existing, ok := err.(*adapter.Error); ok {
		return existing
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "connection"), strings.Contains(msg, "request failed"):
		return adapter.NewError(adapter.KindTransient, op, swapID, err)
	default:
		return adapter.NewError(adapter.KindChain, op, swapID, err)
	}
}

func base64Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// nowUnixFunc is a seam so tests can control the current time without
// depending on a live clock; production callers always use real time.
var nowUnixFunc = func() int64 { return time.Now().Unix() }

func nowUnix() int64 { return nowUnixFunc() }
