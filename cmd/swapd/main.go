// Package main provides swapd - a CLI that drives cross-chain atomic
// swaps between an EVM chain and a non-EVM HTLC chain to completion.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/fusion-labs/swapd/internal/adapter"
	"github.com/fusion-labs/swapd/internal/adapter/evmadapter"
	"github.com/fusion-labs/swapd/internal/adapter/nearadapter"
	"github.com/fusion-labs/swapd/internal/adapter/simadapter"
	"github.com/fusion-labs/swapd/internal/batchrunner"
	"github.com/fusion-labs/swapd/internal/config"
	"github.com/fusion-labs/swapd/internal/orchestrator"
	"github.com/fusion-labs/swapd/internal/statusfeed"
	"github.com/fusion-labs/swapd/internal/vault"
	"github.com/fusion-labs/swapd/pkg/helpers"
	"github.com/fusion-labs/swapd/pkg/logging"
)

// Exit codes match the CLI surface contract: 0 success, 1 validation,
// 2 transient/partial, 3 refunded, 4 failed.
const (
	exitSuccess    = 0
	exitValidation = 1
	exitPartial    = 2
	exitRefunded   = 3
	exitFailed     = 4
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitValidation)
	}

	switch os.Args[1] {
	case "swap":
		os.Exit(runSwap(os.Args[2:], false))
	case "dry-run":
		os.Exit(runSwap(os.Args[2:], true))
	case "batch":
		os.Exit(runBatch(os.Args[2:]))
	case "version":
		fmt.Println("swapd", version)
		os.Exit(exitSuccess)
	default:
		usage()
		os.Exit(exitValidation)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: swapd <swap|batch|dry-run|version> [flags]")
}

// swapLine is the single machine-parseable JSON line printed to stdout
// for each terminal swap event, per the CLI's wire contract.
type swapLine struct {
	SwapID     string `json:"swap_id"`
	State      string `json:"state"`
	FailReason string `json:"fail_reason,omitempty"`
}

func runSwap(args []string, dryRun bool) int {
	fs := flag.NewFlagSet("swap", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config YAML (required for swap; not used by dry-run)")
	sourceChain := fs.String("source-chain", "evm", "source chain kind: evm or nonevm")
	destChain := fs.String("dest-chain", "nonevm", "destination chain kind: evm or nonevm")
	sourceAmount := fs.String("source-amount", "", "source amount, decimal (e.g. \"1.5\")")
	destAmount := fs.String("dest-amount", "", "destination amount, decimal (e.g. \"1.5\")")
	sourceDecimals := fs.Int("source-decimals", 18, "decimal places the source amount is quoted in")
	destDecimals := fs.Int("dest-decimals", 18, "decimal places the destination amount is quoted in")
	sourceAddress := fs.String("source-address", "", "source chain recipient address/account")
	destAddress := fs.String("dest-address", "", "destination chain recipient address/account")
	slippageBps := fs.Int("slippage-bps", 50, "allowed slippage in basis points")
	timeoutSeconds := fs.Int64("timeout-seconds", 3600, "swap timeout in seconds")
	swapID := fs.String("swap-id", "", "unique swap id; generated if empty")
	role := fs.String("role", "initiator", "initiator (mints the secret) or taker (responds to a known hashlock)")
	hashlock := fs.String("hashlock", "", "hex-encoded hashlock; required when -role=taker")
	statusAddr := fs.String("status-addr", "", "optional host:port to serve the websocket status feed on (disabled if empty)")
	logLevel := fs.String("log-level", "info", "log level")
	fs.Parse(args)

	log := logging.New(&logging.Config{Level: *logLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	req, err := buildRequest(*sourceChain, *destChain, *sourceAmount, *destAmount, uint8(*sourceDecimals), uint8(*destDecimals), *sourceAddress, *destAddress, *slippageBps, *timeoutSeconds, *role, *hashlock)
	if err != nil {
		log.Error("validation failed", "err", err)
		return exitValidation
	}

	id := *swapID
	if id == "" {
		id = uuid.NewString()
	}

	var o *orchestrator.Orchestrator
	if dryRun {
		o = orchestrator.New(vault.New(), simadapter.New(req.SourceChain), simadapter.New(req.DestChain))
	} else {
		if *configPath == "" {
			log.Error("validation failed", "err", "-config is required outside dry-run mode")
			return exitValidation
		}
		built, err := buildLiveOrchestrator(*configPath, req)
		if err != nil {
			log.Error("startup validation failed", "err", err)
			return exitValidation
		}
		o = built
	}

	_, stopStatusFeed := attachStatusFeed(o, *statusAddr, log)
	defer stopStatusFeed()

	ctx, cancel := signalContext()
	defer cancel()

	record, err := o.Run(ctx, id, req)
	if err != nil {
		log.Error("admission failed", "swap_id", id, "err", err)
		emitLine(swapLine{SwapID: id, State: "Failed", FailReason: err.Error()})
		return exitValidation
	}

	emitLine(swapLine{SwapID: record.SwapID, State: record.State.String(), FailReason: record.FailReason})

	switch record.State {
	case orchestrator.StateCompleted:
		return exitSuccess
	case orchestrator.StateRefunded:
		return exitRefunded
	case orchestrator.StateFailed:
		return exitFailed
	default:
		return exitPartial
	}
}

func runBatch(args []string) int {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config YAML")
	file := fs.String("file", "", "path to a JSON file of SwapRequest objects")
	concurrency := fs.Int("concurrency", 0, "max concurrent swaps; 0 uses the configured default")
	dryRun := fs.Bool("dry-run", false, "run against the simulator adapter instead of live chains")
	statusAddr := fs.String("status-addr", "", "optional host:port to serve the websocket status feed on (disabled if empty)")
	logLevel := fs.String("log-level", "info", "log level")
	fs.Parse(args)

	log := logging.New(&logging.Config{Level: *logLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *file == "" {
		log.Error("validation failed", "err", "-file is required")
		return exitValidation
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		log.Error("validation failed", "err", err)
		return exitValidation
	}

	var raw []batchRequestJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Error("validation failed", "err", err)
		return exitValidation
	}

	items := make([]batchrunner.Item, 0, len(raw))
	for i, entry := range raw {
		sourceDecimals, destDecimals := entry.SourceDecimals, entry.DestDecimals
		if sourceDecimals == 0 {
			sourceDecimals = 18
		}
		if destDecimals == 0 {
			destDecimals = 18
		}
		req, err := buildRequest(entry.SourceChain, entry.DestChain, entry.SourceAmount, entry.DestAmount, sourceDecimals, destDecimals, entry.SourceAddress, entry.DestAddress, entry.SlippageBps, entry.TimeoutSeconds, entry.Role, entry.Hashlock)
		if err != nil {
			log.Error("validation failed", "index", i, "err", err)
			return exitValidation
		}
		id := entry.SwapID
		if id == "" {
			id = uuid.NewString()
		}
		items = append(items, batchrunner.Item{SwapID: id, Request: req})
	}

	var o *orchestrator.Orchestrator
	batchConcurrency := 0
	if *dryRun {
		o = orchestrator.New(vault.New(), simadapter.New(adapter.ChainEVM), simadapter.New(adapter.ChainNonEVM))
	} else {
		if *configPath == "" {
			log.Error("validation failed", "err", "-config is required outside dry-run mode")
			return exitValidation
		}
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Error("startup validation failed", "err", err)
			return exitValidation
		}
		built, err := buildOrchestratorFromConfig(cfg, adapter.ChainEVM, adapter.ChainNonEVM)
		if err != nil {
			log.Error("startup validation failed", "err", err)
			return exitValidation
		}
		o = built
		batchConcurrency = cfg.BatchConcurrency
	}

	hub, stopStatusFeed := attachStatusFeed(o, *statusAddr, log)
	defer stopStatusFeed()

	runner := batchrunner.New(o)
	if batchConcurrency > 0 {
		runner.Concurrency = batchConcurrency
	}
	if *concurrency > 0 {
		runner.Concurrency = *concurrency
	}
	if hub != nil {
		total := len(items)
		var (
			mu        sync.Mutex
			completed int
		)
		runner.OnItemDone = func(res batchrunner.Result) {
			mu.Lock()
			completed++
			n := completed
			mu.Unlock()

			state, failReason := "Failed", ""
			switch {
			case res.Record != nil:
				state = res.Record.State.String()
				failReason = res.Record.FailReason
			case res.Err != nil:
				failReason = res.Err.Error()
			}
			hub.Broadcast(statusfeed.EventBatchProgress, statusfeed.BatchProgressPayload{
				SwapID: res.SwapID, State: state, FailReason: failReason, Completed: n, Total: total,
			})
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	report := runner.Run(ctx, items)

	for _, s := range report.Successes {
		emitLine(swapLine{SwapID: s.SwapID, State: s.Record.State.String()})
	}
	for _, f := range report.Failures {
		line := swapLine{SwapID: f.SwapID}
		if f.Record != nil {
			line.State = f.Record.State.String()
			line.FailReason = f.Record.FailReason
		} else {
			line.State = "Failed"
			line.FailReason = f.Err.Error()
		}
		emitLine(line)
	}

	if len(report.Failures) == 0 {
		return exitSuccess
	}
	if len(report.Successes) == 0 {
		return exitFailed
	}
	return exitPartial
}

// batchRequestJSON is the on-disk shape of one entry in a batch file.
type batchRequestJSON struct {
	SwapID         string `json:"swap_id"`
	SourceChain    string `json:"source_chain"`
	DestChain      string `json:"dest_chain"`
	SourceAmount   string `json:"source_amount"`
	DestAmount     string `json:"dest_amount"`
	SourceDecimals uint8  `json:"source_decimals"`
	DestDecimals   uint8  `json:"dest_decimals"`
	SourceAddress  string `json:"source_address"`
	DestAddress    string `json:"dest_address"`
	SlippageBps    int    `json:"slippage_bps"`
	TimeoutSeconds int64  `json:"timeout_seconds"`
	Role           string `json:"role"`
	Hashlock       string `json:"hashlock"`
}

func buildRequest(sourceChain, destChain, sourceAmount, destAmount string, sourceDecimals, destDecimals uint8, sourceAddress, destAddress string, slippageBps int, timeoutSeconds int64, role, hashlockHex string) (orchestrator.SwapRequest, error) {
	srcAmt, err := helpers.ParseAmount(sourceAmount, sourceDecimals)
	if err != nil {
		return orchestrator.SwapRequest{}, fmt.Errorf("source-amount: %w", err)
	}
	dstAmt, err := helpers.ParseAmount(destAmount, destDecimals)
	if err != nil {
		return orchestrator.SwapRequest{}, fmt.Errorf("dest-amount: %w", err)
	}

	req := orchestrator.SwapRequest{
		SourceChain:    parseChainKind(sourceChain),
		DestChain:      parseChainKind(destChain),
		SourceAmount:   srcAmt,
		DestAmount:     dstAmt,
		SourceAddress:  sourceAddress,
		DestAddress:    destAddress,
		SlippageBps:    slippageBps,
		TimeoutSeconds: timeoutSeconds,
		Role:           orchestrator.RoleInitiator,
	}

	if role == "taker" {
		req.Role = orchestrator.RoleTaker
		hashlockBytes, err := helpers.HexToBytes(hashlockHex)
		if err != nil || len(hashlockBytes) != 32 {
			return orchestrator.SwapRequest{}, fmt.Errorf("hashlock must be 32 bytes hex-encoded for -role=taker")
		}
		copy(req.Hashlock[:], hashlockBytes)
	}

	if err := req.Validate(); err != nil {
		return orchestrator.SwapRequest{}, err
	}
	return req, nil
}

func parseChainKind(s string) adapter.ChainKind {
	if s == "evm" {
		return adapter.ChainEVM
	}
	return adapter.ChainNonEVM
}

func buildLiveOrchestrator(configPath string, req orchestrator.SwapRequest) (*orchestrator.Orchestrator, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return buildOrchestratorFromConfig(cfg, req.SourceChain, req.DestChain)
}

// buildOrchestratorFromConfig constructs the source and destination chain
// adapters appropriate to each leg's ChainKind, regardless of which leg
// is EVM and which is non-EVM in this swap's orientation.
func buildOrchestratorFromConfig(cfg config.Config, sourceChain, destChain adapter.ChainKind) (*orchestrator.Orchestrator, error) {
	sourceKey, destKey, err := cfg.ResolveSecrets()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sourceAdapter, err := newChainAdapter(ctx, sourceChain, cfg.RPCURLSource, cfg, sourceKey)
	if err != nil {
		return nil, fmt.Errorf("building source adapter: %w", err)
	}
	destAdapter, err := newChainAdapter(ctx, destChain, cfg.RPCURLDest, cfg, destKey)
	if err != nil {
		return nil, fmt.Errorf("building destination adapter: %w", err)
	}

	o := orchestrator.New(vault.New(), sourceAdapter, destAdapter)
	o.SafetyGap = cfg.SafetyGap
	o.RefundLeadTime = cfg.RefundLeadTime
	o.RetryInitialBackoff = cfg.Retry.InitialBackoff
	o.RetryMaxBackoff = cfg.Retry.MaxBackoff
	o.RetryMaxAttempts = cfg.Retry.MaxAttempts
	return o, nil
}

func newChainAdapter(ctx context.Context, kind adapter.ChainKind, rpcURL string, cfg config.Config, signingKey string) (adapter.Adapter, error) {
	if kind == adapter.ChainEVM {
		return evmadapter.New(ctx, rpcURL, limitOrderContractAddress(cfg), signingKey)
	}
	return nearadapter.New(rpcURL, cfg.NonEVMHTLCContract, cfg.NonEVMHTLCContract, signingKey), nil
}

// limitOrderContractAddress resolves the deployed limit-order contract for
// this run's chain ID. config.Load registers cfg.LimitOrderContract into
// the shared registry on successful parse, so an explicit config value and
// a well-known default for a registered chain are both reflected here.
func limitOrderContractAddress(cfg config.Config) common.Address {
	return config.GetLimitOrderContract(cfg.EVMChainID)
}

// attachStatusFeed starts a WebSocket status feed on addr and wires the
// orchestrator's transition hook to broadcast on it, returning the hub (nil
// if disabled) and a shutdown func. A blank addr disables the feed
// entirely, since not every invocation of swapd runs long enough to be
// worth observing externally.
func attachStatusFeed(o *orchestrator.Orchestrator, addr string, log *logging.Logger) (*statusfeed.Hub, func()) {
	if addr == "" {
		return nil, func() {}
	}

	hub := statusfeed.NewHub()
	go hub.Run()

	mux := http.NewServeMux()
	mux.Handle("/status", hub)
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("status feed server stopped", "err", err)
		}
	}()

	o.OnTransition = func(record *orchestrator.SwapRecord, t orchestrator.Transition) {
		hub.BroadcastTransition(record.SwapID, t)
	}

	log.Info("status feed listening", "addr", addr, "path", "/status")

	return hub, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}
}

func emitLine(line swapLine) {
	data, err := json.Marshal(line)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal result line: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}
