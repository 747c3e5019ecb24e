package batchrunner

import (
	"context"
	"math/big"
	"testing"

	"github.com/fusion-labs/swapd/internal/adapter"
	"github.com/fusion-labs/swapd/internal/adapter/simadapter"
	"github.com/fusion-labs/swapd/internal/orchestrator"
	"github.com/fusion-labs/swapd/internal/vault"
)

func validRequest() orchestrator.SwapRequest {
	return orchestrator.SwapRequest{
		SourceChain:    adapter.ChainEVM,
		DestChain:      adapter.ChainNonEVM,
		SourceAmount:   big.NewInt(1_000_000),
		DestAmount:     big.NewInt(2_000_000),
		SourceAddress:  "0xsource",
		DestAddress:    "dest.testnet",
		SlippageBps:    50,
		TimeoutSeconds: 1800,
		Role:           orchestrator.RoleInitiator,
	}
}

func TestRunReportsValidationFailuresWithoutBlockingOthers(t *testing.T) {
	o := orchestrator.New(vault.New(), simadapter.New(adapter.ChainEVM), simadapter.New(adapter.ChainNonEVM))
	runner := New(o)
	runner.Concurrency = 2

	badReq := validRequest()
	badReq.SlippageBps = 9999

	items := []Item{
		{SwapID: "swap-bad", Request: badReq},
		{SwapID: "swap-bad-2", Request: badReq},
	}

	report := runner.Run(context.Background(), items)

	if len(report.Failures) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(report.Failures))
	}
	if len(report.Successes) != 0 {
		t.Fatalf("expected 0 successes, got %d", len(report.Successes))
	}
	for _, f := range report.Failures {
		if adapter.KindOf(f.Err) != adapter.KindValidation {
			t.Errorf("swap %s: expected validation error, got %v", f.SwapID, f.Err)
		}
	}
}

func TestDefaultConcurrencyAppliedWhenUnset(t *testing.T) {
	o := orchestrator.New(vault.New(), simadapter.New(adapter.ChainEVM), simadapter.New(adapter.ChainNonEVM))
	runner := New(o)
	runner.Concurrency = 0

	badReq := validRequest()
	badReq.SourceAddress = ""

	report := runner.Run(context.Background(), []Item{{SwapID: "swap-1", Request: badReq}})
	if len(report.Failures) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(report.Failures))
	}
}
