package orchestrator

import (
	"context"
	"crypto/sha256"
	"math/big"
	"testing"

	"github.com/fusion-labs/swapd/internal/adapter"
	"github.com/fusion-labs/swapd/internal/vault"
)

// stubAdapter is a minimal adapter.Adapter whose behavior each test wires
// up via its fields, rather than a fixed fake shared across every
// test case.
type stubAdapter struct {
	kind adapter.ChainKind

	legState    adapter.LegState
	refundCalls int
	claimCalls  int
}

func (s *stubAdapter) Kind() adapter.ChainKind { return s.kind }

func (s *stubAdapter) SubmitCreateOrder(ctx context.Context, swapID string, spec adapter.LegSpec) (string, string, error) {
	return "0xorder", "handle-" + swapID, nil
}

func (s *stubAdapter) SubmitCreateHTLC(ctx context.Context, swapID string, spec adapter.LegSpec) (string, string, error) {
	return "0xhtlc", "handle-" + swapID, nil
}

func (s *stubAdapter) SubmitClaim(ctx context.Context, swapID, handle string, preimage [32]byte) (string, error) {
	s.claimCalls++
	return "0xclaim", nil
}

func (s *stubAdapter) SubmitRefund(ctx context.Context, swapID, handle string) (string, error) {
	s.refundCalls++
	return "0xrefund", nil
}

func (s *stubAdapter) ReadLegState(ctx context.Context, handle string) (adapter.LegState, error) {
	return s.legState, nil
}

func (s *stubAdapter) Subscribe(ctx context.Context, filter adapter.SubscribeFilter) (<-chan adapter.Observation, error) {
	ch := make(chan adapter.Observation)
	close(ch)
	return ch, nil
}

func validRequest() SwapRequest {
	return SwapRequest{
		SourceChain:    adapter.ChainEVM,
		DestChain:      adapter.ChainNonEVM,
		SourceAmount:   big.NewInt(1_000_000),
		DestAmount:     big.NewInt(2_000_000),
		SourceAddress:  "0xsource",
		DestAddress:    "dest.testnet",
		SlippageBps:    50,
		TimeoutSeconds: 3600,
		Role:           RoleInitiator,
	}
}

func TestValidateAcceptsWellFormedRequest(t *testing.T) {
	if err := validRequest().Validate(); err != nil {
		t.Errorf("expected valid request, got %v", err)
	}
}

func TestValidateRejectsOutOfRangeFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *SwapRequest)
	}{
		{"zero source amount", func(r *SwapRequest) { r.SourceAmount = big.NewInt(0) }},
		{"nil dest amount", func(r *SwapRequest) { r.DestAmount = nil }},
		{"missing source address", func(r *SwapRequest) { r.SourceAddress = "" }},
		{"slippage too high", func(r *SwapRequest) { r.SlippageBps = 5001 }},
		{"timeout too short", func(r *SwapRequest) { r.TimeoutSeconds = 1799 }},
		{"timeout too long", func(r *SwapRequest) { r.TimeoutSeconds = 604801 }},
		{"taker with zero hashlock", func(r *SwapRequest) { r.Role = RoleTaker; r.Hashlock = [32]byte{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			if err := req.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestRunRejectsInvalidRequestBeforeCreatingRecord(t *testing.T) {
	o := New(vault.New(), &stubAdapter{kind: adapter.ChainEVM}, &stubAdapter{kind: adapter.ChainNonEVM})
	req := validRequest()
	req.SlippageBps = 9999

	record, err := o.Run(context.Background(), "swap-1", req)
	if record != nil {
		t.Error("expected no record for a rejected request")
	}
	if adapter.KindOf(err) != adapter.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestReconstructFoldsTransitions(t *testing.T) {
	transitions := []Transition{
		{From: StateInitiated, To: StateCreatingSource},
		{From: StateCreatingSource, To: StateSourceSubmitted},
		{From: StateSourceSubmitted, To: StateFailed, Reason: "source leg did not confirm"},
	}

	state, reason := Reconstruct(transitions)
	if state != StateFailed {
		t.Errorf("expected Failed, got %v", state)
	}
	if reason != "source leg did not confirm" {
		t.Errorf("expected reason to survive folding, got %q", reason)
	}
}

func TestMintOrRegisterInitiatorMintsFreshSecret(t *testing.T) {
	v := vault.New()
	o := New(v, &stubAdapter{kind: adapter.ChainEVM}, &stubAdapter{kind: adapter.ChainNonEVM})

	req := validRequest()
	_, err := o.mintOrRegister("swap-1", req)
	if err != nil {
		t.Fatalf("mintOrRegister: %v", err)
	}
	if !v.IsKnown("swap-1") {
		t.Error("expected initiator's swap to have a known preimage")
	}
}

func TestMintOrRegisterTakerRegistersWithoutPreimage(t *testing.T) {
	v := vault.New()
	o := New(v, &stubAdapter{kind: adapter.ChainEVM}, &stubAdapter{kind: adapter.ChainNonEVM})

	req := validRequest()
	req.Role = RoleTaker
	req.Hashlock = sha256.Sum256([]byte("counterparty-secret"))

	hashlock, err := o.mintOrRegister("swap-1", req)
	if err != nil {
		t.Fatalf("mintOrRegister: %v", err)
	}
	if hashlock != req.Hashlock {
		t.Error("expected taker's hashlock to be the supplied one")
	}
	if v.IsKnown("swap-1") {
		t.Error("expected taker's preimage to be unknown until revealed")
	}
}

func TestVerifyObservationAcceptsGenuinePreimage(t *testing.T) {
	v := vault.New()
	o := New(v, &stubAdapter{kind: adapter.ChainEVM}, &stubAdapter{kind: adapter.ChainNonEVM})

	preimage := sha256.Sum256([]byte("secret"))
	hashlock := sha256.Sum256(preimage[:])
	if err := v.Mint("swap-1", hashlock); err != nil {
		t.Fatalf("Mint: %v", err)
	}

	record := &SwapRecord{SwapID: "swap-1", Hashlock: hashlock, State: StateAwaitingFill}
	obs := adapter.Observation{Kind: adapter.ObservationHTLCClaimed, RevealedPreimage: &preimage}

	got, ok := o.verifyObservation(record, obs)
	if !ok {
		t.Fatal("expected genuine preimage to verify")
	}
	if got != preimage {
		t.Error("expected returned preimage to match")
	}
}

func TestVerifyObservationRejectsCounterfeitPreimage(t *testing.T) {
	v := vault.New()
	o := New(v, &stubAdapter{kind: adapter.ChainEVM}, &stubAdapter{kind: adapter.ChainNonEVM})

	real := sha256.Sum256([]byte("real-secret"))
	hashlock := sha256.Sum256(real[:])
	if err := v.Mint("swap-1", hashlock); err != nil {
		t.Fatalf("Mint: %v", err)
	}

	fake := sha256.Sum256([]byte("forged-secret"))
	record := &SwapRecord{SwapID: "swap-1", Hashlock: hashlock, State: StateAwaitingFill}
	obs := adapter.Observation{Kind: adapter.ObservationHTLCClaimed, RevealedPreimage: &fake}

	if _, ok := o.verifyObservation(record, obs); ok {
		t.Error("expected counterfeit preimage to be rejected")
	}
	if v.IsKnown("swap-1") {
		t.Error("expected vault to still have no known preimage after a rejected reveal")
	}

	// The genuine reveal arriving afterwards must still succeed.
	obs.RevealedPreimage = &real
	if _, ok := o.verifyObservation(record, obs); !ok {
		t.Error("expected the genuine reveal to verify after a prior counterfeit was ignored")
	}
}

func TestCompleteSwapClaimsSourceAndForgetsVault(t *testing.T) {
	v := vault.New()
	preimage := sha256.Sum256([]byte("secret"))
	hashlock, _ := v.MintWithSecret("swap-1", preimage)

	source := &stubAdapter{kind: adapter.ChainEVM}
	o := New(v, source, &stubAdapter{kind: adapter.ChainNonEVM})

	record := &SwapRecord{
		SwapID:    "swap-1",
		Hashlock:  hashlock,
		State:     StateAwaitingFill,
		SourceLeg: adapter.LegState{Handle: "handle-1"},
	}

	o.completeSwap(context.Background(), record, preimage)

	if record.State != StateCompleted {
		t.Errorf("expected Completed, got %v", record.State)
	}
	if source.claimCalls != 1 {
		t.Errorf("expected exactly one claim call, got %d", source.claimCalls)
	}
	if v.IsKnown("swap-1") {
		t.Error("expected vault entry to be forgotten after completion")
	}
}

func TestRunRefundTransitionsToRefundedAndForgetsVault(t *testing.T) {
	v := vault.New()
	preimage := sha256.Sum256([]byte("secret"))
	hashlock, _ := v.MintWithSecret("swap-1", preimage)

	source := &stubAdapter{kind: adapter.ChainEVM}
	o := New(v, source, &stubAdapter{kind: adapter.ChainNonEVM})

	record := &SwapRecord{
		SwapID:    "swap-1",
		Hashlock:  hashlock,
		State:     StateAwaitingFill,
		SourceLeg: adapter.LegState{Handle: "handle-1"},
	}

	o.runRefund(context.Background(), record)

	if record.State != StateRefunded {
		t.Errorf("expected Refunded, got %v", record.State)
	}
	if source.refundCalls != 1 {
		t.Errorf("expected exactly one refund call, got %d", source.refundCalls)
	}
	if v.IsKnown("swap-1") {
		t.Error("expected vault entry to be forgotten after refund")
	}
}

func TestRunLifecycleTakerCommitsDestinationFirst(t *testing.T) {
	v := vault.New()
	source := &stubAdapter{kind: adapter.ChainEVM, legState: adapter.LegState{Status: adapter.StatusConfirmed}}
	dest := &stubAdapter{kind: adapter.ChainNonEVM, legState: adapter.LegState{Status: adapter.StatusConfirmed}}
	o := New(v, source, dest)

	req := validRequest()
	req.Role = RoleTaker
	req.Hashlock = sha256.Sum256([]byte("counterparty-secret"))
	record := &SwapRecord{SwapID: "swap-taker", Request: req, State: StateCreatingSource, Hashlock: req.Hashlock}

	// The context is already cancelled so awaitFillOrRefund exits on its
	// first select rather than blocking this test on the refund timer;
	// only the leg-commit ordering above it is under test here.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o.runLifecycle(ctx, record)

	if len(record.Transitions) < 4 {
		t.Fatalf("expected at least 4 transitions, got %d", len(record.Transitions))
	}
	if record.Transitions[0].To != StateCreatingDestination {
		t.Errorf("expected a taker to commit its destination leg first, got %v", record.Transitions[0].To)
	}
	if record.Transitions[1].To != StateDestSubmitted {
		t.Errorf("expected DestSubmitted to follow CreatingDestination, got %v", record.Transitions[1].To)
	}
	sawSourceSubmittedBeforeDestConfirmed := false
	for _, tr := range record.Transitions {
		if tr.To == StateDestConfirmed {
			break
		}
		if tr.To == StateSourceSubmitted {
			sawSourceSubmittedBeforeDestConfirmed = true
		}
	}
	if sawSourceSubmittedBeforeDestConfirmed {
		t.Error("expected the source leg never to be submitted before the destination leg confirms, for a taker")
	}
}

func TestRunLifecycleInitiatorCommitsSourceFirst(t *testing.T) {
	v := vault.New()
	source := &stubAdapter{kind: adapter.ChainEVM, legState: adapter.LegState{Status: adapter.StatusConfirmed}}
	dest := &stubAdapter{kind: adapter.ChainNonEVM, legState: adapter.LegState{Status: adapter.StatusConfirmed}}
	o := New(v, source, dest)

	req := validRequest()
	record := &SwapRecord{SwapID: "swap-initiator", Request: req, State: StateCreatingSource, Hashlock: sha256.Sum256([]byte("secret"))}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o.runLifecycle(ctx, record)

	if len(record.Transitions) < 2 {
		t.Fatalf("expected at least 2 transitions, got %d", len(record.Transitions))
	}
	if record.Transitions[0].To != StateSourceSubmitted {
		t.Errorf("expected an initiator to commit its source leg first, got %v", record.Transitions[0].To)
	}
}

func TestCheckReorgRollsBackAndResurfaces(t *testing.T) {
	v := vault.New()
	dest := &stubAdapter{kind: adapter.ChainNonEVM, legState: adapter.LegState{Status: adapter.StatusConfirmed}}
	o := New(v, &stubAdapter{kind: adapter.ChainEVM}, dest)

	record := &SwapRecord{State: StateAwaitingFill, DestLeg: adapter.LegState{Handle: "htlc-1"}}

	dest.legState = adapter.LegState{Status: adapter.StatusSubmitted}
	o.checkReorg(context.Background(), record)
	if record.State != StateDestSubmitted {
		t.Fatalf("expected rollback to DestSubmitted, got %v", record.State)
	}

	dest.legState = adapter.LegState{Status: adapter.StatusConfirmed}
	o.checkReorg(context.Background(), record)
	if record.State != StateAwaitingFill {
		t.Errorf("expected resurfacing back to AwaitingFill, got %v", record.State)
	}
}

func TestIsConfirmedOrLaterExcludesFailed(t *testing.T) {
	if isConfirmedOrLater(adapter.StatusFailed) {
		t.Error("expected Failed not to count as confirmed")
	}
	if !isConfirmedOrLater(adapter.StatusClaimed) {
		t.Error("expected Claimed to count as confirmed or later")
	}
	if isConfirmedOrLater(adapter.StatusSubmitted) {
		t.Error("expected Submitted not to count as confirmed")
	}
}

func TestSnapshotIsIndependentOfLiveRecord(t *testing.T) {
	record := &SwapRecord{State: StateInitiated}
	record.transition(StateCreatingSource, "mint_secret, compute_deadlines")

	snap := record.Snapshot()
	record.transition(StateSourceSubmitted, "source.submit ok")

	if len(snap.Transitions) != 1 {
		t.Errorf("expected snapshot to freeze at 1 transition, got %d", len(snap.Transitions))
	}
	if snap.State != StateCreatingSource {
		t.Errorf("expected snapshot state to stay CreatingSource, got %v", snap.State)
	}
}

