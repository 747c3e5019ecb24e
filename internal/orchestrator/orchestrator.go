package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/fusion-labs/swapd/internal/adapter"
	"github.com/fusion-labs/swapd/internal/correlator"
	"github.com/fusion-labs/swapd/internal/vault"
	"github.com/fusion-labs/swapd/pkg/helpers"
	"github.com/fusion-labs/swapd/pkg/logging"
)

// defaultSafetyGap is the floor for the margin between the source and
// destination deadlines: Run raises a smaller configured gap to this
// value. Block finality windows are not taken into account.
const defaultSafetyGap = 300 * time.Second

// defaultRefundLeadTime is how long before the source deadline the
// orchestrator starts attempting a refund, giving the refund transaction
// room to be mined before the deadline actually passes.
const defaultRefundLeadTime = 60 * time.Second

// confirmPollInterval is how often the orchestrator re-reads a leg's
// on-chain state while waiting for it to confirm.
const confirmPollInterval = 2 * time.Second

// Orchestrator drives swaps to completion one at a time: Run owns a
// SwapRecord for the lifetime of a single swap and is not reentrant for
// that record, but distinct calls to Run may run concurrently against the
// shared Vault and adapters.
type Orchestrator struct {
	Vault  *vault.Vault
	Source adapter.Adapter
	Dest   adapter.Adapter

	SafetyGap      time.Duration
	RefundLeadTime time.Duration

	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	RetryMaxAttempts    int

	// OnTransition, if set, is called synchronously after every state
	// transition a swap records. It must not block or retain record
	// beyond the call, since the owning goroutine keeps driving the
	// swap immediately afterward; a status feed hangs a best-effort,
	// non-blocking broadcast off this hook.
	OnTransition func(record *SwapRecord, t Transition)

	log *logging.Logger
}

// New returns an Orchestrator wired to the given adapters and vault, using
// spec-default timing unless overridden on the returned value.
func New(v *vault.Vault, source, dest adapter.Adapter) *Orchestrator {
	return &Orchestrator{
		Vault:               v,
		Source:              source,
		Dest:                dest,
		SafetyGap:           defaultSafetyGap,
		RefundLeadTime:      defaultRefundLeadTime,
		RetryInitialBackoff: 250 * time.Millisecond,
		RetryMaxBackoff:     4 * time.Second,
		RetryMaxAttempts:    5,
		log:                 logging.GetDefault().Component("orchestrator"),
	}
}

// Run admits req as swapID and drives it through the state chart until it
// reaches Completed, Refunded, or Failed, or ctx is cancelled. A
// Validation failure returns before any SwapRecord is created, matching
// the admission-time failure contract callers rely on for exit codes.
func (o *Orchestrator) Run(ctx context.Context, swapID string, req SwapRequest) (*SwapRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, adapter.NewError(adapter.KindValidation, "admit", swapID, err)
	}

	record := &SwapRecord{
		SwapID:    swapID,
		Request:   req,
		State:     StateInitiated,
		CreatedAt: time.Now(),
	}

	hashlock, err := o.mintOrRegister(swapID, req)
	if err != nil {
		return nil, adapter.NewError(adapter.KindValidation, "admit", swapID, err)
	}
	record.Hashlock = hashlock

	now := time.Now().Unix()
	safetyGap := o.SafetyGap
	if safetyGap < defaultSafetyGap {
		safetyGap = defaultSafetyGap
	}
	record.SourceDeadline = now + req.TimeoutSeconds
	record.DestDeadline = record.SourceDeadline - int64(safetyGap.Seconds())

	if record.DestDeadline >= record.SourceDeadline {
		o.Vault.Forget(swapID)
		return nil, adapter.NewError(adapter.KindValidation, "admit", swapID,
			fmt.Errorf("computed dest_deadline %d is not before source_deadline %d", record.DestDeadline, record.SourceDeadline))
	}

	o.transition(record, StateCreatingSource, "mint_secret, compute_deadlines")
	o.log.Info("swap admitted", "swap_id", swapID, "hashlock", helpers.BytesToHex(hashlock[:]),
		"source_deadline", record.SourceDeadline, "dest_deadline", record.DestDeadline)

	o.runLifecycle(ctx, record)

	return record, nil
}

// transition advances record and, if OnTransition is set, hands the new
// entry to it. Centralizing the call here, rather than letting callers
// reach into record.transition directly, is what lets a status feed
// observe every transition without runLifecycle or its helpers knowing
// it exists.
func (o *Orchestrator) transition(record *SwapRecord, to State, reason string) {
	record.transition(to, reason)
	if o.OnTransition != nil {
		o.OnTransition(record, record.Transitions[len(record.Transitions)-1])
	}
}

// mintOrRegister mints a fresh secret for an Initiator, or registers a
// counterparty-supplied hashlock with no known preimage for a Taker. Both
// cases key the vault entry by swapID, not the hashlock itself.
func (o *Orchestrator) mintOrRegister(swapID string, req SwapRequest) ([32]byte, error) {
	if req.Role == RoleTaker {
		if err := o.Vault.Mint(swapID, req.Hashlock); err != nil {
			return [32]byte{}, err
		}
		return req.Hashlock, nil
	}

	secret, err := helpers.GenerateSecureRandom(32)
	if err != nil {
		return [32]byte{}, fmt.Errorf("generating preimage: %w", err)
	}
	var preimage [32]byte
	copy(preimage[:], secret)
	hashlock, err := o.Vault.MintWithSecret(swapID, preimage)
	if err != nil {
		return [32]byte{}, err
	}
	return hashlock, nil
}

// commitSource submits and confirms the source leg, transitioning record
// through SourceSubmitted/SourceConfirmed. It returns false once it has
// already called failSwap, signalling runLifecycle to stop.
func (o *Orchestrator) commitSource(ctx context.Context, record *SwapRecord) bool {
	sourceSpec := adapter.LegSpec{
		SwapID:                  record.SwapID,
		Leg:                     adapter.LegSource,
		Amount:                  record.Request.SourceAmount,
		Hashlock:                record.Hashlock,
		Recipient:               record.Request.DestAddress,
		DeadlineAbsoluteSeconds: record.SourceDeadline,
		Token:                   record.Request.SourceToken,
	}

	txHash, handle, err := o.submitLeg(ctx, o.Source, record.SwapID, sourceSpec)
	if err != nil {
		o.failSwap(record, "source leg submission failed: "+err.Error(), false)
		return false
	}
	record.SourceLeg = adapter.LegState{Chain: o.Source.Kind(), Handle: handle, TxHashes: []string{txHash}, Status: adapter.StatusSubmitted}
	o.transition(record, StateSourceSubmitted, "source.submit ok")

	if !o.waitForConfirmation(ctx, o.Source, &record.SourceLeg) {
		o.failSwap(record, "source leg did not confirm", false)
		return false
	}
	o.transition(record, StateSourceConfirmed, "source.confirm ok")
	return true
}

// commitDest submits and confirms the destination leg, transitioning
// record through DestSubmitted/DestConfirmed. A failure here attempts a
// compensating refund of whichever leg has already committed, since a
// confirmed leg on one chain with no destination commitment is the
// one-sided-exposure case the lead time exists to avoid.
func (o *Orchestrator) commitDest(ctx context.Context, record *SwapRecord) bool {
	destSpec := adapter.LegSpec{
		SwapID:                  record.SwapID,
		Leg:                     adapter.LegDest,
		Amount:                  record.Request.DestAmount,
		Hashlock:                record.Hashlock,
		Recipient:               record.Request.SourceAddress,
		DeadlineAbsoluteSeconds: record.DestDeadline,
		Token:                   record.Request.DestToken,
	}

	txHash, handle, err := o.submitLeg(ctx, o.Dest, record.SwapID, destSpec)
	if err != nil {
		o.failSwap(record, "destination leg submission failed: "+err.Error(), true)
		return false
	}
	record.DestLeg = adapter.LegState{Chain: o.Dest.Kind(), Handle: handle, TxHashes: []string{txHash}, Status: adapter.StatusSubmitted}
	o.transition(record, StateDestSubmitted, "dest.submit ok")

	if !o.waitForConfirmationWithReorg(ctx, record) {
		o.failSwap(record, "destination leg did not confirm", true)
		return false
	}
	o.transition(record, StateDestConfirmed, "dest.confirm ok")
	return true
}

// runLifecycle drives record from CreatingSource through to a terminal
// state. It never returns an error: every failure mode is captured as a
// Failed transition on the record itself, since Run's caller reads the
// outcome off record.State rather than an error return once admission has
// succeeded.
//
// An Initiator mints the hashlock itself, so it commits its own (source)
// leg first and only creates the destination leg once that is confirmed.
// A Taker is responding to a hashlock the counterparty already minted and
// whose order already exists, so the orientation inverts: the taker must
// prove its destination-chain commitment before the pre-existing source
// order is touched.
func (o *Orchestrator) runLifecycle(ctx context.Context, record *SwapRecord) {
	if record.Request.Role == RoleTaker {
		o.transition(record, StateCreatingDestination, "taker: commit destination leg first")
		if !o.commitDest(ctx, record) {
			return
		}
		o.transition(record, StateCreatingSource, "")
		if !o.commitSource(ctx, record) {
			return
		}
	} else {
		if !o.commitSource(ctx, record) {
			return
		}
		o.transition(record, StateCreatingDestination, "")
		if !o.commitDest(ctx, record) {
			return
		}
	}

	o.transition(record, StateAwaitingFill, "")
	o.awaitFillOrRefund(ctx, record)
}

// submitLeg routes to the correct chain operation and retries Transient
// failures inline per the shared backoff policy, matching the RPC-flap
// testable scenario.
func (o *Orchestrator) submitLeg(ctx context.Context, adp adapter.Adapter, swapID string, spec adapter.LegSpec) (txHash, handle string, err error) {
	submit := func(ctx context.Context) error {
		var submitErr error
		if adp.Kind() == adapter.ChainEVM {
			txHash, handle, submitErr = adp.SubmitCreateOrder(ctx, swapID, spec)
		} else {
			txHash, handle, submitErr = adp.SubmitCreateHTLC(ctx, swapID, spec)
		}
		return submitErr
	}

	err = adapter.RetryTransient(ctx, o.RetryInitialBackoff, o.RetryMaxBackoff, o.RetryMaxAttempts, submit)
	return txHash, handle, err
}

// isConfirmedOrLater reports whether status reflects a leg that has at
// least reached Confirmed in the normal progression — excluding Failed,
// which is numerically later in the enum but not a confirmation.
func isConfirmedOrLater(status adapter.LegStatus) bool {
	switch status {
	case adapter.StatusConfirmed, adapter.StatusFilled, adapter.StatusClaimed, adapter.StatusRefunded:
		return true
	default:
		return false
	}
}

// waitForConfirmation polls a leg's state until it reports Confirmed (or
// better) or ctx is cancelled.
func (o *Orchestrator) waitForConfirmation(ctx context.Context, adp adapter.Adapter, leg *adapter.LegState) bool {
	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()

	for {
		state, err := adp.ReadLegState(ctx, leg.Handle)
		if err == nil && isConfirmedOrLater(state.Status) {
			*leg = state
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// waitForConfirmationWithReorg polls the destination leg until it first
// reaches Confirmed. Reorgs that uncommit the leg again are handled by
// checkReorg once the swap moves on to AwaitingFill — by construction
// there is nothing to roll back to here, since the leg has not confirmed
// yet.
func (o *Orchestrator) waitForConfirmationWithReorg(ctx context.Context, record *SwapRecord) bool {
	return o.waitForConfirmation(ctx, o.Dest, &record.DestLeg)
}

// checkReorg re-reads the destination leg once and, if it has regressed
// from Confirmed to a lower status, rolls the record back to
// DestSubmitted. If a rolled-back leg later resurfaces as Confirmed
// again, the record moves forward the same way it did the first time. It
// is called only from awaitFillOrRefund's own loop so the record stays
// single-owned.
func (o *Orchestrator) checkReorg(ctx context.Context, record *SwapRecord) {
	state, err := o.Dest.ReadLegState(ctx, record.DestLeg.Handle)
	if err != nil {
		return
	}

	if isConfirmedOrLater(state.Status) {
		if record.State == StateDestSubmitted {
			record.DestLeg = state
			o.transition(record, StateDestConfirmed, "reorg: original destination commitment resurfaced")
			o.transition(record, StateAwaitingFill, "")
		}
		return
	}

	if record.State == StateDestConfirmed || record.State == StateAwaitingFill {
		o.log.Warn("destination leg regressed, treating as reorg", "swap_id", record.SwapID, "handle", record.DestLeg.Handle)
		o.transition(record, StateDestSubmitted, "reorg: destination leg uncommitted, re-observing")
	}
}

// awaitFillOrRefund watches the destination leg for a counterparty claim
// that reveals the preimage, racing it against the refund deadline. A
// claim observed in the same polling window as the refund deadline wins:
// the preimage is known, so the swap finishes rather than refunds. It
// also re-polls the destination leg on each tick to catch a reorg that
// uncommits it after confirmation; no source-leg claim fires while the
// destination leg is in a rolled-back state.
func (o *Orchestrator) awaitFillOrRefund(ctx context.Context, record *SwapRecord) {
	obsCh := make(chan adapter.Observation, 16)
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()

	corr := correlator.New()
	hashlock := record.Hashlock
	escrowID := record.DestLeg.Handle
	go corr.Watch(watchCtx, o.Dest, adapter.SubscribeFilter{Hashlock: &hashlock, EscrowID: &escrowID}, obsCh)

	refundAt := time.Unix(record.SourceDeadline, 0).Add(-o.RefundLeadTime)
	reorgTicker := time.NewTicker(confirmPollInterval)
	defer reorgTicker.Stop()

	for {
		remaining := time.Until(refundAt)
		if remaining < confirmPollInterval {
			remaining = confirmPollInterval
		}
		timer := time.NewTimer(remaining)

		select {
		case <-ctx.Done():
			timer.Stop()
			o.handleCancellation(record)
			return

		case obs, ok := <-obsCh:
			timer.Stop()
			if !ok {
				continue
			}
			if record.State == StateDestSubmitted {
				// Destination leg is mid-reorg-recovery; an observation
				// surfacing now still reveals a genuine preimage, but the
				// leg's confirmation bookkeeping catches up via checkReorg
				// on the next tick rather than here.
				continue
			}
			if preimage, verified := o.verifyObservation(record, obs); verified {
				o.completeSwap(ctx, record, preimage)
				return
			}

		case <-reorgTicker.C:
			timer.Stop()
			o.checkReorg(ctx, record)

		case <-timer.C:
			if record.State != StateDestSubmitted {
				// A reveal already waiting alongside the deadline wins.
				select {
				case obs, ok := <-obsCh:
					if ok {
						if preimage, verified := o.verifyObservation(record, obs); verified {
							o.completeSwap(ctx, record, preimage)
							return
						}
					}
				default:
				}
				o.runRefund(ctx, record)
				return
			}
		}
	}
}

// verifyObservation checks whether obs is a genuine reveal of record's
// preimage. A hash mismatch is a Protocol-kind event: logged, ignored,
// and the swap keeps waiting rather than treating it as fatal.
func (o *Orchestrator) verifyObservation(record *SwapRecord, obs adapter.Observation) ([32]byte, bool) {
	if obs.Kind != adapter.ObservationHTLCClaimed && obs.Kind != adapter.ObservationOrderFilled {
		return [32]byte{}, false
	}
	if obs.RevealedPreimage == nil {
		return [32]byte{}, false
	}

	if err := o.Vault.RecordRevealed(record.SwapID, *obs.RevealedPreimage); err != nil {
		o.log.Warn("counterfeit preimage observed, ignoring", "swap_id", record.SwapID, "err", err)
		o.transition(record, record.State, "protocol: counterfeit preimage observed and ignored")
		return [32]byte{}, false
	}

	return *obs.RevealedPreimage, true
}

// completeSwap reveals the preimage to the source adapter and finishes
// the swap. The orchestrator never does this until the preimage has been
// independently observed on-chain or verified against the vault.
func (o *Orchestrator) completeSwap(ctx context.Context, record *SwapRecord, preimage [32]byte) {
	o.transition(record, StatePreimageKnown, "dest.claimed by counterparty")
	o.transition(record, StateClaiming, "")

	claim := func(ctx context.Context) error {
		txHash, err := o.Source.SubmitClaim(ctx, record.SwapID, record.SourceLeg.Handle, preimage)
		if err == nil {
			record.SourceLeg.TxHashes = append(record.SourceLeg.TxHashes, txHash)
			record.SourceLeg.Status = adapter.StatusClaimed
		}
		return err
	}

	if err := adapter.RetryTransient(ctx, o.RetryInitialBackoff, o.RetryMaxBackoff, o.RetryMaxAttempts, claim); err != nil {
		o.failSwap(record, "source claim failed after preimage known: "+err.Error(), true)
		return
	}

	o.transition(record, StateCompleted, "source.claim ok")
	o.Vault.Forget(record.SwapID)
}

// runRefund reclaims the source leg once the refund lead time has
// elapsed with no counterparty claim observed.
func (o *Orchestrator) runRefund(ctx context.Context, record *SwapRecord) {
	o.transition(record, StateRefunding, "deadline_source - refund_lead_time reached, no preimage")

	refund := func(ctx context.Context) error {
		txHash, err := o.Source.SubmitRefund(ctx, record.SwapID, record.SourceLeg.Handle)
		if err == nil {
			record.SourceLeg.TxHashes = append(record.SourceLeg.TxHashes, txHash)
			record.SourceLeg.Status = adapter.StatusRefunded
		}
		return err
	}

	if err := adapter.RetryTransient(ctx, o.RetryInitialBackoff, o.RetryMaxBackoff, o.RetryMaxAttempts, refund); err != nil {
		o.failSwap(record, "source refund failed: "+err.Error(), false)
		return
	}

	o.transition(record, StateRefunded, "source.refund ok")
	o.Vault.Forget(record.SwapID)
}

// handleCancellation implements the cancellation contract: before
// DestSubmitted the swap fails fast and forgets its secret; at or after
// DestSubmitted it switches to supervised refund instead of aborting
// mid-flight.
func (o *Orchestrator) handleCancellation(record *SwapRecord) {
	if record.State < StateDestSubmitted {
		o.failSwap(record, "cancelled before destination leg committed", false)
		return
	}

	// Past DestSubmitted: run refund to completion using a detached
	// context so cancellation of the caller's context doesn't also cut
	// off the supervised refund it just asked for.
	o.runRefund(context.Background(), record)
}

// failSwap marks record Failed and, if attemptRefund is true, makes a
// best-effort attempt to reclaim the source leg before giving up. The
// vault entry is always forgotten: a Failed swap never leaves a usable
// preimage in memory.
func (o *Orchestrator) failSwap(record *SwapRecord, reason string, attemptRefund bool) {
	if attemptRefund && record.SourceLeg.Handle != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := o.Source.SubmitRefund(ctx, record.SwapID, record.SourceLeg.Handle); err != nil {
			o.log.Error("best-effort compensating refund failed", "swap_id", record.SwapID, "err", err)
		}
	}

	o.transition(record, StateFailed, reason)
	record.FailReason = reason
	o.Vault.Forget(record.SwapID)
}
