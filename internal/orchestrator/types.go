// Package orchestrator drives one swap at a time through its HTLC state
// chart: minting the shared secret, committing the source and destination
// legs in order, watching for the counterparty's claim, and either
// completing the swap or falling back to refund. Each swap is owned
// exclusively by the goroutine running its Run call; there is no shared
// mutable state between swaps beyond the chain adapters and vault they are
// handed.
package orchestrator

import (
	"fmt"
	"math/big"
	"time"

	"github.com/fusion-labs/swapd/internal/adapter"
	"github.com/fusion-labs/swapd/pkg/helpers"
)

// Role tells the orchestrator which side of the swap it is driving: an
// Initiator mints the secret and commits the source leg first; a Taker
// responds to a counterparty's already-minted hashlock and, per the
// ordering rules, commits its own leg second regardless of which chain
// that leg runs on.
type Role int

const (
	RoleInitiator Role = iota
	RoleTaker
)

func (r Role) String() string {
	if r == RoleTaker {
		return "taker"
	}
	return "initiator"
}

// SwapRequest is the caller-supplied, immutable description of a swap to
// run. Validate reports every precondition violation that must fail
// admission rather than surface as a runtime error later.
type SwapRequest struct {
	SourceChain   adapter.ChainKind
	DestChain     adapter.ChainKind
	SourceToken   string
	DestToken     string
	SourceAmount  *big.Int
	DestAmount    *big.Int
	SourceAddress string
	DestAddress   string
	SlippageBps   int
	TimeoutSeconds int64
	AutoClaim     bool
	Role          Role

	// Hashlock is set by a Taker admitting a swap whose hashlock was
	// minted by the counterparty; an Initiator leaves it zero and the
	// orchestrator mints a fresh one.
	Hashlock [32]byte
}

const (
	minTimeoutSeconds = 1800
	maxTimeoutSeconds = 604800
	maxSlippageBps    = 5000
)

// Validate reports the first precondition SwapRequest violates. A request
// that fails here never reaches the Vault or an adapter.
func (r SwapRequest) Validate() error {
	if r.SourceAmount == nil || r.SourceAmount.Sign() <= 0 {
		return fmt.Errorf("source_amount must be positive")
	}
	if r.DestAmount == nil || r.DestAmount.Sign() <= 0 {
		return fmt.Errorf("dest_amount must be positive")
	}
	if r.SourceAddress == "" {
		return fmt.Errorf("source_address is required")
	}
	if r.DestAddress == "" {
		return fmt.Errorf("dest_address is required")
	}
	if r.SlippageBps < 0 || r.SlippageBps > maxSlippageBps {
		return fmt.Errorf("slippage_bps %d out of range [0, %d]", r.SlippageBps, maxSlippageBps)
	}
	if r.TimeoutSeconds < minTimeoutSeconds || r.TimeoutSeconds > maxTimeoutSeconds {
		return fmt.Errorf("timeout_seconds %d out of range [%d, %d]", r.TimeoutSeconds, minTimeoutSeconds, maxTimeoutSeconds)
	}
	if r.SourceChain == "" || r.DestChain == "" {
		return fmt.Errorf("source_chain and dest_chain are required")
	}
	if r.Role == RoleTaker && helpers.IsZeroBytes(r.Hashlock[:]) {
		return fmt.Errorf("taker role requires a counterparty-supplied hashlock")
	}
	return nil
}

// State is a node in the per-swap state chart. Advancement is monotonic
// except into the Failed sink, which is reachable from any non-terminal
// state.
type State int

const (
	StateInitiated State = iota
	StateCreatingSource
	StateSourceSubmitted
	StateSourceConfirmed
	StateCreatingDestination
	StateDestSubmitted
	StateDestConfirmed
	StateAwaitingFill
	StatePreimageKnown
	StateClaiming
	StateCompleted
	StateRefunding
	StateRefunded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitiated:
		return "Initiated"
	case StateCreatingSource:
		return "CreatingSource"
	case StateSourceSubmitted:
		return "SourceSubmitted"
	case StateSourceConfirmed:
		return "SourceConfirmed"
	case StateCreatingDestination:
		return "CreatingDestination"
	case StateDestSubmitted:
		return "DestSubmitted"
	case StateDestConfirmed:
		return "DestConfirmed"
	case StateAwaitingFill:
		return "AwaitingFill"
	case StatePreimageKnown:
		return "PreimageKnown"
	case StateClaiming:
		return "Claiming"
	case StateCompleted:
		return "Completed"
	case StateRefunding:
		return "Refunding"
	case StateRefunded:
		return "Refunded"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether s is one of the chart's sink states.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateRefunded, StateFailed:
		return true
	default:
		return false
	}
}

// Transition is one append-only entry in a SwapRecord's log. Folding a
// transitions log from the beginning reconstructs the live record's state
// and reason at any instant.
type Transition struct {
	At     time.Time
	From   State
	To     State
	Reason string
}

// SwapRecord is the durable (for the life of the process) per-swap state.
// It is exclusively owned by the goroutine running Run for this swap;
// every other reader gets a Snapshot, never the live struct.
type SwapRecord struct {
	SwapID  string
	Request SwapRequest

	Hashlock [32]byte
	State    State

	SourceLeg adapter.LegState
	DestLeg   adapter.LegState

	CreatedAt time.Time

	// SourceDeadline/DestDeadline are absolute Unix seconds, matching the
	// deadline fields chain adapters accept directly.
	SourceDeadline int64
	DestDeadline   int64

	Transitions []Transition

	FailReason string
}

// Snapshot returns a shallow copy of the record safe to hand to an
// observer: the slice and struct fields are copied, but no further writes
// by the owning goroutine are visible through it.
func (r *SwapRecord) Snapshot() SwapRecord {
	cp := *r
	cp.Transitions = append([]Transition(nil), r.Transitions...)
	return cp
}

func (r *SwapRecord) transition(to State, reason string) {
	r.Transitions = append(r.Transitions, Transition{
		At:     time.Now(),
		From:   r.State,
		To:     to,
		Reason: reason,
	})
	r.State = to
}

// Reconstruct folds a transitions log into the State and FailReason it
// produces, independent of any live record — the basis for crash-recovery
// style round-trip tests.
func Reconstruct(transitions []Transition) (State, string) {
	state := StateInitiated
	reason := ""
	for _, t := range transitions {
		state = t.To
		if state == StateFailed {
			reason = t.Reason
		}
	}
	return state, reason
}
