// Package adapter defines the chain-agnostic contract both the EVM and
// non-EVM chain adapters implement, plus the shared types that flow across
// it: LegSpec describes what to submit, Observation describes what came
// back off a subscription, and Error carries the taxonomy the orchestrator
// uses to decide whether to retry, surface, or refund.
package adapter

import (
	"context"
	"math/big"
)

// ChainKind distinguishes the two chain families a swap leg can run on.
type ChainKind string

const (
	ChainEVM    ChainKind = "evm"
	ChainNonEVM ChainKind = "nonevm"
)

// LegKind identifies which side of a swap a leg operation concerns.
type LegKind string

const (
	LegSource LegKind = "source"
	LegDest   LegKind = "dest"
)

// LegSpec is the chain-agnostic description of a leg to create. Adapters
// translate it into whatever chain-native transaction their chain expects.
type LegSpec struct {
	SwapID                  string
	Leg                     LegKind
	Amount                  *big.Int
	Hashlock                [32]byte
	Recipient               string
	DeadlineAbsoluteSeconds int64
	Token                   string

	// GasMultiplier scales the adapter's fee estimate; zero means the
	// adapter's default (1.2x) applies.
	GasMultiplier float64
}

// LegStatus is the lifecycle state of one chain's side of a swap.
type LegStatus int

const (
	StatusNone LegStatus = iota
	StatusSubmitted
	StatusConfirmed
	StatusFilled
	StatusClaimed
	StatusRefunded
	StatusFailed
)

func (s LegStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusSubmitted:
		return "submitted"
	case StatusConfirmed:
		return "confirmed"
	case StatusFilled:
		return "filled"
	case StatusClaimed:
		return "claimed"
	case StatusRefunded:
		return "refunded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LegState is a consistent snapshot of a leg's on-chain status as of a
// given observed block. Two reads at the same ObservedBlock are treated by
// the orchestrator as identical.
type LegState struct {
	Chain             ChainKind
	Handle            string // escrow_id for HTLC legs, order_hash for order legs
	TxHashes          []string
	Status            LegStatus
	FailReason        string
	ObservedBlock     uint64
}

// ObservationKind discriminates the Observation tagged union.
type ObservationKind int

const (
	ObservationOrderCreated ObservationKind = iota
	ObservationOrderFilled
	ObservationHTLCCreated
	ObservationHTLCClaimed
	ObservationHTLCRefunded
)

func (k ObservationKind) String() string {
	switch k {
	case ObservationOrderCreated:
		return "order_created"
	case ObservationOrderFilled:
		return "order_filled"
	case ObservationHTLCCreated:
		return "htlc_created"
	case ObservationHTLCClaimed:
		return "htlc_claimed"
	case ObservationHTLCRefunded:
		return "htlc_refunded"
	default:
		return "unknown"
	}
}

// Observation is an event surfaced from a chain subscription. Only the
// fields relevant to Kind are populated; it is a tagged union rather than
// separate Go types so correlator and orchestrator code can route on Kind
// without type assertions.
type Observation struct {
	Kind ObservationKind

	OrderHash string
	EscrowID  string

	Maker     string
	Taker     string
	Recipient string

	Hashlock         [32]byte
	RevealedPreimage *[32]byte
	RemainingAmount  *big.Int
	Amount           *big.Int

	DeadlineAbsoluteSeconds int64

	Chain       ChainKind
	BlockNumber uint64
	LogIndex    uint64
	TxHash      string
}

// Checkpoint marks a position in a chain's event stream that a subscription
// can be restarted from after a disconnect.
type Checkpoint struct {
	BlockNumber uint64
	LogIndex    uint64
}

// SubscribeFilter narrows a subscription to the observations relevant to a
// single swap. At least one of Hashlock, OrderHash, or EscrowID should be
// set; Resume, if non-zero, restarts the stream after that checkpoint.
type SubscribeFilter struct {
	Hashlock  *[32]byte
	OrderHash *string
	EscrowID  *string
	Resume    Checkpoint
}

// Adapter is the capability set both chain adapters implement. No method
// panics on a network fault — every failure mode is reported as an *Error
// with a Kind the orchestrator can act on.
type Adapter interface {
	Kind() ChainKind

	// SubmitCreateOrder submits an EVM limit-order-protocol fill order.
	// Non-EVM adapters return a Validation error: they have no order leg.
	SubmitCreateOrder(ctx context.Context, swapID string, spec LegSpec) (txHash, orderHash string, err error)

	// SubmitCreateHTLC submits an HTLC creation. The non-EVM leg is
	// created this way; the EVM adapter rejects it with a Validation
	// error, since its leg always goes through SubmitCreateOrder.
	SubmitCreateHTLC(ctx context.Context, swapID string, spec LegSpec) (txHash, escrowID string, err error)

	// SubmitClaim reveals preimage against the leg identified by handle
	// (an order hash or escrow id, depending on which Submit* created it).
	SubmitClaim(ctx context.Context, swapID string, handle string, preimage [32]byte) (txHash string, err error)

	// SubmitRefund reclaims the principal of a leg past its deadline.
	SubmitRefund(ctx context.Context, swapID string, handle string) (txHash string, err error)

	// ReadLegState returns a consistent snapshot of a leg's status.
	ReadLegState(ctx context.Context, handle string) (LegState, error)

	// Subscribe streams observations matching filter until ctx is
	// cancelled. The returned channel is closed when the subscription
	// ends, whether by cancellation or unrecoverable error.
	Subscribe(ctx context.Context, filter SubscribeFilter) (<-chan Observation, error)
}
