// Package config provides EVM contract addresses for the swap orchestrator.
//
// ALL EVM contract addresses MUST be defined here. Do not scatter contract
// addresses throughout the codebase.
package config

import "github.com/ethereum/go-ethereum/common"

// BaseSepoliaChainID is the reference deployment's EVM chain.
const BaseSepoliaChainID uint64 = 84532

// EVMContractAddresses holds contract addresses for a specific EVM chain.
type EVMContractAddresses struct {
	// LimitOrderContract is the limit-order-protocol contract used to
	// escrow the EVM leg of a swap: orders are filled against it with the
	// hashlock and deadline packed into their interactions field.
	LimitOrderContract common.Address

	// HTLCContract is an optional direct HTLC contract address. Nothing
	// reads it: the EVM leg always goes through the limit-order contract's
	// escrow.
	HTLCContract common.Address
}

// evmContractRegistry maps chainID -> contract addresses. The reference
// deployment targets Base Sepolia; other entries are placeholders for
// deployments that have not published contract addresses.
var evmContractRegistry = map[uint64]*EVMContractAddresses{
	// Base Sepolia (chainID 84532) — reference deployment.
	84532: {
		LimitOrderContract: common.Address{}, // set via config.limit_order_contract
		HTLCContract:       common.Address{},
	},

	// Ethereum Sepolia (chainID 11155111)
	11155111: {
		LimitOrderContract: common.Address{},
		HTLCContract:       common.Address{},
	},

	// Arbitrum Sepolia (chainID 421614)
	421614: {
		LimitOrderContract: common.Address{},
		HTLCContract:       common.Address{},
	},
}

// GetEVMContracts returns contract addresses for a given chain ID.
// Returns nil if the chain is not registered.
func GetEVMContracts(chainID uint64) *EVMContractAddresses {
	return evmContractRegistry[chainID]
}

// GetLimitOrderContract returns the limit-order-protocol contract address
// for a given chain ID. Returns the zero address if unregistered.
func GetLimitOrderContract(chainID uint64) common.Address {
	if contracts := evmContractRegistry[chainID]; contracts != nil {
		return contracts.LimitOrderContract
	}
	return common.Address{}
}

// IsChainRegistered returns true if the given chain ID has a registry entry.
func IsChainRegistered(chainID uint64) bool {
	_, ok := evmContractRegistry[chainID]
	return ok
}

// RegisterEVMContracts registers or updates contract addresses for a chain.
// Used to bind addresses loaded from config at process startup.
func RegisterEVMContracts(chainID uint64, contracts *EVMContractAddresses) {
	evmContractRegistry[chainID] = contracts
}

// SetLimitOrderContract sets the limit-order-protocol contract address for a
// specific chain, creating a new registry entry if one doesn't exist.
func SetLimitOrderContract(chainID uint64, address common.Address) {
	if evmContractRegistry[chainID] == nil {
		evmContractRegistry[chainID] = &EVMContractAddresses{}
	}
	evmContractRegistry[chainID].LimitOrderContract = address
}
