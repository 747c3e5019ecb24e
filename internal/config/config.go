// Package config provides centralized configuration for the swap orchestrator.
// ALL runtime parameters (RPC endpoints, contract addresses, retry behavior)
// MUST be defined here. No hardcoded values should exist elsewhere in the
// codebase.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Retry Profile
// =============================================================================

// RetryProfile controls the backoff policy applied to transient chain errors.
type RetryProfile struct {
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the exponential backoff growth.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// MaxAttempts is the maximum number of retry attempts before surfacing
	// a Transient error as a permanent failure.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffMultiplier is validated (it must be at least 1) but not
	// passed to the orchestrator: adapter.RetryTransient always doubles
	// the delay after each attempt.
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
}

// DefaultRetryProfile returns the conservative retry policy used unless a
// config file overrides it: 250ms -> 4s, 5 attempts, 2x backoff.
func DefaultRetryProfile() RetryProfile {
	return RetryProfile{
		InitialBackoff:    250 * time.Millisecond,
		MaxBackoff:        4 * time.Second,
		MaxAttempts:       5,
		BackoffMultiplier: 2.0,
	}
}

// Validate checks that the retry profile has sane values.
func (r RetryProfile) Validate() error {
	if r.InitialBackoff <= 0 {
		return fmt.Errorf("retry_profile.initial_backoff must be positive")
	}
	if r.MaxBackoff < r.InitialBackoff {
		return fmt.Errorf("retry_profile.max_backoff must be >= initial_backoff")
	}
	if r.MaxAttempts <= 0 {
		return fmt.Errorf("retry_profile.max_attempts must be positive")
	}
	if r.BackoffMultiplier < 1.0 {
		return fmt.Errorf("retry_profile.backoff_multiplier must be >= 1.0")
	}
	return nil
}

// =============================================================================
// Enumerated Configuration
// =============================================================================

// Config is the full set of options the orchestrator needs to run a swap.
// It is deliberately an enumerated struct rather than a dynamic, JSON-typed
// bag of settings: every field the core depends on has a fixed name and
// type, so a misconfigured deployment fails at load time, not mid-swap.
type Config struct {
	// RPCURLSource is the JSON-RPC endpoint for the chain hosting the
	// source leg of a swap (may be EVM or non-EVM depending on direction).
	RPCURLSource string `yaml:"rpc_url_source"`

	// RPCURLDest is the JSON-RPC endpoint for the destination leg.
	RPCURLDest string `yaml:"rpc_url_dest"`

	// SigningKeySource names where the source-chain signing key is sourced
	// from. Never a literal key: either "env:VAR_NAME" or "file:/path".
	SigningKeySource string `yaml:"signing_key_source"`

	// SigningKeyDest names where the destination-chain signing key is
	// sourced from, using the same scheme as SigningKeySource.
	SigningKeyDest string `yaml:"signing_key_dest"`

	// LimitOrderContract is the EVM limit-order-protocol contract address
	// used for the escrow leg of a swap, e.g. "0xabc...".
	LimitOrderContract string `yaml:"limit_order_contract"`

	// NonEVMHTLCContract is the non-EVM chain's HTLC contract account,
	// e.g. a NEAR account ID. Left as a free-form string: the reference
	// deployment's account name is config, not a compiled-in constant.
	NonEVMHTLCContract string `yaml:"nonevm_htlc_contract"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`

	// Retry controls transient-error backoff.
	Retry RetryProfile `yaml:"retry_profile"`

	// EVMChainID is the chain ID the source or destination EVM leg runs on.
	// Defaults to Base Sepolia (84532) when zero.
	EVMChainID uint64 `yaml:"evm_chain_id"`

	// SafetyGap is the minimum required difference between the source and
	// destination HTLC deadlines (source_deadline must exceed dest_deadline
	// by at least this much).
	SafetyGap time.Duration `yaml:"safety_gap"`

	// RefundLeadTime is how long before a deadline the orchestrator
	// switches a swap into supervised-refund mode.
	RefundLeadTime time.Duration `yaml:"refund_lead_time"`

	// BatchConcurrency bounds how many swaps a batch run executes at once.
	BatchConcurrency int `yaml:"batch_concurrency"`
}

// Default returns a Config populated with the reference deployment's
// non-secret defaults: Base Sepolia as the EVM chain, a 5 minute safety gap,
// a 60 second refund lead time, and the default retry profile.
func Default() Config {
	return Config{
		LogLevel:         "info",
		Retry:            DefaultRetryProfile(),
		EVMChainID:       BaseSepoliaChainID,
		SafetyGap:        5 * time.Minute,
		RefundLeadTime:   60 * time.Second,
		BatchConcurrency: 4,
	}
}

// Load reads a YAML configuration file from path and overlays environment
// variable overrides. Signing key sources are never read from the YAML file
// directly — they're an indirection ("env:VAR" or "file:/path") resolved
// separately via ResolveSecrets, so the file on disk never contains key
// material even when committed by mistake.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	if cfg.LimitOrderContract != "" {
		SetLimitOrderContract(cfg.EVMChainID, common.HexToAddress(cfg.LimitOrderContract))
	}

	return cfg, nil
}

// applyEnvOverrides lets deployment environments override individual fields
// without editing the YAML file, following the teacher's convention of
// environment variables taking precedence over file-based defaults.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SWAPD_RPC_URL_SOURCE"); v != "" {
		cfg.RPCURLSource = v
	}
	if v := os.Getenv("SWAPD_RPC_URL_DEST"); v != "" {
		cfg.RPCURLDest = v
	}
	if v := os.Getenv("SWAPD_SIGNING_KEY_SOURCE"); v != "" {
		cfg.SigningKeySource = v
	}
	if v := os.Getenv("SWAPD_SIGNING_KEY_DEST"); v != "" {
		cfg.SigningKeyDest = v
	}
	if v := os.Getenv("SWAPD_LIMIT_ORDER_CONTRACT"); v != "" {
		cfg.LimitOrderContract = v
	}
	if v := os.Getenv("SWAPD_NONEVM_HTLC_CONTRACT"); v != "" {
		cfg.NonEVMHTLCContract = v
	}
	if v := os.Getenv("SWAPD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate checks that the configuration is complete enough to run a swap.
func (c Config) Validate() error {
	if c.RPCURLSource == "" {
		return fmt.Errorf("rpc_url_source is required")
	}
	if c.RPCURLDest == "" {
		return fmt.Errorf("rpc_url_dest is required")
	}
	if c.SigningKeySource == "" {
		return fmt.Errorf("signing_key_source is required")
	}
	if c.SigningKeyDest == "" {
		return fmt.Errorf("signing_key_dest is required")
	}
	if c.LimitOrderContract == "" && GetLimitOrderContract(c.EVMChainID) == (common.Address{}) {
		return fmt.Errorf("limit_order_contract is required (no registered default for chain %d)", c.EVMChainID)
	}
	if c.NonEVMHTLCContract == "" {
		return fmt.Errorf("nonevm_htlc_contract is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug/info/warn/error, got %q", c.LogLevel)
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if c.SafetyGap <= 0 {
		return fmt.Errorf("safety_gap must be positive")
	}
	if c.RefundLeadTime <= 0 {
		return fmt.Errorf("refund_lead_time must be positive")
	}
	if c.BatchConcurrency <= 0 {
		return fmt.Errorf("batch_concurrency must be positive")
	}
	return nil
}

// ResolveSecrets resolves the configured signing key sources into actual key
// material. Keys are never persisted by the caller; they exist only for the
// lifetime of the process using them to sign transactions.
func (c Config) ResolveSecrets() (sourceKey, destKey string, err error) {
	sourceKey, err = resolveSecret(c.SigningKeySource)
	if err != nil {
		return "", "", fmt.Errorf("resolving signing_key_source: %w", err)
	}
	destKey, err = resolveSecret(c.SigningKeyDest)
	if err != nil {
		return "", "", fmt.Errorf("resolving signing_key_dest: %w", err)
	}
	return sourceKey, destKey, nil
}

// resolveSecret dereferences an "env:VAR" or "file:/path" indirection into
// the literal key material it points at.
func resolveSecret(source string) (string, error) {
	switch {
	case len(source) > 4 && source[:4] == "env:":
		name := source[4:]
		val, ok := os.LookupEnv(name)
		if !ok || val == "" {
			return "", fmt.Errorf("environment variable %s is not set", name)
		}
		return val, nil
	case len(source) > 5 && source[:5] == "file:":
		path := source[5:]
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading key file %s: %w", path, err)
		}
		return trimTrailingNewline(string(data)), nil
	default:
		return "", fmt.Errorf("signing key source %q must start with \"env:\" or \"file:\"", source)
	}
}

func trimTrailingNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
