package config

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// ProtocolConfig models protocol.json: the tunable protocol parameters and
// the payment methods the service accepts.
type ProtocolConfig struct {
	Chain struct {
		ChainID int64  `json:"chainId"`
		RPCURL  string `json:"rpcUrl"`
	} `json:"chain"`
	Escrow struct {
		MakerProtocolFee        string `json:"makerProtocolFee"`
		DustThreshold           string `json:"dustThreshold"`
		IntentExpirationSeconds int    `json:"intentExpirationSeconds"`
		MaxIntentsPerDeposit    int    `json:"maxIntentsPerDeposit"`
	} `json:"escrow"`
	Orchestrator struct {
		ProtocolFee          string `json:"protocolFee"`
		AllowMultipleIntents bool   `json:"allowMultipleIntents"`
	} `json:"orchestrator"`
	PaymentMethods []PaymentMethodConfig `json:"paymentMethods"`
	Secrets        struct {
		HMACSalt string `json:"hmacSalt"`
	} `json:"secrets"`
	Timeouts struct {
		IdempotencyWindowSecs int `json:"idempotencyWindowSeconds"`
	} `json:"timeouts"`
	// DevBank seeds the in-memory token balances used when no custody keys
	// are configured. It is ignored otherwise.
	DevBank struct {
		Accounts []DevAccountConfig `json:"accounts"`
	} `json:"devBank"`
}

// DevAccountConfig funds one account with the deployment token and approves
// the escrow to pull from it.
type DevAccountConfig struct {
	Address         string `json:"address"`
	Balance         string `json:"balance"`
	EscrowAllowance string `json:"escrowAllowance"`
}

// PaymentMethodConfig whitelists one payment method, the verifier that
// checks its proofs and its fiat currencies.
type PaymentMethodConfig struct {
	Name       string   `json:"name"`
	Verifier   string   `json:"verifier"`
	Currencies []string `json:"currencies"`
}

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID              int64    `json:"chainId"`
	Owner                string   `json:"owner"`
	FeeRecipient         string   `json:"feeRecipient"`
	ProtocolFeeRecipient string   `json:"protocolFeeRecipient"`
	Relayers             []string `json:"relayers"`
	Contracts            struct {
		Escrow       string `json:"Escrow"`
		Orchestrator string `json:"Orchestrator"`
		Token        string `json:"Token"`
		// ForwarderHook is the custody account of the built-in forwarding hook.
		ForwarderHook string `json:"ForwarderHook"`
	} `json:"contracts"`
}

// AppConfig ties together protocol + deployment info and derived values.
type AppConfig struct {
	Protocol   ProtocolConfig
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Params     Params
}

type ServiceConfig struct {
	HTTPPort             int
	HMACSecret           string
	HMACClockSkew        time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
	PostgresDSN          string
	RedisURL             string
	EventsChannel        string
	LogLevel             string
}

type ChainConfig struct {
	RPCURL      string
	PrivateKeys []string
}

// Params holds the protocol values converted to ledger units.
type Params struct {
	MakerProtocolFee       *big.Int
	ProtocolFee            *big.Int
	DustThreshold          *big.Int
	IntentExpirationPeriod time.Duration
	MaxIntentsPerDeposit   int
	ChainID                *big.Int

	Owner                common.Address
	Escrow               common.Address
	Orchestrator         common.Address
	Token                common.Address
	ForwarderHook        common.Address
	FeeRecipient         common.Address
	ProtocolFeeRecipient common.Address
	Relayers             []common.Address

	DevAccounts []DevAccount
}

// DevAccount is a parsed devBank entry.
type DevAccount struct {
	Address   common.Address
	Balance   *big.Int
	Allowance *big.Int
}

const (
	defaultProtocolPath    = "config/protocol.json"
	defaultDeploymentsPath = "config/deployments.json"
)

// Load aggregates configuration from disk and environment. A .env file in the
// working directory is applied first when present.
func Load() (*AppConfig, error) {
	_ = godotenv.Load()

	protocolPath := envOr("PROTOCOL_PATH", defaultProtocolPath)
	deploymentsPath := envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath)

	protoCfg, err := loadJSON[ProtocolConfig](protocolPath)
	if err != nil {
		return nil, fmt.Errorf("load protocol: %w", err)
	}

	deployCfg, err := loadJSON[DeploymentConfig](deploymentsPath)
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	window := protoCfg.Timeouts.IdempotencyWindowSecs
	if window <= 0 {
		window = 86400
	}
	serviceCfg := ServiceConfig{
		HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
		HMACSecret:           envOr("HMAC_SECRET", protoCfg.Secrets.HMACSalt),
		HMACClockSkew:        time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		IdempotencyWindow:    time.Duration(window) * time.Second,
		IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "p2pramp-idem.json")),
		PostgresDSN:          envOr("POSTGRES_DSN", ""),
		RedisURL:             envOr("REDIS_URL", ""),
		EventsChannel:        envOr("EVENTS_CHANNEL", "p2pramp:events"),
		LogLevel:             envOr("LOG_LEVEL", "info"),
	}

	chainCfg := ChainConfig{
		RPCURL:      envOr("CHAIN_RPC_URL", protoCfg.Chain.RPCURL),
		PrivateKeys: splitList(envOr("CHAIN_PRIVATE_KEYS", "")),
	}

	params, err := protoCfg.params(deployCfg)
	if err != nil {
		return nil, err
	}
	params.MaxIntentsPerDeposit = envOrInt("MAX_INTENTS_PER_DEPOSIT", params.MaxIntentsPerDeposit)

	return &AppConfig{
		Protocol:   *protoCfg,
		Deployment: *deployCfg,
		Service:    serviceCfg,
		Chain:      chainCfg,
		Params:     params,
	}, nil
}

func (p *ProtocolConfig) params(d *DeploymentConfig) (Params, error) {
	var out Params
	var err error

	if out.MakerProtocolFee, err = ParseRate(p.Escrow.MakerProtocolFee); err != nil {
		return out, fmt.Errorf("escrow.makerProtocolFee: %w", err)
	}
	if out.ProtocolFee, err = ParseRate(p.Orchestrator.ProtocolFee); err != nil {
		return out, fmt.Errorf("orchestrator.protocolFee: %w", err)
	}
	if out.DustThreshold, err = parseUnits(p.Escrow.DustThreshold); err != nil {
		return out, fmt.Errorf("escrow.dustThreshold: %w", err)
	}
	out.IntentExpirationPeriod = time.Duration(p.Escrow.IntentExpirationSeconds) * time.Second
	out.MaxIntentsPerDeposit = p.Escrow.MaxIntentsPerDeposit

	chainID := d.ChainID
	if chainID == 0 {
		chainID = p.Chain.ChainID
	}
	if p.Chain.ChainID != 0 && d.ChainID != 0 && p.Chain.ChainID != d.ChainID {
		return out, fmt.Errorf("chain id mismatch: protocol %d, deployments %d", p.Chain.ChainID, d.ChainID)
	}
	out.ChainID = big.NewInt(chainID)

	addrs := []struct {
		name     string
		raw      string
		dst      *common.Address
		required bool
	}{
		{"owner", d.Owner, &out.Owner, true},
		{"contracts.Escrow", d.Contracts.Escrow, &out.Escrow, true},
		{"contracts.Orchestrator", d.Contracts.Orchestrator, &out.Orchestrator, true},
		{"contracts.Token", d.Contracts.Token, &out.Token, false},
		{"contracts.ForwarderHook", d.Contracts.ForwarderHook, &out.ForwarderHook, false},
		{"feeRecipient", d.FeeRecipient, &out.FeeRecipient, true},
		{"protocolFeeRecipient", d.ProtocolFeeRecipient, &out.ProtocolFeeRecipient, false},
	}
	for _, a := range addrs {
		if a.raw == "" && !a.required {
			continue
		}
		if *a.dst, err = ParseAddress(a.raw); err != nil {
			return out, fmt.Errorf("%s: %w", a.name, err)
		}
	}
	for _, raw := range d.Relayers {
		addr, err := ParseAddress(raw)
		if err != nil {
			return out, fmt.Errorf("relayers: %w", err)
		}
		out.Relayers = append(out.Relayers, addr)
	}
	for i, a := range p.DevBank.Accounts {
		acct := DevAccount{}
		if acct.Address, err = ParseAddress(a.Address); err != nil {
			return out, fmt.Errorf("devBank.accounts[%d]: %w", i, err)
		}
		if acct.Balance, err = parseUnits(a.Balance); err != nil {
			return out, fmt.Errorf("devBank.accounts[%d].balance: %w", i, err)
		}
		if acct.Allowance, err = parseUnits(a.EscrowAllowance); err != nil {
			return out, fmt.Errorf("devBank.accounts[%d].escrowAllowance: %w", i, err)
		}
		out.DevAccounts = append(out.DevAccounts, acct)
	}
	return out, nil
}

// ParseRate converts a human decimal such as "0.01" or "1.08" into an
// 18-decimal fixed point integer. Empty input is zero.
func ParseRate(s string) (*big.Int, error) {
	if strings.TrimSpace(s) == "" {
		return new(big.Int), nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("negative value %s", s)
	}
	scaled := d.Shift(18)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%s has more than 18 decimals", s)
	}
	return scaled.BigInt(), nil
}

// FormatRate renders an 18-decimal fixed point integer as a human decimal.
func FormatRate(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -18).String()
}

// ParseAddress accepts a 0x-prefixed hex account address.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func parseUnits(s string) (*big.Int, error) {
	if strings.TrimSpace(s) == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

func loadJSON[T any](path string) (*T, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg T
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}
