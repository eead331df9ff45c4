package config

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// Environment variable names for relay server configuration
const (
	EnvRelayPort              = "RELAY_PORT"
	EnvRelayChainID           = "RELAY_CHAIN_ID"
	EnvRelayRPCURL            = "RELAY_RPC_URL"
	EnvRelayVerifyingContract = "RELAY_VERIFYING_CONTRACT"
	EnvRelayRelayerPrivateKey = "RELAY_RELAYER_PRIVATE_KEY"
	EnvRelayStoreType         = "RELAY_STORE_TYPE"
	EnvRelayPostgresDSN       = "RELAY_POSTGRES_DSN"
	EnvRelayBadgerDir         = "RELAY_BADGER_DIR"
	EnvRelayRedisAddress      = "RELAY_REDIS_ADDRESS"
	EnvRelayMaxAttempts       = "RELAY_MAX_ATTEMPTS"
	EnvRelayExpiryTTL         = "RELAY_EXPIRY_TTL"
	EnvRelayVerbose           = "RELAY_VERBOSE"
)

type ChainId uint64

const (
	ChainId_EthereumMainnet ChainId = 1
	ChainId_EthereumSepolia ChainId = 11155111
	ChainId_Base            ChainId = 8453
	ChainId_EthereumAnvil   ChainId = 31337
)

type ChainName string

const (
	ChainName_EthereumMainnet ChainName = "mainnet"
	ChainName_EthereumSepolia ChainName = "sepolia"
	ChainName_Base            ChainName = "base"
	ChainName_EthereumAnvil   ChainName = "devnet"
)

var ChainIdToName = map[ChainId]ChainName{
	ChainId_EthereumMainnet: ChainName_EthereumMainnet,
	ChainId_EthereumSepolia: ChainName_EthereumSepolia,
	ChainId_Base:            ChainName_Base,
	ChainId_EthereumAnvil:   ChainName_EthereumAnvil,
}

// IsEthereum reports whether the chain uses Ethereum L1 fee dynamics
// (as opposed to an L2 with near-zero priority fees).
func IsEthereum(chainId ChainId) bool {
	switch chainId {
	case ChainId_EthereumMainnet, ChainId_EthereumSepolia, ChainId_EthereumAnvil:
		return true
	default:
		return false
	}
}

// GetSupportedChainIDs returns all supported chain IDs
func GetSupportedChainIDs() []ChainId {
	return []ChainId{
		ChainId_EthereumMainnet,
		ChainId_EthereumSepolia,
		ChainId_Base,
		ChainId_EthereumAnvil,
	}
}

// GetSupportedChainIDsString returns supported chain IDs as strings for CLI help
func GetSupportedChainIDsString() string {
	return fmt.Sprintf("%d (mainnet), %d (sepolia), %d (base), %d (anvil)",
		ChainId_EthereumMainnet, ChainId_EthereumSepolia, ChainId_Base, ChainId_EthereumAnvil)
}

// Signing domain constants. These scope every structured-data signature
// to one deployment: a signature produced for one (name, version, chain,
// contract) tuple is unverifiable against any other.
const (
	DomainName    = "PayloadRelay"
	DomainVersion = "1"
)

// Defaults for ledger submission behavior.
const (
	DefaultExpiryTTL           = 30 * time.Minute
	DefaultMaxAttempts         = 3
	DefaultGasMultiplierPct    = 120
	DefaultFallbackGasLimit    = 500_000
	DefaultConfirmations       = 1
	DefaultReceiptPollInterval = 3 * time.Second
	DefaultMonitorDeadline     = 10 * time.Minute
	DefaultRPCTimeout          = 15 * time.Second
	DefaultRPCRateLimit        = 10 // requests per second across all ledger calls
	DefaultNonceCacheTTL       = 60 * time.Second
	DefaultSweepInterval       = time.Minute
)

// RelayConfig is the full configuration for the relay server.
type RelayConfig struct {
	Port              int     `json:"port" yaml:"port"`
	ChainID           ChainId `json:"chainId" yaml:"chainId"`
	RPCURL            string  `json:"rpcUrl" yaml:"rpcUrl"`
	VerifyingContract string  `json:"verifyingContract" yaml:"verifyingContract"`

	// RelayerPrivateKey signs the outer anchoring transaction. It is the
	// relay operator's key, never a payload signer's key.
	RelayerPrivateKey string `json:"relayerPrivateKey" yaml:"relayerPrivateKey"`

	StoreType    string `json:"storeType" yaml:"storeType"` // memory | postgres | badger
	PostgresDSN  string `json:"postgresDsn" yaml:"postgresDsn"`
	BadgerDir    string `json:"badgerDir" yaml:"badgerDir"`
	RedisAddress string `json:"redisAddress" yaml:"redisAddress"` // optional nonce cache

	ExpiryTTL           time.Duration `json:"expiryTtl" yaml:"expiryTtl"`
	MaxAttempts         int           `json:"maxAttempts" yaml:"maxAttempts"`
	GasMultiplierPct    uint64        `json:"gasMultiplierPct" yaml:"gasMultiplierPct"`
	FallbackGasLimit    uint64        `json:"fallbackGasLimit" yaml:"fallbackGasLimit"`
	Confirmations       uint64        `json:"confirmations" yaml:"confirmations"`
	ReceiptPollInterval time.Duration `json:"receiptPollInterval" yaml:"receiptPollInterval"`
	MonitorDeadline     time.Duration `json:"monitorDeadline" yaml:"monitorDeadline"`
	RPCTimeout          time.Duration `json:"rpcTimeout" yaml:"rpcTimeout"`
	RPCRateLimit        float64       `json:"rpcRateLimit" yaml:"rpcRateLimit"`
	NonceCacheTTL       time.Duration `json:"nonceCacheTtl" yaml:"nonceCacheTtl"`
	SweepInterval       time.Duration `json:"sweepInterval" yaml:"sweepInterval"`

	Verbose bool `json:"verbose" yaml:"verbose"`
}

// NewRelayConfig returns a config populated with defaults; callers
// overwrite the deployment-specific fields from flags/environment.
func NewRelayConfig() *RelayConfig {
	return &RelayConfig{
		Port:                8080,
		StoreType:           "memory",
		ExpiryTTL:           DefaultExpiryTTL,
		MaxAttempts:         DefaultMaxAttempts,
		GasMultiplierPct:    DefaultGasMultiplierPct,
		FallbackGasLimit:    DefaultFallbackGasLimit,
		Confirmations:       DefaultConfirmations,
		ReceiptPollInterval: DefaultReceiptPollInterval,
		MonitorDeadline:     DefaultMonitorDeadline,
		RPCTimeout:          DefaultRPCTimeout,
		RPCRateLimit:        DefaultRPCRateLimit,
		NonceCacheTTL:       DefaultNonceCacheTTL,
		SweepInterval:       DefaultSweepInterval,
	}
}

func (c *RelayConfig) Validate() error {
	var allErrors field.ErrorList

	if c.RPCURL == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("rpcUrl"), "rpcUrl is required"))
	}
	if c.VerifyingContract == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("verifyingContract"), "verifyingContract is required"))
	} else if !common.IsHexAddress(c.VerifyingContract) {
		allErrors = append(allErrors, field.Invalid(field.NewPath("verifyingContract"), c.VerifyingContract, "not a valid Ethereum address"))
	}
	if _, ok := ChainIdToName[c.ChainID]; !ok {
		allErrors = append(allErrors, field.Invalid(field.NewPath("chainId"), c.ChainID, fmt.Sprintf("supported chains: %s", GetSupportedChainIDsString())))
	}
	if c.MaxAttempts <= 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("maxAttempts"), c.MaxAttempts, "must be positive"))
	}
	if c.GasMultiplierPct < 100 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("gasMultiplierPct"), c.GasMultiplierPct, "must be at least 100"))
	}
	switch c.StoreType {
	case "memory":
	case "postgres":
		if c.PostgresDSN == "" {
			allErrors = append(allErrors, field.Required(field.NewPath("postgresDsn"), "postgresDsn is required for the postgres store"))
		}
	case "badger":
		if c.BadgerDir == "" {
			allErrors = append(allErrors, field.Required(field.NewPath("badgerDir"), "badgerDir is required for the badger store"))
		}
	default:
		allErrors = append(allErrors, field.NotSupported(field.NewPath("storeType"), c.StoreType, []string{"memory", "postgres", "badger"}))
	}

	if len(allErrors) > 0 {
		return allErrors.ToAggregate()
	}
	return nil
}
