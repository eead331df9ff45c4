package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *RelayConfig {
	cfg := NewRelayConfig()
	cfg.ChainID = ChainId_EthereumAnvil
	cfg.RPCURL = "http://127.0.0.1:8545"
	cfg.VerifyingContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	return cfg
}

func Test_ConfigValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	t.Run("MissingRPCURL", func(t *testing.T) {
		cfg := validConfig()
		cfg.RPCURL = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("BadContractAddress", func(t *testing.T) {
		cfg := validConfig()
		cfg.VerifyingContract = "not-an-address"
		assert.Error(t, cfg.Validate())
	})

	t.Run("UnsupportedChain", func(t *testing.T) {
		cfg := validConfig()
		cfg.ChainID = 1337
		assert.Error(t, cfg.Validate())
	})

	t.Run("PostgresNeedsDSN", func(t *testing.T) {
		cfg := validConfig()
		cfg.StoreType = "postgres"
		assert.Error(t, cfg.Validate())

		cfg.PostgresDSN = "postgres://localhost/relay?sslmode=disable"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("BadgerNeedsDir", func(t *testing.T) {
		cfg := validConfig()
		cfg.StoreType = "badger"
		assert.Error(t, cfg.Validate())

		cfg.BadgerDir = "/tmp/relay-data"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("UnknownStoreType", func(t *testing.T) {
		cfg := validConfig()
		cfg.StoreType = "cassandra"
		assert.Error(t, cfg.Validate())
	})

	t.Run("GasMultiplierFloor", func(t *testing.T) {
		cfg := validConfig()
		cfg.GasMultiplierPct = 99
		assert.Error(t, cfg.Validate())
	})

	t.Run("NonPositiveAttempts", func(t *testing.T) {
		cfg := validConfig()
		cfg.MaxAttempts = 0
		assert.Error(t, cfg.Validate())
	})
}

func Test_ChainClassification(t *testing.T) {
	assert.True(t, IsEthereum(ChainId_EthereumMainnet))
	assert.True(t, IsEthereum(ChainId_EthereumSepolia))
	assert.True(t, IsEthereum(ChainId_EthereumAnvil))
	assert.False(t, IsEthereum(ChainId_Base))
}
