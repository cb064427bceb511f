package config

// NetworkConfig describes a network the deployer knows how to target.
type NetworkConfig struct {
	// ChainID expected from the RPC endpoint.
	ChainID uint64
	// ChainlistName is the short name used by chainlist.org.
	ChainlistName string
	// Local networks are dev nodes (Hardhat/Anvil) that may still be booting.
	Local bool
	// DefaultRPC is used when no endpoint is configured, empty if none.
	DefaultRPC string
}

// DefaultNetworks contains the supported networks by name.
var DefaultNetworks = map[string]NetworkConfig{
	"sepolia": {
		ChainID:       11155111,
		ChainlistName: "sep",
	},
	"localhost": {
		ChainID:    31337,
		Local:      true,
		DefaultRPC: "http://127.0.0.1:8545",
	},
}

// AvailableNetworks contains the list of networks the deployer can target.
var AvailableNetworks = []string{
	"sepolia",
	"localhost",
}
