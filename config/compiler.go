package config

const (
	// SolidityVersion is the compiler version the contracts are built with.
	SolidityVersion = "0.8.28"
	// DefaultArtifactsDir is where Hardhat writes its build output.
	DefaultArtifactsDir = "artifacts"
)
