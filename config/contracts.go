package config

// ContractSpec names a contract and the earlier contracts whose addresses
// are passed, in order, to its constructor.
type ContractSpec struct {
	Name         string
	Dependencies []string
}

const (
	ProduceTraceabilitySystem = "ProduceTraceabilitySystem"
	FarmerContract            = "FarmerContract"
	DistributorContract       = "DistributorContract"
	ConsumerContract          = "ConsumerContract"
)

// TraceabilityPlan is the fixed deployment order of the produce traceability
// contracts.
var TraceabilityPlan = []ContractSpec{
	{Name: ProduceTraceabilitySystem},
	{Name: FarmerContract, Dependencies: []string{ProduceTraceabilitySystem}},
	{Name: DistributorContract, Dependencies: []string{ProduceTraceabilitySystem}},
	{Name: ConsumerContract, Dependencies: []string{ProduceTraceabilitySystem, FarmerContract, DistributorContract}},
}
