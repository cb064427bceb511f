package storage

import (
	"encoding/binary"

	"github.com/google/uuid"
)

var (
	runPrefix        = []byte("r/")
	deploymentPrefix = []byte("d/")
)

func runKey(id uuid.UUID) []byte {
	return append(append([]byte{}, runPrefix...), id[:]...)
}

// deploymentRunPrefix returns the prefix shared by every deployment of a run.
func deploymentRunPrefix(id uuid.UUID) []byte {
	return append(append([]byte{}, deploymentPrefix...), id[:]...)
}

// deploymentKey sorts deployments of a run by step.
func deploymentKey(id uuid.UUID, step int) []byte {
	return binary.BigEndian.AppendUint16(deploymentRunPrefix(id), uint16(step))
}
