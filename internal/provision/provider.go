// Package provision launches and tears down the ephemeral machines that run
// shard processes, one machine per region at most.
package provision

import (
	"context"
	"errors"

	"github.com/pasturegame/pasture/internal/domain"
)

type MachineState string

const (
	StateCreated   MachineState = "created"
	StateStarting  MachineState = "starting"
	StateStarted   MachineState = "started"
	StateStopped   MachineState = "stopped"
	StateDestroyed MachineState = "destroyed"
)

var (
	ErrLaunchTimeout    = errors.New("machine did not start in time")
	ErrMachineDestroyed = errors.New("machine destroyed while starting")
	ErrUnknownMachine   = errors.New("unknown machine")
)

// Machine is the provider's view of one compute instance.
type Machine struct {
	ID        domain.MachineID
	Region    domain.Region
	State     MachineState
	PrivateIP string
}

// Provider is the cloud API surface the provisioner depends on.
type Provider interface {
	CreateMachine(ctx context.Context, region domain.Region) (*Machine, error)
	MachineStatus(ctx context.Context, id domain.MachineID) (*Machine, error)
	DestroyMachine(ctx context.Context, id domain.MachineID) error
	Regions(ctx context.Context) ([]domain.Region, error)
}
