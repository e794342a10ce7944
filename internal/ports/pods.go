package ports

import (
	"context"
)

// PodPhase mirrors the cluster's view of a pod. Unknown covers phases the
// gateway cannot interpret.
type PodPhase string

const (
	PodPending   PodPhase = "Pending"
	PodRunning   PodPhase = "Running"
	PodSucceeded PodPhase = "Succeeded"
	PodFailed    PodPhase = "Failed"
	PodUnknown   PodPhase = "Unknown"
)

// PodHandle identifies one created pod.
type PodHandle struct {
	Name      string
	Namespace string
}

// InstanceSpec is everything the gateway needs to create one agent pod
// from a template.
type InstanceSpec struct {
	Name      string
	Namespace string
	Image     string
	Command   []string
	Env       map[string]string
	Labels    map[string]string
}

// PodGateway is the only point of contact with the cluster. It carries no
// retry or backoff policy; callers decide how many poll attempts to make
// before declaring failure.
type PodGateway interface {
	// Create schedules a pod for the given spec.
	Create(ctx context.Context, spec InstanceSpec) (PodHandle, error)

	// Phase fetches the pod's current phase.
	Phase(ctx context.Context, handle PodHandle) (PodPhase, error)

	// Delete removes the pod. Deleting an already-gone pod is not an
	// error.
	Delete(ctx context.Context, handle PodHandle) error
}
