// Package actors schedules tasks onto per-provider capacity slots (actors)
// and exposes the submission and control interface of the service.
package actors

// ActorStatus represents the state of an actor slot.
type ActorStatus string

const (
	ActorIdle ActorStatus = "idle"
	ActorBusy ActorStatus = "busy"
)

// Actor is one concurrent task loop a provider may serve.
type Actor struct {
	ID           string      `json:"id"`
	ProviderName string      `json:"provider_name"`
	Status       ActorStatus `json:"status"`
	CurrentTask  string      `json:"current_task,omitempty"`
}
