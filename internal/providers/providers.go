// Package providers implements ProviderRegistry: a uniform capability
// interface over concrete firewall/CDN backends (spec.md §4.8, L5
// ProviderRegistry). Grounded on the teacher's internal/mikrotik client
// (network-backed device control) and notification_manager.go (pluggable
// channel-by-type-tag dispatch pattern).
package providers

import (
	"context"
)

// BannedIP is one entry from a provider's current ban list.
type BannedIP struct {
	IP       string
	BanID    string
	BannedAt string
}

// Capabilities describes what optional operations a provider supports
// (spec.md §4.8).
type Capabilities struct {
	SupportsBatch  bool
	SupportsExpiry bool
	SupportsSync   bool
}

// Provider is the uniform interface every firewall/CDN backend implements
// (spec.md §4.8). Batch operations are optional: BatchBanIPs/BatchUnbanIPs
// return an error for providers whose Capabilities().SupportsBatch is
// false; callers must check the flag first.
type Provider interface {
	TestConnection(ctx context.Context) (ok bool, message string, err error)
	BanIP(ctx context.Context, ip, reason string, durationSeconds int) (banID string, err error)
	UnbanIP(ctx context.Context, ip, banID string) error
	GetBannedIPs(ctx context.Context) ([]BannedIP, error)
	BatchBanIPs(ctx context.Context, ips []BanRequest) (bannedCount int, banIDs map[string]string, err error)
	BatchUnbanIPs(ctx context.Context, ips []string) (unbannedCount int, err error)
	Capabilities() Capabilities
}

// BanRequest is one item of a batch ban call.
type BanRequest struct {
	IP              string
	Reason          string
	DurationSeconds int
}

// Registry maps each configured BanIntegration's id to the Provider
// instance constructed for it at startup from the integration's
// provider-type tag.
type Registry struct {
	instances map[uint]Provider // BanIntegration.ID -> Provider
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{instances: make(map[uint]Provider)}
}

// Register attaches a constructed Provider to an integration id.
func (r *Registry) Register(integrationID uint, p Provider) {
	r.instances[integrationID] = p
}

// Unregister removes an integration's provider, e.g. on delete.
func (r *Registry) Unregister(integrationID uint) {
	delete(r.instances, integrationID)
}

// Get returns the provider registered for integrationID.
func (r *Registry) Get(integrationID uint) (Provider, bool) {
	p, ok := r.instances[integrationID]
	return p, ok
}

// All returns every registered (integrationID, Provider) pair.
func (r *Registry) All() map[uint]Provider {
	out := make(map[uint]Provider, len(r.instances))
	for k, v := range r.instances {
		out[k] = v
	}
	return out
}
