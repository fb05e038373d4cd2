package metrics

import "github.com/prometheus/client_golang/prometheus"

// RegistryProvider defines the interface for accessing the engine's metrics
// registry. Consumers of the FleetForge library expose metrics via their
// chosen method (e.g., a Prometheus HTTP endpoint).
type RegistryProvider interface {
	// Registry returns the Prometheus registry containing engine metrics.
	Registry() *prometheus.Registry
}
