package engine

import (
	"math"

	"github.com/fleetforge-labs/fleetforge/internal/config"
	"github.com/fleetforge-labs/fleetforge/internal/inventory"
)

// computeBatches splits the play's hosts into serial batches. A nil spec
// yields a single batch with every host. A single-element spec repeats until
// the hosts are exhausted; a progressive list advances element by element,
// its last element repeating. Percentages are taken of the total host count
// and clamped to at least one host.
func computeBatches(spec *config.SerialSpec, hosts []*inventory.Host) [][]*inventory.Host {
	total := len(hosts)
	if total == 0 {
		return nil
	}
	if spec == nil || len(spec.Batches) == 0 {
		return [][]*inventory.Host{hosts}
	}

	var batches [][]*inventory.Host
	offset := 0
	for i := 0; offset < total; i++ {
		idx := i
		if idx >= len(spec.Batches) {
			idx = len(spec.Batches) - 1
		}
		size := batchSize(spec.Batches[idx], total)
		if size > total-offset {
			size = total - offset
		}
		batches = append(batches, hosts[offset:offset+size])
		offset += size
	}
	return batches
}

// batchSize resolves one serial element against the total host count.
func batchSize(batch config.SerialBatch, total int) int {
	if batch.Percent > 0 {
		size := int(math.Floor(float64(total) * batch.Percent / 100.0))
		if size < 1 {
			size = 1
		}
		return size
	}
	if batch.Count < 1 {
		return 1
	}
	return batch.Count
}
