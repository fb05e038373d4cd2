package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fleetforge-labs/fleetforge/internal/config"
	"github.com/fleetforge-labs/fleetforge/internal/inventory"
)

func makeHosts(t *testing.T, n int) []*inventory.Host {
	t.Helper()
	hosts := make([]*inventory.Host, n)
	for i := range hosts {
		hosts[i] = &inventory.Host{Name: fmt.Sprintf("host-%02d", i), Address: fmt.Sprintf("10.0.0.%d", i+1)}
	}
	return hosts
}

func batchSizes(batches [][]*inventory.Host) []int {
	sizes := make([]int, len(batches))
	for i, b := range batches {
		sizes[i] = len(b)
	}
	return sizes
}

func TestComputeBatchesNoSerialIsSingleBatch(t *testing.T) {
	hosts := makeHosts(t, 7)
	batches := computeBatches(nil, hosts)
	assert.Equal(t, []int{7}, batchSizes(batches))
}

func TestComputeBatchesFixedCountRepeats(t *testing.T) {
	spec := &config.SerialSpec{Batches: []config.SerialBatch{{Count: 3}}}
	batches := computeBatches(spec, makeHosts(t, 10))
	assert.Equal(t, []int{3, 3, 3, 1}, batchSizes(batches))
}

func TestComputeBatchesPercentage(t *testing.T) {
	spec := &config.SerialSpec{Batches: []config.SerialBatch{{Percent: 50}}}
	batches := computeBatches(spec, makeHosts(t, 10))
	assert.Equal(t, []int{5, 5}, batchSizes(batches))
}

func TestComputeBatchesPercentageRoundsDownButNeverToZero(t *testing.T) {
	spec := &config.SerialSpec{Batches: []config.SerialBatch{{Percent: 10}}}
	batches := computeBatches(spec, makeHosts(t, 5))
	// 10% of 5 is 0.5; the floor is clamped up to one host per batch.
	assert.Equal(t, []int{1, 1, 1, 1, 1}, batchSizes(batches))
}

func TestComputeBatchesProgressiveListLastRepeats(t *testing.T) {
	spec := &config.SerialSpec{Batches: []config.SerialBatch{
		{Count: 1},
		{Percent: 30},
		{Count: 5},
	}}
	batches := computeBatches(spec, makeHosts(t, 10))
	assert.Equal(t, []int{1, 3, 5, 1}, batchSizes(batches))
}

func TestComputeBatchesPreservesHostOrder(t *testing.T) {
	hosts := makeHosts(t, 4)
	spec := &config.SerialSpec{Batches: []config.SerialBatch{{Count: 2}}}
	batches := computeBatches(spec, hosts)
	assert.Equal(t, "host-00", batches[0][0].Name)
	assert.Equal(t, "host-01", batches[0][1].Name)
	assert.Equal(t, "host-02", batches[1][0].Name)
	assert.Equal(t, "host-03", batches[1][1].Name)
}
