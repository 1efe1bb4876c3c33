package modelcatalog

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ocx/gpufabric/internal/device"
)

func newTestCatalog(entries map[string]device.ModelDescriptor) *Catalog {
	c := &Catalog{table: "models"}
	c.snapshot.Store(&entries)
	return c
}

func TestLookupReturnsDescriptorWhenPresent(t *testing.T) {
	c := newTestCatalog(map[string]device.ModelDescriptor{
		"llama-3-8b": {Name: "llama-3-8b", Active: true, MinVRAMGB: 16},
	})
	d, ok := c.Lookup("llama-3-8b")
	assert.True(t, ok)
	assert.Equal(t, uint32(16), d.MinVRAMGB)
}

func TestLookupMissReturnsFalse(t *testing.T) {
	c := newTestCatalog(map[string]device.ModelDescriptor{})
	_, ok := c.Lookup("missing-model")
	assert.False(t, ok)
}

func TestRowToDescriptorMapsEngineClass(t *testing.T) {
	r := row{Name: "m", EngineClass: uint8(device.EngineROCm), Active: true, MinVRAMGB: 8}
	d := r.toDescriptor()
	assert.Equal(t, device.EngineROCm, d.EngineClass)
	assert.True(t, d.Active)
}

func TestSnapshotSwapIsSafeUnderConcurrentLookup(t *testing.T) {
	c := newTestCatalog(map[string]device.ModelDescriptor{"a": {Name: "a"}})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Lookup("a")
		}()
	}
	next := map[string]device.ModelDescriptor{"b": {Name: "b"}}
	c.snapshot.Store(&next)
	wg.Wait()

	_, ok := c.Lookup("b")
	assert.True(t, ok)
}
