package tunnel

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, strategy SubdomainStrategy) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "subdomains.json")
	r := NewRegistry(path, strategy)
	require.NoError(t, r.Load())
	return r
}

func TestIsValidSubdomain(t *testing.T) {
	assert.True(t, IsValidSubdomain("my-app"))
	assert.True(t, IsValidSubdomain("app123"))
	assert.False(t, IsValidSubdomain("ab"))           // too short
	assert.False(t, IsValidSubdomain("-leading"))
	assert.False(t, IsValidSubdomain("trailing-"))
	assert.False(t, IsValidSubdomain("Has-Upper"))
	assert.False(t, IsValidSubdomain("has_underscore"))
}

func TestAllocate_CustomSubdomainSucceeds(t *testing.T) {
	r := newTestRegistry(t, StrategyRandom)
	sub, err := r.Allocate("tunnel-1", strPtr("myapp"), "203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, "myapp", sub)
	assert.False(t, r.IsAvailable("myapp"))
}

func TestAllocate_CustomSubdomainRejectsInvalidFormat(t *testing.T) {
	r := newTestRegistry(t, StrategyRandom)
	_, err := r.Allocate("tunnel-1", strPtr("NoUppercase"), "")
	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestAllocate_CustomSubdomainRejectsReservedWord(t *testing.T) {
	r := newTestRegistry(t, StrategyRandom)
	_, err := r.Allocate("tunnel-1", strPtr("admin"), "")
	require.Error(t, err)
	var cerr *ConflictError
	assert.ErrorAs(t, err, &cerr)
}

func TestAllocate_CustomSubdomainRejectsAlreadyActive(t *testing.T) {
	r := newTestRegistry(t, StrategyRandom)
	_, err := r.Allocate("tunnel-1", strPtr("myapp"), "")
	require.NoError(t, err)

	_, err = r.Allocate("tunnel-2", strPtr("myapp"), "")
	require.Error(t, err)
	var cerr *ConflictError
	assert.ErrorAs(t, err, &cerr)
}

func TestAllocate_RandomStrategyGeneratesValidSubdomain(t *testing.T) {
	r := newTestRegistry(t, StrategyRandom)
	sub, err := r.Allocate("tunnel-1", nil, "")
	require.NoError(t, err)
	assert.True(t, IsValidSubdomain(sub))
}

func TestAllocate_UUIDStrategyGeneratesEightHexChars(t *testing.T) {
	r := newTestRegistry(t, StrategyUUID)
	sub, err := r.Allocate("tunnel-1", nil, "")
	require.NoError(t, err)
	assert.Len(t, sub, 8)
}

func TestRelease_FreesSubdomainForReallocation(t *testing.T) {
	r := newTestRegistry(t, StrategyRandom)
	_, err := r.Allocate("tunnel-1", strPtr("myapp"), "")
	require.NoError(t, err)

	require.NoError(t, r.Release("myapp"))
	assert.True(t, r.IsAvailable("myapp"))

	sub, err := r.Allocate("tunnel-2", strPtr("myapp"), "")
	require.NoError(t, err)
	assert.Equal(t, "myapp", sub)
}

func TestTunnelFor_ResolvesActiveAllocation(t *testing.T) {
	r := newTestRegistry(t, StrategyRandom)
	_, err := r.Allocate("tunnel-1", strPtr("myapp"), "")
	require.NoError(t, err)

	id, ok := r.TunnelFor("myapp")
	require.True(t, ok)
	assert.Equal(t, "tunnel-1", id)

	_, ok = r.TunnelFor("unknown")
	assert.False(t, ok)
}

func TestLoad_PersistsAcrossReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdomains.json")

	r1 := NewRegistry(path, StrategyRandom)
	require.NoError(t, r1.Load())
	_, err := r1.Allocate("tunnel-1", strPtr("myapp"), "")
	require.NoError(t, err)

	r2 := NewRegistry(path, StrategyRandom)
	require.NoError(t, r2.Load())
	assert.False(t, r2.IsAvailable("myapp"))

	id, ok := r2.TunnelFor("myapp")
	require.True(t, ok)
	assert.Equal(t, "tunnel-1", id)
}

func strPtr(s string) *string { return &s }
