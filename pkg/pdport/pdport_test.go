package pdport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pnet-core/pnet/internal/block"
)

func TestSetPersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, 1, nil)
	require.NoError(t, err)

	peer := block.PeerCheck{PortName: "port-001", ChassisName: "switch-A"}
	require.NoError(t, s.Set(peer))

	reloaded, err := NewStore(dir, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, peer, reloaded.Expected())
}

func TestSetSkipsDiskWriteWhenUnchanged(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, 1, nil)
	require.NoError(t, err)

	peer := block.PeerCheck{PortName: "port-001", ChassisName: "switch-A"}
	require.NoError(t, s.Set(peer))
	info1, err := os.Stat(filepath.Join(dir, "pdport-1.dat"))
	require.NoError(t, err)

	require.NoError(t, s.Set(peer))
	info2, err := os.Stat(filepath.Join(dir, "pdport-1.dat"))
	require.NoError(t, err)
	assert.Equal(t, info1.ModTime(), info2.ModTime())
}

func TestResetClearsFile(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, 1, nil)
	require.NoError(t, err)
	require.NoError(t, s.Set(block.PeerCheck{PortName: "p", ChassisName: "c"}))

	require.NoError(t, s.Reset())
	_, statErr := os.Stat(filepath.Join(dir, "pdport-1.dat"))
	assert.True(t, os.IsNotExist(statErr))
	assert.Equal(t, block.PeerCheck{}, s.Expected())
}

func TestResetAllPortsRemovesEveryFile(t *testing.T) {
	dir := t.TempDir()
	for port := 1; port <= 3; port++ {
		s, err := NewStore(dir, port, nil)
		require.NoError(t, err)
		require.NoError(t, s.Set(block.PeerCheck{PortName: "p", ChassisName: "c"}))
	}

	require.NoError(t, ResetAllPorts(dir, 3))
	for port := 1; port <= 3; port++ {
		_, err := os.Stat(filepath.Join(dir, fileName(port)))
		assert.True(t, os.IsNotExist(err))
	}
}
