package fspm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pnet-core/pnet/internal/block"
)

func writeTestConfig(t *testing.T, dir string, body string) string {
	path := filepath.Join(dir, "pnet.ini")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "[device]\nstation_name = press-7\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "press-7", cfg.StationName)
	assert.EqualValues(t, 32, cfg.MinDeviceInterval)
	assert.EqualValues(t, imSupportedMask, cfg.IMSupported)
}

func TestLoadConfigRejectsOutOfRangeInterval(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "[device]\nmin_device_interval = 9000\n")
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigRejectsIMSupportedOutsideMask(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "[device]\nim_supported = 0x8000\n")
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestRecordsWriteIM1PersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	records, err := NewRecords(dir, nil)
	require.NoError(t, err)

	var rec block.IM1Record
	copy(rec.TagFunction[:], "PUMP-01")
	copy(rec.TagLocation[:], "LINE-A")
	require.NoError(t, records.WriteIM1(rec))

	reloaded, err := NewRecords(dir, nil)
	require.NoError(t, err)
	got := reloaded.ReadIM1()
	assert.Equal(t, "PUMP-01", string(got.TagFunction[:7]))
	assert.Equal(t, "LINE-A", string(got.TagLocation[:6]))
}

func TestRecordsWriteIM1SkipsDiskWriteWhenUnchanged(t *testing.T) {
	dir := t.TempDir()
	records, err := NewRecords(dir, nil)
	require.NoError(t, err)

	var rec block.IM1Record
	copy(rec.TagFunction[:], "SAME")
	require.NoError(t, records.WriteIM1(rec))

	info1, err := os.Stat(filepath.Join(dir, imRecordFileName))
	require.NoError(t, err)

	require.NoError(t, records.WriteIM1(rec))
	info2, err := os.Stat(filepath.Join(dir, imRecordFileName))
	require.NoError(t, err)
	assert.Equal(t, info1.ModTime(), info2.ModTime())
}

func TestLogBookWrapsAround(t *testing.T) {
	lb := NewLogBook()
	for i := 0; i < logBookCapacity+5; i++ {
		lb.Append(LogEntry{ErrCode: uint8(i)})
	}
	entries := lb.Entries()
	require.Len(t, entries, logBookCapacity)
	assert.EqualValues(t, 5, entries[0].ErrCode, "oldest surviving entry after 5 overwrites")
}

type fakeAborter struct{ aborted bool }

func (f *fakeAborter) AbortAll(errCls, errCode uint8) { f.aborted = true }

func TestFactoryResetRestoresDefaultsAndAbortsARs(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "[device]\nstation_name = original\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	f, err := New(cfg, Callbacks{}, nil)
	require.NoError(t, err)

	f.Cfg.StationName = "mutated"
	aborter := &fakeAborter{}
	f.FactoryReset(ResetAll, aborter)

	assert.True(t, aborter.aborted)
	assert.Equal(t, "original", f.Cfg.StationName)
}

func TestRemoveDataFilesDeletesBoth(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, imRecordFileName), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pdport-1.dat"), []byte("x"), 0o644))

	require.NoError(t, RemoveDataFiles(dir))
	_, err1 := os.Stat(filepath.Join(dir, imRecordFileName))
	_, err2 := os.Stat(filepath.Join(dir, "pdport-1.dat"))
	assert.True(t, os.IsNotExist(err1))
	assert.True(t, os.IsNotExist(err2))
}
