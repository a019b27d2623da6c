package servicelog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHeader() Header {
	return Header{
		ServiceID:     "2d2b8a1e-0000-5000-8000-000000000001",
		ServiceName:   "db",
		Technology:    "kubernetes",
		LocalPort:     5432,
		RemotePort:    5432,
		Connection:    "service/postgres -n default",
		DaemonVersion: "test",
	}
}

func TestOpenEpochWritesHeader(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	f, path, err := m.OpenEpoch("db", "2d2b8a1e", testHeader())
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.Equal(t, filepath.Join(dir, "db_2d2b8a1e.log"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "# service: db")
	assert.Contains(t, content, "# forward: localhost:5432 -> 5432")
	assert.Contains(t, content, "# technology: kubernetes")
	assert.Contains(t, content, "# daemon_version: test")
}

func TestSecondEpochAppends(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	f, _, err := m.OpenEpoch("db", "2d2b8a1e", testHeader())
	require.NoError(t, err)
	_, err = f.WriteString("forwarding traffic\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f2, path, err := m.OpenEpoch("db", "2d2b8a1e", testHeader())
	require.NoError(t, err)
	require.NoError(t, f2.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "# ---- localport epoch ----"))
	assert.Contains(t, string(data), "forwarding traffic")
}

func TestSweepRotatesOversizedFiles(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, WithMaxSize(64))

	path := filepath.Join(dir, "db_2d2b8a1e.log")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", 200)), 0o644))

	require.NoError(t, m.Sweep())

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "active file should have been renamed away")
	rotated, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Len(t, rotated, 200)
}

func TestRotateShiftsSuffixes(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, WithMaxSize(10))

	path := filepath.Join(dir, "db_2d2b8a1e.log")
	require.NoError(t, os.WriteFile(path+".1", []byte("old-1"), 0o644))
	require.NoError(t, os.WriteFile(path+".2", []byte("old-2"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("current data"), 0o644))

	require.NoError(t, m.rotate(path))

	one, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Equal(t, "current data", string(one))

	two, err := os.ReadFile(path + ".2")
	require.NoError(t, err)
	assert.Equal(t, "old-1", string(two))

	three, err := os.ReadFile(path + ".3")
	require.NoError(t, err)
	assert.Equal(t, "old-2", string(three))
}

func TestPruneDeletesExpiredRotations(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, WithRetention(time.Hour))

	fresh := filepath.Join(dir, "db.log.1")
	stale := filepath.Join(dir, "db.log.2")
	require.NoError(t, os.WriteFile(fresh, []byte("fresh"), 0o644))
	require.NoError(t, os.WriteFile(stale, []byte("stale"), 0o644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	require.NoError(t, m.Sweep())

	_, err := os.Stat(fresh)
	assert.NoError(t, err)
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestPruneEnforcesCountCap(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, WithMaxRotated(2))

	base := filepath.Join(dir, "db.log")
	for _, suffix := range []string{".1", ".2", ".3", ".4"} {
		require.NoError(t, os.WriteFile(base+suffix, []byte("x"), 0o644))
	}

	require.NoError(t, m.Sweep())

	_, err := os.Stat(base + ".1")
	assert.NoError(t, err)
	_, err = os.Stat(base + ".2")
	assert.NoError(t, err)
	_, err = os.Stat(base + ".3")
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(base + ".4")
	assert.True(t, os.IsNotExist(err))
}

func TestSplitRotated(t *testing.T) {
	base, n, ok := splitRotated("db_abc.log.3")
	assert.True(t, ok)
	assert.Equal(t, "db_abc.log", base)
	assert.Equal(t, 3, n)

	_, _, ok = splitRotated("db_abc.log")
	assert.False(t, ok)
	_, _, ok = splitRotated("db_abc.log.0")
	assert.False(t, ok)
	_, _, ok = splitRotated("db_abc.txt.1")
	assert.False(t, ok)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "my-service_1", sanitize("my-service_1"))
	assert.Equal(t, "bad-name", sanitize("bad name"))
	assert.Equal(t, "a-b-c", sanitize("a/b:c"))
}
