package ca

import (
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-clustercore/pkg/keys"
)

func TestPrime_WritesAndIsIdempotent(t *testing.T) {
    root, err := GenerateRoot("clustercore test root", 1)
    require.NoError(t, err)

    dir := filepath.Join(t.TempDir(), "ca")
    p := NewFileProvisioner(dir)
    require.NoError(t, p.Prime(keys.Set{Cluster: "c-1", CA: root}))

    cfg, err := readConfig(filepath.Join(dir, ConfigFile))
    require.NoError(t, err)
    assert.Equal(t, "c-1", cfg.Cluster)
    fp, err := Fingerprint(root.Certificate)
    require.NoError(t, err)
    assert.Equal(t, fp, cfg.Fingerprint)

    fi, err := os.Stat(filepath.Join(dir, RootKeyFile))
    require.NoError(t, err)
    assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

    before, err := os.Stat(filepath.Join(dir, ConfigFile))
    require.NoError(t, err)
    time.Sleep(10 * time.Millisecond)
    require.NoError(t, p.Prime(keys.Set{Cluster: "c-1", CA: root}))
    after, err := os.Stat(filepath.Join(dir, ConfigFile))
    require.NoError(t, err)
    assert.Equal(t, before.ModTime(), after.ModTime())
}

func TestPrime_RequiresRoot(t *testing.T) {
    p := NewFileProvisioner(t.TempDir())
    assert.ErrorIs(t, p.Prime(keys.Set{Cluster: "c"}), ErrNoRoot)
    assert.Error(t, p.Prime(keys.Set{Cluster: "c", CA: keys.CA{Certificate: "nope", Key: "k"}}))
}
