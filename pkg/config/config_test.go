package config

import (
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

const sample = `
node:
  fqdn: a.example.com
data_dir: /tmp/core
heartbeat:
  interval: 20s
services:
  - name: db
    url: http://127.0.0.1:4001/status
  - name: broker
    url: http://127.0.0.1:9644/v1/status/ready
`

func TestLoad_FileDefaultsAndEnv(t *testing.T) {
    path := filepath.Join(t.TempDir(), "core.yaml")
    require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
    t.Setenv("CORE_MGMT_PROTO", "grpc")

    cfg, err := Load(New(), path)
    require.NoError(t, err)
    assert.Equal(t, "a.example.com", cfg.Node.FQDN)
    assert.Equal(t, 20*time.Second, cfg.Heartbeat.Interval)
    assert.Equal(t, 1666*time.Millisecond, cfg.Heartbeat.Timeout)
    assert.Equal(t, 150*time.Millisecond, cfg.Heartbeat.MaxRTT)
    assert.Equal(t, "grpc", cfg.Mgmt.Proto)
    assert.Equal(t, "/tmp/core/raft", cfg.Raft.Dir)
    assert.EqualValues(t, 20, cfg.CeilingUnits())
    require.Len(t, cfg.Services, 2)
    assert.Equal(t, "broker", cfg.Services[1].Name)
}

func TestValidate(t *testing.T) {
    v := New()
    v.Set("node.fqdn", "a")
    v.Set("mgmt.proto", "udp")
    _, err := Load(v, filepath.Join(t.TempDir(), "missing.yaml"))
    assert.Error(t, err)

    v = New()
    v.Set("node.fqdn", "a")
    v.Set("mgmt.proto", "udp")
    v.SetConfigType("yaml")
    path := filepath.Join(t.TempDir(), "c.yaml")
    require.NoError(t, os.WriteFile(path, []byte("version: 1.0.0\n"), 0o644))
    _, err = Load(v, path)
    assert.ErrorContains(t, err, "mgmt.proto")
}

func TestLoad_TLSAndDiscoveryDefaults(t *testing.T) {
    path := filepath.Join(t.TempDir(), "core.yaml")
    require.NoError(t, os.WriteFile(path, []byte(sample+"tls:\n  enable: true\n"), 0o644))

    cfg, err := Load(New(), path)
    require.NoError(t, err)
    assert.Equal(t, "/tmp/core/ca/root.crt", cfg.TLS.CAFile)
    assert.Equal(t, "topology", cfg.Discovery.Kind)
    assert.Equal(t, 7946, cfg.Discovery.DNSPort)

    v := New()
    v.Set("discovery.kind", "consul")
    _, err = Load(v, path)
    assert.ErrorContains(t, err, "discovery.kind")
}
