package cli

import (
    "bytes"
    "encoding/json"
    "os"
    "path/filepath"
    "testing"

    "github.com/spf13/cobra"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-clustercore/pkg/setup"
)

func execute(t *testing.T, args ...string) (string, error) {
    t.Helper()
    root := &cobra.Command{Use: "corectl", SilenceUsage: true, SilenceErrors: true}
    AddAll(root)
    var out bytes.Buffer
    root.SetOut(&out)
    root.SetErr(&out)
    root.SetArgs(args)
    err := root.Execute()
    return out.String(), err
}

func TestSetupThenInvite(t *testing.T) {
    dir := t.TempDir()
    data := filepath.Join(dir, "data")
    settings := filepath.Join(dir, "settings.yaml")
    require.NoError(t, os.WriteFile(settings, []byte("cluster:\n  broker_nodes: [a.example.com, b.example.com]\n"), 0o600))

    out, err := execute(t, "setup", "--fqdn", "a.example.com", "--data-dir", data, "--settings", settings)
    require.NoError(t, err)
    var res setup.Result
    require.NoError(t, json.Unmarshal([]byte(out), &res))
    assert.Equal(t, 1, res.Serial)
    assert.NotEmpty(t, res.Cluster)

    _, err = execute(t, "setup", "--fqdn", "a.example.com", "--data-dir", data, "--settings", settings)
    assert.ErrorIs(t, err, setup.ErrConfigured)

    _, err = execute(t, "invite", "z.example.com", "--fqdn", "a.example.com", "--data-dir", data)
    assert.ErrorContains(t, err, "z.example.com")

    _, err = execute(t, "invite", "b.example.com", "--fqdn", "a.example.com", "--data-dir", data,
        "--timeout", "300ms")
    assert.ErrorContains(t, err, "invite error")
}

func TestSetup_RequiresSettings(t *testing.T) {
    _, err := execute(t, "setup", "--fqdn", "a.example.com", "--data-dir", t.TempDir())
    assert.ErrorContains(t, err, "settings")
}

func TestStatus_Unreachable(t *testing.T) {
    _, err := execute(t, "status", "--fqdn", "a.example.com", "--data-dir", t.TempDir(),
        "--addr", "127.0.0.1:1", "--timeout", "200ms")
    assert.ErrorContains(t, err, "status error")
}
