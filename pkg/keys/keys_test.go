package keys

import (
    "encoding/json"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestSealUnseal(t *testing.T) {
    in := Set{Cluster: "c-1", Rpwd: "pw", JWT: "j", CA: CA{Certificate: "cert", Key: "key"}}
    seal, err := NewSeal()
    require.NoError(t, err)

    raw, err := SealSet(in, seal)
    require.NoError(t, err)
    assert.NotContains(t, string(raw), "pw")

    out, err := Unseal(raw)
    require.NoError(t, err)
    assert.Equal(t, in, out)
    assert.Equal(t, []byte("c-1pw"), out.Secret())
}

func TestUnseal_Plain(t *testing.T) {
    raw, _ := json.Marshal(Set{Cluster: "c-2", Rpwd: "x"})
    out, err := Unseal(raw)
    require.NoError(t, err)
    assert.Equal(t, "c-2", out.Cluster)
}

func TestUnseal_Errors(t *testing.T) {
    _, err := Unseal(json.RawMessage(`not json`))
    assert.ErrorIs(t, err, ErrMalformed)

    _, err = Unseal(json.RawMessage(`{"rpwd":"x"}`))
    assert.ErrorIs(t, err, ErrNoCluster)

    seal, _ := NewSeal()
    raw, err := SealSet(Set{Cluster: "c"}, seal)
    require.NoError(t, err)
    var s Sealed
    require.NoError(t, json.Unmarshal(raw, &s))
    other, _ := NewSeal()
    s.Seal = other
    tampered, _ := json.Marshal(s)
    _, err = Unseal(tampered)
    assert.Error(t, err)
}
