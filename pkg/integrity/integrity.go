// Package integrity wraps cluster payloads in a checksum envelope keyed with
// the cluster secret, so that peers can reject forged or tampered messages.
//
// Unwrap never fails loudly: a bad envelope is reported as valid=false and the
// caller decides what to do with it.
package integrity

import (
    "crypto/hmac"
    "crypto/sha256"
    "encoding/hex"
    "encoding/json"
    "errors"
)

// ErrNoSecret is returned by Wrap when the codec has no key material.
var ErrNoSecret = errors.New("integrity: no cluster secret")

// Envelope is the on-the-wire form of a checksummed payload.
type Envelope struct {
    Data     json.RawMessage `json:"data"`
    Checksum string          `json:"checksum"`
}

// Codec computes and verifies envelope checksums. The zero value has no
// secret: it cannot wrap, and every envelope it unwraps is invalid.
type Codec struct {
    secret []byte
}

// New returns a codec keyed with secret.
func New(secret []byte) *Codec {
    return &Codec{secret: append([]byte(nil), secret...)}
}

// HasSecret reports whether the codec can produce checksums.
func (c *Codec) HasSecret() bool { return c != nil && len(c.secret) > 0 }

// Wrap serializes payload and attaches its checksum.
func (c *Codec) Wrap(payload any) (Envelope, error) {
    if !c.HasSecret() { return Envelope{}, ErrNoSecret }
    data, err := json.Marshal(payload)
    if err != nil { return Envelope{}, err }
    return Envelope{Data: data, Checksum: c.sum(data)}, nil
}

// Unwrap verifies env and, when valid and out is non-nil, decodes the payload
// into out. Any mismatch or decode failure yields false.
func (c *Codec) Unwrap(env Envelope, out any) (valid bool) {
    if !c.HasSecret() || len(env.Data) == 0 || env.Checksum == "" { return false }
    got, err := hex.DecodeString(env.Checksum)
    if err != nil { return false }
    if !hmac.Equal(got, c.mac(env.Data)) { return false }
    if out == nil { return true }
    return json.Unmarshal(env.Data, out) == nil
}

// Valid reports whether the envelope's checksum matches its data.
func (c *Codec) Valid(env Envelope) bool { return c.Unwrap(env, nil) }

func (c *Codec) mac(data []byte) []byte {
    h := hmac.New(sha256.New, c.secret)
    h.Write(data)
    return h.Sum(nil)
}

func (c *Codec) sum(data []byte) string { return hex.EncodeToString(c.mac(data)) }
