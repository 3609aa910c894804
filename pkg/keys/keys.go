// Package keys holds the cluster key material and its sealed on-disk form.
//
// A sealed key set is stored as {"seal":{"salt","hash"},"data":"<base64>"},
// where data is the AES-GCM encryption of the JSON key set under a key derived
// with HKDF-SHA256 from the seal. Plain (unsealed) key sets are accepted too.
package keys

import (
    "crypto/aes"
    "crypto/cipher"
    "crypto/rand"
    "crypto/sha256"
    "encoding/base64"
    "encoding/hex"
    "encoding/json"
    "errors"
    "fmt"
    "io"

    "golang.org/x/crypto/hkdf"
)

var (
    ErrMalformed  = errors.New("keys: malformed key data")
    ErrNoCluster  = errors.New("keys: key set has no cluster uuid")
)

// CA holds the root certificate authority material shared by all nodes.
type CA struct {
    Certificate string `json:"certificate"`
    Key         string `json:"key"`
}

// Set is the unsealed cluster key material.
type Set struct {
    Cluster string `json:"cluster"`
    Rpwd    string `json:"rpwd"`
    JWT     string `json:"jwt,omitempty"`
    CA      CA     `json:"ca"`
}

// Secret returns the shared secret used to key integrity checksums.
func (s Set) Secret() []byte { return []byte(s.Cluster + s.Rpwd) }

// Seal parameters stored alongside the ciphertext.
type Seal struct {
    Salt string `json:"salt"`
    Hash string `json:"hash"`
}

// Sealed is the on-disk and on-the-wire form of a key set.
type Sealed struct {
    Seal Seal   `json:"seal"`
    Data string `json:"data"`
}

// NewSeal returns fresh random seal parameters.
func NewSeal() (Seal, error) {
    salt := make([]byte, 16)
    hash := make([]byte, 32)
    if _, err := io.ReadFull(rand.Reader, salt); err != nil { return Seal{}, err }
    if _, err := io.ReadFull(rand.Reader, hash); err != nil { return Seal{}, err }
    return Seal{Salt: hex.EncodeToString(salt), Hash: hex.EncodeToString(hash)}, nil
}

// SealSet encrypts s under seal and returns its JSON encoding.
func SealSet(s Set, seal Seal) (json.RawMessage, error) {
    plain, err := json.Marshal(s)
    if err != nil { return nil, err }
    aead, err := newAEAD(seal)
    if err != nil { return nil, err }
    nonce := make([]byte, aead.NonceSize())
    if _, err := io.ReadFull(rand.Reader, nonce); err != nil { return nil, err }
    ct := aead.Seal(nonce, nonce, plain, nil)
    return json.Marshal(Sealed{Seal: seal, Data: base64.StdEncoding.EncodeToString(ct)})
}

// Unseal decodes raw key data, decrypting it when it carries a seal.
func Unseal(raw json.RawMessage) (Set, error) {
    var probe struct {
        Seal *Seal `json:"seal"`
        Data string `json:"data"`
    }
    if err := json.Unmarshal(raw, &probe); err != nil { return Set{}, fmt.Errorf("%w: %v", ErrMalformed, err) }
    var s Set
    if probe.Seal == nil {
        if err := json.Unmarshal(raw, &s); err != nil { return Set{}, fmt.Errorf("%w: %v", ErrMalformed, err) }
    } else {
        ct, err := base64.StdEncoding.DecodeString(probe.Data)
        if err != nil { return Set{}, fmt.Errorf("%w: %v", ErrMalformed, err) }
        aead, err := newAEAD(*probe.Seal)
        if err != nil { return Set{}, err }
        if len(ct) < aead.NonceSize() { return Set{}, ErrMalformed }
        plain, err := aead.Open(nil, ct[:aead.NonceSize()], ct[aead.NonceSize():], nil)
        if err != nil { return Set{}, fmt.Errorf("keys: unseal: %w", err) }
        if err := json.Unmarshal(plain, &s); err != nil { return Set{}, fmt.Errorf("%w: %v", ErrMalformed, err) }
    }
    if s.Cluster == "" { return Set{}, ErrNoCluster }
    return s, nil
}

func newAEAD(seal Seal) (cipher.AEAD, error) {
    hash, err := hex.DecodeString(seal.Hash)
    if err != nil || len(hash) == 0 { return nil, fmt.Errorf("%w: bad seal hash", ErrMalformed) }
    salt, err := hex.DecodeString(seal.Salt)
    if err != nil { return nil, fmt.Errorf("%w: bad seal salt", ErrMalformed) }
    key := make([]byte, 32)
    if _, err := io.ReadFull(hkdf.New(sha256.New, hash, salt, []byte("clustercore keys")), key); err != nil { return nil, err }
    block, err := aes.NewCipher(key)
    if err != nil { return nil, err }
    return cipher.NewGCM(block)
}
