// Package ca primes the local certificate authority configuration from the
// cluster key set, so every node signs with the same root.
package ca

import (
    "bytes"
    "crypto/ecdsa"
    "crypto/elliptic"
    "crypto/rand"
    "crypto/sha256"
    "crypto/x509"
    "crypto/x509/pkix"
    "encoding/hex"
    "encoding/json"
    "encoding/pem"
    "errors"
    "fmt"
    "math/big"
    "os"
    "path/filepath"
    "time"

    "github.com/amirimatin/go-clustercore/pkg/keys"
)

var ErrNoRoot = errors.New("ca: key set carries no root certificate")

const (
    RootCertFile = "root.crt"
    RootKeyFile  = "root.key"
    ConfigFile   = "ca.json"
)

// Provisioner makes sure the CA configuration matches a key set.
type Provisioner interface {
    Prime(set keys.Set) error
}

// Config is written to ca.json for the CA service to pick up.
type Config struct {
    Cluster     string    `json:"cluster"`
    Root        string    `json:"root"`
    Key         string    `json:"key"`
    Fingerprint string    `json:"fingerprint"`
    Primed      time.Time `json:"primed"`
}

// FileProvisioner writes the root pair and ca.json under Dir.
type FileProvisioner struct {
    Dir string
}

func NewFileProvisioner(dir string) *FileProvisioner { return &FileProvisioner{Dir: dir} }

// Prime writes the CA files. Files whose content already matches are left
// untouched, so priming on every reload is cheap.
func (p *FileProvisioner) Prime(set keys.Set) error {
    if set.CA.Certificate == "" || set.CA.Key == "" { return ErrNoRoot }
    fp, err := Fingerprint(set.CA.Certificate)
    if err != nil { return err }
    if err := os.MkdirAll(p.Dir, 0o700); err != nil { return err }
    certPath := filepath.Join(p.Dir, RootCertFile)
    keyPath := filepath.Join(p.Dir, RootKeyFile)
    if err := writeIfChanged(certPath, []byte(set.CA.Certificate), 0o644); err != nil { return err }
    if err := writeIfChanged(keyPath, []byte(set.CA.Key), 0o600); err != nil { return err }

    cfgPath := filepath.Join(p.Dir, ConfigFile)
    if cur, err := readConfig(cfgPath); err == nil && cur.Fingerprint == fp && cur.Cluster == set.Cluster { return nil }
    b, err := json.MarshalIndent(Config{Cluster: set.Cluster, Root: certPath, Key: keyPath, Fingerprint: fp, Primed: time.Now().UTC()}, "", "  ")
    if err != nil { return err }
    return os.WriteFile(cfgPath, b, 0o644)
}

func readConfig(path string) (Config, error) {
    var c Config
    b, err := os.ReadFile(path)
    if err != nil { return c, err }
    return c, json.Unmarshal(b, &c)
}

func writeIfChanged(path string, data []byte, mode os.FileMode) error {
    if cur, err := os.ReadFile(path); err == nil && bytes.Equal(cur, data) { return nil }
    return os.WriteFile(path, data, mode)
}

// Fingerprint is the hex SHA-256 of the DER certificate in certPEM.
func Fingerprint(certPEM string) (string, error) {
    blk, _ := pem.Decode([]byte(certPEM))
    if blk == nil || blk.Type != "CERTIFICATE" { return "", fmt.Errorf("ca: root certificate is not PEM") }
    sum := sha256.Sum256(blk.Bytes)
    return hex.EncodeToString(sum[:]), nil
}

// GenerateRoot creates a self-signed ECDSA P-256 root valid for years.
func GenerateRoot(commonName string, years int) (keys.CA, error) {
    if years <= 0 { years = 10 }
    key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
    if err != nil { return keys.CA{}, err }
    serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
    if err != nil { return keys.CA{}, err }
    now := time.Now()
    tmpl := &x509.Certificate{
        SerialNumber:          serial,
        Subject:               pkix.Name{CommonName: commonName},
        NotBefore:             now.Add(-time.Minute),
        NotAfter:              now.AddDate(years, 0, 0),
        KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
        BasicConstraintsValid: true,
        IsCA:                  true,
    }
    der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
    if err != nil { return keys.CA{}, err }
    kder, err := x509.MarshalECPrivateKey(key)
    if err != nil { return keys.CA{}, err }
    return keys.CA{
        Certificate: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
        Key:         string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: kder})),
    }, nil
}

var _ Provisioner = (*FileProvisioner)(nil)
