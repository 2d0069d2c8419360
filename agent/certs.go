package agent

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	caCommonName     = "ProcbridgeCA"
	clientCommonName = "procbridge-client"

	defaultCertValidity = 7 * 24 * time.Hour
)

// Cert file names written by WriteFiles.
const (
	CACertFile     = "ca.pem"
	ServerCertFile = "server.pem"
	ServerKeyFile  = "server-key.pem"
	ClientCertFile = "client.pem"
	ClientKeyFile  = "client-key.pem"
)

// Certs contains the certs and keys for mTLS between supervisors and agents.
// This contains the secrets necessary for authz, so handle carefully.
type Certs struct {
	CA     CACert
	Server Cert
	Client Cert
}

// Cert is a PEM-encoded key pair.
type Cert struct {
	CertPEMBytes []byte
	KeyPEMBytes  []byte
}

// CACert is the PEM-encoded CA. The signing key only exists in memory for certs generated in this process.
type CACert struct {
	Cert

	cert *x509.Certificate
	key  crypto.Signer
}

type certOptions struct {
	validity time.Duration
}

type CertOption func(*certOptions)

// WithValidity sets how long generated certs are valid for. Defaults to a week.
func WithValidity(d time.Duration) CertOption {
	return func(o *certOptions) {
		o.validity = d
	}
}

// GenerateCerts generates a CA and the server and client certs it signs.
func GenerateCerts(opts ...CertOption) (*Certs, error) {
	o := certOptions{validity: defaultCertValidity}
	for _, opt := range opts {
		opt(&o)
	}
	notBefore := time.Now()
	notAfter := notBefore.Add(o.validity)

	ca, err := issue(&x509.Certificate{
		Subject:               pkix.Name{CommonName: caCommonName},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("issuing CA cert: %w", err)
	}

	server, err := issue(&x509.Certificate{
		Subject:     pkix.Name{CommonName: serverName},
		DNSNames:    []string{serverName},
		NotBefore:   notBefore,
		NotAfter:    notAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}, &ca)
	if err != nil {
		return nil, fmt.Errorf("issuing server cert: %w", err)
	}

	client, err := issue(&x509.Certificate{
		Subject:     pkix.Name{CommonName: clientCommonName},
		NotBefore:   notBefore,
		NotAfter:    notAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}, &ca)
	if err != nil {
		return nil, fmt.Errorf("issuing client cert: %w", err)
	}

	return &Certs{CA: ca, Server: server.Cert, Client: client.Cert}, nil
}

// issue creates a fresh P-256 key and a cert for it from template, signed by parent.
// A nil parent self-signs.
func issue(template *x509.Certificate, parent *CACert) (CACert, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return CACert{}, fmt.Errorf("generating serial number: %w", err)
	}
	template.SerialNumber = serial

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return CACert{}, fmt.Errorf("generating key: %w", err)
	}

	signerCert, signerKey := template, crypto.Signer(key)
	if parent != nil {
		signerCert, signerKey = parent.cert, parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, template, signerCert, key.Public(), signerKey)
	if err != nil {
		return CACert{}, fmt.Errorf("creating cert: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return CACert{}, fmt.Errorf("parsing created cert: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return CACert{}, fmt.Errorf("marshaling key: %w", err)
	}
	return CACert{
		Cert: Cert{
			CertPEMBytes: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
			KeyPEMBytes:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
		},
		cert: cert,
		key:  key,
	}, nil
}

// WriteFiles writes the CA cert and the server and client key pairs into dir.
// The CA key is not written, so no more certs can be signed for this CA.
func (c *Certs) WriteFiles(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating cert dir: %w", err)
	}
	files := map[string][]byte{
		CACertFile:     c.CA.CertPEMBytes,
		ServerCertFile: c.Server.CertPEMBytes,
		ServerKeyFile:  c.Server.KeyPEMBytes,
		ClientCertFile: c.Client.CertPEMBytes,
		ClientKeyFile:  c.Client.KeyPEMBytes,
	}
	for name, b := range files {
		if err := os.WriteFile(filepath.Join(dir, name), b, 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}

// ReadClientCerts reads the CA cert and client key pair written by WriteFiles.
func ReadClientCerts(dir string) (*Certs, error) {
	var certs Certs
	for name, dst := range map[string]*[]byte{
		CACertFile:     &certs.CA.CertPEMBytes,
		ClientCertFile: &certs.Client.CertPEMBytes,
		ClientKeyFile:  &certs.Client.KeyPEMBytes,
	} {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		*dst = b
	}
	// fail here rather than on the first dial
	if _, err := ClientTLSConfig(certs.CA.CertPEMBytes, certs.Client.CertPEMBytes, certs.Client.KeyPEMBytes); err != nil {
		return nil, fmt.Errorf("loading certs from %s: %w", dir, err)
	}
	return &certs, nil
}
