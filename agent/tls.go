package agent

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
)

// ClientTLSConfig is the config a supervisor uses to reach an agent: it trusts only caCertPEM
// and presents the client key pair.
func ClientTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	pool, cert, err := loadTLSMaterial(caCertPEM, certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ServerName:   serverName,
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// ServerTLSConfig is the agent's config. Clients must present a cert signed by caCertPEM.
func ServerTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	pool, cert, err := loadTLSMaterial(caCertPEM, certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}, nil
}

func loadTLSMaterial(caCertPEM, certPEM, keyPEM []byte) (*x509.CertPool, tls.Certificate, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCertPEM) {
		return nil, tls.Certificate{}, errors.New("no CA certificate found in PEM")
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, tls.Certificate{}, fmt.Errorf("parsing key pair: %w", err)
	}
	return pool, cert, nil
}
