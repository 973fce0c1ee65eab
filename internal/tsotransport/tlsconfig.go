package tsotransport

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// GenerateSelfSignedTLSConfig produces a server TLS config and the matching
// client cert pool for one TSO process, grounded on the teacher's
// generateTLSConfig (core/replication/eventsender/stream.go): QUIC requires
// TLS, and the cluster has no external CA to issue from.
func GenerateSelfSignedTLSConfig(dnsNames []string) (serverConf *tls.Config, clientConf *tls.Config, err error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("tsotransport: generate key: %w", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"k23si"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     dnsNames,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("tsotransport: create certificate: %w", err)
	}
	leafCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, fmt.Errorf("tsotransport: parse certificate: %w", err)
	}

	serverConf = &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{certDER}, PrivateKey: key, Leaf: leafCert}},
		NextProtos:   []string{"h3"},
	}

	pool := x509.NewCertPool()
	pool.AddCert(leafCert)
	clientConf = &tls.Config{RootCAs: pool, NextProtos: []string{"h3"}}
	return serverConf, clientConf, nil
}
