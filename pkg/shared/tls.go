package shared

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

// TLSConfigOptions holds configuration options for TLS certificate generation
type TLSConfigOptions struct {
	Organization string
	DNSNames     []string
	IPAddresses  []net.IP
	NextProtos   []string
}

// GenerateTLSConfig generates a TLS configuration with a self-signed certificate.
// Used by the QUIC listener when no certificate files are configured.
func GenerateTLSConfig(opts TLSConfigOptions) (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, TLSKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	if opts.Organization == "" {
		opts.Organization = "geotunnel"
	}
	if len(opts.IPAddresses) == 0 {
		opts.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1)}
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{opts.Organization},
		},
		NotBefore:   time.Now().Add(-time.Minute),
		NotAfter:    time.Now().Add(CertValidityPeriod),
		KeyUsage:    x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses: opts.IPAddresses,
		DNSNames:    opts.DNSNames,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{certDER}, PrivateKey: key}},
		NextProtos:   opts.NextProtos,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// LoadServerTLSConfig loads a PEM certificate chain and private key.
func LoadServerTLSConfig(certPath, keyPath string, nextProtos ...string) (*tls.Config, error) {
	if certPath == "" || keyPath == "" {
		return nil, fmt.Errorf("both certificate and key paths are required")
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load key pair %s/%s: %w", certPath, keyPath, err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   nextProtos,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLSConfig builds the dialing side. insecure skips certificate
// verification, for self-signed servers.
func ClientTLSConfig(serverName string, insecure bool, nextProtos ...string) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecure,
		NextProtos:         nextProtos,
		MinVersion:         tls.VersionTLS12,
	}
}
