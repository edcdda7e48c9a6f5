package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/DivinityQQ/iaq-monitor-server/internal/logging"
)

const selfSignedValidity = 2 * 365 * 24 * time.Hour

// loadTLSConfig builds the server's TLS configuration. Configured
// certificate files take priority; with no files configured a
// self-signed certificate is generated so HTTPS stays available on
// devices that were never provisioned with one.
func loadTLSConfig(certPath, keyPath, host string) (*tls.Config, error) {
	if certPath != "" && keyPath != "" {
		return newTLSConfigFromFiles(certPath, keyPath)
	}
	return newSelfSignedTLSConfig(host)
}

// newTLSConfigFromFiles loads a certificate and key pair from disk.
func newTLSConfigFromFiles(certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	logging.Info("TLS configuration created from files",
		zap.String("cert", certPath),
		zap.String("key", keyPath),
	)

	return buildTLSConfig(cert), nil
}

// newSelfSignedTLSConfig generates an in-memory self-signed certificate
// for the given host. Monitoring clients on the local network are
// expected to pin or accept it explicitly.
func newSelfSignedTLSConfig(host string) (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate TLS key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "iaq-monitor",
			Organization: []string{"IAQ Monitor"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(selfSignedValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"iaq-monitor.local", "localhost"},
	}
	if host != "" {
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, host)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create self-signed certificate: %w", err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}

	logging.Info("TLS configuration created from self-signed certificate",
		zap.String("common_name", template.Subject.CommonName),
		zap.Time("not_after", template.NotAfter),
	)

	return buildTLSConfig(cert), nil
}

func buildTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
}
