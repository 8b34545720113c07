package mqttsession

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// BuildClientTLS constructs a TLS 1.2+ client config for the MQTT broker
// connection. caFile is optional (when empty, RootCAs stays nil and the
// system roots are used); certFile/keyFile are optional (present when the
// broker requires mutual TLS).
func BuildClientTLS(caFile, certFile, keyFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if caFile != "" {
		caData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("mqttsession: read CA file %q: %w", caFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caData) {
			return nil, fmt.Errorf("mqttsession: failed to parse CA certificate from %q", caFile)
		}
		cfg.RootCAs = pool
	}

	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("mqttsession: load client cert/key: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
