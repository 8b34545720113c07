package plc

import (
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// loadCAPool reads a PEM-encoded CA bundle from path, for driver TLS
// configs that authenticate the PLC endpoint's server certificate.
func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("plc: no certificates found in %s", path)
	}
	return pool, nil
}

// serverNameFromEndpoint strips a trailing :port from a host:port endpoint
// string, for use as a TLS ServerName.
func serverNameFromEndpoint(endpoint string) string {
	if i := strings.LastIndex(endpoint, ":"); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}
