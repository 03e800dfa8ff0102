// Package certs loads the client certificate material the agent presents to
// the collector.
package certs

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"
)

// ClientFiles names the PEM files of an mTLS client identity. CAPath is
// optional; the system roots verify the collector without it.
type ClientFiles struct {
	CertPath string
	KeyPath  string
	CAPath   string
}

// TLSConfig builds a client configuration that presents the certificate and
// expects the collector at collectorURL to present a name matching its host.
func (f ClientFiles) TLSConfig(collectorURL string) (*tls.Config, error) {
	if f.CertPath == "" || f.KeyPath == "" {
		return nil, errors.New("client certificate and key paths must be provided")
	}
	u, err := url.Parse(collectorURL)
	if err != nil {
		return nil, fmt.Errorf("parse collector URL: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("collector URL %q has no host", collectorURL)
	}

	pair, err := tls.LoadX509KeyPair(f.CertPath, f.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load client key pair: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
		ServerName:   host,
		NextProtos:   []string{"h2", "http/1.1"},
	}
	if f.CAPath == "" {
		return cfg, nil
	}
	bundle, err := os.ReadFile(f.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	cfg.RootCAs = x509.NewCertPool()
	if !cfg.RootCAs.AppendCertsFromPEM(bundle) {
		return nil, fmt.Errorf("CA bundle %q has no certificates", f.CAPath)
	}
	return cfg, nil
}

// Expiry reports when the leaf certificate in CertPath stops being valid.
// Non-certificate PEM blocks ahead of it are skipped.
func (f ClientFiles) Expiry() (time.Time, error) {
	if f.CertPath == "" {
		return time.Time{}, errors.New("certificate path is empty")
	}
	rest, err := os.ReadFile(f.CertPath)
	if err != nil {
		return time.Time{}, fmt.Errorf("read certificate: %w", err)
	}
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return time.Time{}, fmt.Errorf("no certificate found in %q", f.CertPath)
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		leaf, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse certificate: %w", err)
		}
		return leaf.NotAfter, nil
	}
}
