// Package tls builds the HTTPS configuration of the API server, optionally
// generating a self-signed certificate on first start.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// Config is the [server.tls] section.
type Config struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	// Dir holds tls.crt and tls.key when CertFile/KeyFile are unset.
	Dir          string `mapstructure:"dir"`
	AutoGenerate bool   `mapstructure:"auto_generate"`
	MinVersion   string `mapstructure:"min_version"`
	MaxVersion   string `mapstructure:"max_version"`

	CommonName  string   `mapstructure:"common_name"`
	DNSNames    []string `mapstructure:"dns_names"`
	IPAddresses []string `mapstructure:"ip_addresses"`
	ValidDays   int      `mapstructure:"valid_days"`
}

func parseTLSVersion(ver string) (uint16, bool) {
	switch strings.ToLower(ver) {
	case "", "default":
		return tls.VersionTLS13, false
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// Validate reports a bad version string or a missing certificate source.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	for _, v := range []string{c.MinVersion, c.MaxVersion} {
		if _, ok := parseTLSVersion(v); !ok && v != "" && !strings.EqualFold(v, "default") {
			errs = append(errs, fmt.Errorf("tls: unknown version %q", v))
		}
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		errs = append(errs, errors.New("tls: cert_file and key_file must be set together"))
	}
	if c.CertFile == "" && c.Dir == "" {
		errs = append(errs, errors.New("tls: cert_file/key_file or dir required"))
	}
	return errors.Join(errs...)
}

func (c Config) versions() (minVer, maxVer uint16) {
	minVer, maxVer = tls.VersionTLS13, tls.VersionTLS13
	if v, ok := parseTLSVersion(c.MinVersion); ok {
		minVer = v
	}
	if v, ok := parseTLSVersion(c.MaxVersion); ok {
		maxVer = v
	}
	if maxVer < minVer {
		maxVer = minVer
	}
	return minVer, maxVer
}

// Paths returns the certificate and key files the server will load.
func (c Config) Paths() (certPath, keyPath string) {
	if c.CertFile != "" && c.KeyFile != "" {
		return c.CertFile, c.KeyFile
	}
	return filepath.Join(c.Dir, tlsCrt), filepath.Join(c.Dir, tlsKey)
}

// getCertificationFunc reloads the key pair on every handshake so rotated
// files are picked up without a restart.
func getCertificationFunc(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		certificate, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
		if err != nil {
			return nil, err
		}
		return &certificate, nil
	}
}

// Setup returns nil, nil when TLS is disabled.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	certPath, keyPath := c.Paths()
	if c.CertFile == "" && c.AutoGenerate && !certificatesExist(certPath, keyPath) {
		if err := generateCertificate(c); err != nil {
			return nil, fmt.Errorf("tls: certificate generation failed: %w", err)
		}
	}
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	minVer, maxVer := c.versions()
	// #nosec G402 -- minimum version is operator controlled and never below 1.2
	return &tls.Config{
		GetCertificate: getCertificationFunc(certPath, keyPath),
		MinVersion:     minVer,
		MaxVersion:     maxVer,
	}, nil
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func orDefault[T any](v []T, def []T) []T {
	if len(v) == 0 {
		return def
	}
	return v
}

func generateCertificate(c Config) error {
	if err := os.MkdirAll(c.Dir, 0o750); err != nil {
		return err
	}
	cn := c.CommonName
	if cn == "" {
		cn = "localhost"
	}
	days := c.ValidDays
	if days <= 0 {
		days = 365 * 5
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   cn,
		Organization: "appstack",
		DNSNames:     orDefault(c.DNSNames, []string{"localhost"}),
		IPAddresses:  orDefault(c.IPAddresses, []string{"127.0.0.1", "::1"}),
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     filepath.Join(c.Dir, tlsCrt),
		KeyPath:      filepath.Join(c.Dir, tlsKey),
		CACertPath:   filepath.Join(c.Dir, tlsCaCrt),
	})
}
