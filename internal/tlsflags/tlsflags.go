// Package tlsflags loads the mTLS material shared by the example binaries.
package tlsflags

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

type Files struct {
	Cert string
	Key  string
	CA   string
}

// Register adds `--tls-cert`, `--tls-key` and `--tls-ca` to `fs`.
func Register(fs *pflag.FlagSet) *Files {
	f := &Files{}
	fs.StringVar(&f.Cert, "tls-cert", "", "certificate presented to peers")
	fs.StringVar(&f.Key, "tls-key", "", "private key of --tls-cert")
	fs.StringVar(&f.CA, "tls-ca", "", "CA bundle used to verify peers")
	return f
}

// Load builds a configuration usable both to serve and to dial.
func (f *Files) Load() (*tls.Config, error) {
	if f.CA == "" || f.Cert == "" || f.Key == "" {
		return nil, errors.New("all tls option must be provided")
	}

	keypair, err := tls.LoadX509KeyPair(f.Cert, f.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to load cert: %w", err)
	}

	caBytes, err := os.ReadFile(f.CA)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA: %w", err)
	}

	caBundle := x509.NewCertPool()
	if !caBundle.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("no certificate found in %s", f.CA)
	}

	return &tls.Config{
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caBundle,
		Certificates: []tls.Certificate{keypair},
		RootCAs:      caBundle,
	}, nil
}
