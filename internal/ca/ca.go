// Package ca implements the certification authority capability: a
// self-signed root created at startup that signs station CSRs into
// short-lived operational certificates.
package ca

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/pkg/errors"

	"csms/internal/logger"
)

// Authority signs a PEM-encoded CSR into a DER certificate chain, leaf
// first. Implementations may be slow; callers delegate asynchronously.
type Authority interface {
	Sign(ctx context.Context, csrPEM []byte) ([][]byte, error)
}

// SelfSigned is an EC P-256 root authority generated in memory at startup.
type SelfSigned struct {
	key     *ecdsa.PrivateKey
	cert    *x509.Certificate
	certDER []byte
	certTTL time.Duration
}

// NewSelfSigned generates the root key pair and self-signed root
// certificate. certTTL is the validity of issued leaf certificates.
func NewSelfSigned(commonName string, certTTL time.Duration) (*SelfSigned, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate root key")
	}

	serial, err := newSerial()
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: commonName,
			Country:    []string{"US"},
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, errors.Wrap(err, "create root certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "parse root certificate")
	}

	logger.CaLog.Infof("root authority ready: CN=%s serial=%s", commonName, serial)
	return &SelfSigned{key: key, cert: cert, certDER: der, certTTL: certTTL}, nil
}

// Sign parses the CSR, verifies its self-signature, and issues a leaf
// certificate chained to the root. Returns leaf DER then root DER.
func (s *SelfSigned) Sign(ctx context.Context, csrPEM []byte) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, errors.New("csr is not a PEM certificate request")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parse csr")
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, errors.Wrap(err, "csr signature check")
	}

	serial, err := newSerial()
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(s.certTTL),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	leafDER, err := x509.CreateCertificate(rand.Reader, template, s.cert, csr.PublicKey, s.key)
	if err != nil {
		return nil, errors.Wrap(err, "sign csr")
	}

	logger.CaLog.Infof("issued certificate: subject=%q serial=%s", csr.Subject.CommonName, serial)
	return [][]byte{leafDER, s.certDER}, nil
}

// RootPEM returns the root certificate PEM for operators.
func (s *SelfSigned) RootPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.certDER})
}

func newSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, errors.Wrap(err, "allocate serial")
	}
	return serial, nil
}
