// Package ca implements the MITM root certificate authority: root
// generation/loading, per-host leaf issuance, and CRL maintenance.
package ca

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	"rangeproxy/internal/cache"
	"rangeproxy/internal/errkind"
	"rangeproxy/internal/util"
)

const (
	rootCommonName = "DO NOT TRUST multithread_downloading_proxy"
	rootValidity   = 365 * 24 * time.Hour
	leafValidity   = 90 * 24 * time.Hour
)

// LeafKeyMode controls whether issued leaves reuse the root's key pair
// (matching the inherited behavior of the system this proxy replaces) or
// are issued with a fresh key per leaf.
type LeafKeyMode int

const (
	LeafKeyShared LeafKeyMode = iota
	LeafKeyFresh
)

func ParseLeafKeyMode(s string) LeafKeyMode {
	if strings.EqualFold(s, "fresh") {
		return LeafKeyFresh
	}
	return LeafKeyShared
}

// Authority loads or generates the root CA and issues/memoizes leaf certs.
type Authority struct {
	certPath string
	keyPath  string
	crlPath  string

	crlHost string
	crlPort int

	alwaysAppend []string
	leafKeyMode  LeafKeyMode

	store *cache.Store

	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey
}

// Options configures a new Authority.
type Options struct {
	CertPath     string
	KeyPath      string
	CRLPath      string
	CRLHost      string
	CRLPort      int
	AlwaysAppend []string
	LeafKeyMode  LeafKeyMode
	Store        *cache.Store
}

// Load reads an existing root cert+key from disk. It returns a fatal-kind
// error if either file is missing — a separate admin command must generate
// the root first.
func Load(opts Options) (*Authority, error) {
	a := &Authority{
		certPath:     opts.CertPath,
		keyPath:      opts.KeyPath,
		crlPath:      opts.CRLPath,
		crlHost:      opts.CRLHost,
		crlPort:      opts.CRLPort,
		alwaysAppend: opts.AlwaysAppend,
		leafKeyMode:  opts.LeafKeyMode,
		store:        opts.Store,
	}
	certBytes, err := os.ReadFile(a.certPath)
	if err != nil {
		return nil, errkind.Wrap(errkind.Fatal, fmt.Errorf("CA certificate not found at %s: %w", a.certPath, err))
	}
	keyBytes, err := os.ReadFile(a.keyPath)
	if err != nil {
		return nil, errkind.Wrap(errkind.Fatal, fmt.Errorf("CA key not found at %s: %w", a.keyPath, err))
	}
	cert, err := parseCertPEM(certBytes)
	if err != nil {
		return nil, errkind.Wrap(errkind.Fatal, err)
	}
	key, err := parseKeyPEM(keyBytes)
	if err != nil {
		return nil, errkind.Wrap(errkind.Fatal, err)
	}
	a.rootCert = cert
	a.rootKey = key
	return a, nil
}

// Exists reports whether both root files are present on disk.
func Exists(opts Options) bool {
	if _, err := os.Stat(opts.CertPath); err != nil {
		return false
	}
	if _, err := os.Stat(opts.KeyPath); err != nil {
		return false
	}
	return true
}

// Generate creates a new root key+cert, writes them to disk, and produces
// an initial empty CRL. It refuses to overwrite an existing root.
func Generate(opts Options) (*Authority, error) {
	if Exists(opts) {
		return nil, fmt.Errorf("CA certificate already exists at %s", opts.CertPath)
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}
	subject := pkix.Name{CommonName: rootCommonName}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          randomSerial(),
		Subject:               subject,
		Issuer:                subject,
		NotBefore:             now,
		NotAfter:              now.Add(rootValidity),
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse generated CA certificate: %w", err)
	}

	if err := writePEM(opts.KeyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key)); err != nil {
		return nil, err
	}
	if err := writePEM(opts.CertPath, "CERTIFICATE", der); err != nil {
		return nil, err
	}

	a := &Authority{
		certPath:     opts.CertPath,
		keyPath:      opts.KeyPath,
		crlPath:      opts.CRLPath,
		crlHost:      opts.CRLHost,
		crlPort:      opts.CRLPort,
		alwaysAppend: opts.AlwaysAppend,
		leafKeyMode:  opts.LeafKeyMode,
		store:        opts.Store,
		rootCert:     cert,
		rootKey:      key,
	}
	if err := a.generateCRL(); err != nil {
		return nil, err
	}
	return a, nil
}

// generateCRL writes an empty CRL signed by the root, valid for 365 days.
func (a *Authority) generateCRL() error {
	now := time.Now()
	tmpl := &x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: now,
		NextUpdate: now.Add(rootValidity),
	}
	der, err := x509.CreateRevocationList(rand.Reader, tmpl, a.rootCert, a.rootKey)
	if err != nil {
		return fmt.Errorf("create CRL: %w", err)
	}
	return writePEM(a.crlPath, "X509 CRL", der)
}

// CRLPath returns the path to the CRL file served by the CRL HTTP server.
func (a *Authority) CRLPath() string { return a.crlPath }

// Fingerprint returns the SHA-256 fingerprint of the root certificate.
func (a *Authority) Fingerprint() string {
	return fingerprintHex(a.rootCert.Raw)
}

// Expiry returns the root certificate's expiry time.
func (a *Authority) Expiry() time.Time { return a.rootCert.NotAfter }

// RootCertDER returns the DER bytes of the root certificate, for callers
// that need to embed it outside the PEM files on disk (e.g. a JKS
// truststore for Gradle).
func (a *Authority) RootCertDER() []byte { return a.rootCert.Raw }

// IssueLeaf returns a TLS certificate (cert + private key) usable to
// terminate connections for baseDomain. sans is the caller-observed SAN
// list (typically {baseDomain, "*."+baseDomain}); the always-append list
// from config is unioned in. Results are memoized in the cache store.
func (a *Authority) IssueLeaf(baseDomain string, sans []string) (certPEM, keyPEM []byte, err error) {
	domains := unionAppend(sans, a.alwaysAppend)
	cacheKey := baseDomain + ":" + strings.Join(domains, ",")

	if a.store != nil {
		if blob, ok := a.store.LookupBytes(cache.KindCert, cacheKey); ok {
			certPart, keyPart, splitErr := splitLeafBlob(blob)
			if splitErr == nil {
				return certPart, keyPart, nil
			}
		}
	}

	leafKey := a.rootKey
	if a.leafKeyMode == LeafKeyFresh {
		fresh, genErr := rsa.GenerateKey(rand.Reader, 2048)
		if genErr != nil {
			return nil, nil, errkind.Wrap(errkind.TLS, fmt.Errorf("generate leaf key: %w", genErr))
		}
		leafKey = fresh
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: randomSerial(),
		Subject:      pkix.Name{CommonName: baseDomain},
		NotBefore:    now,
		NotAfter:     now.Add(leafValidity),
		DNSNames:     domains,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		CRLDistributionPoints: []string{
			fmt.Sprintf("http://%s:%d/crl.pem", a.crlHost, a.crlPort),
		},
		BasicConstraintsValid: true,
		IsCA:                  false,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, a.rootCert, &leafKey.PublicKey, a.rootKey)
	if err != nil {
		return nil, nil, errkind.Wrap(errkind.TLS, fmt.Errorf("issue leaf certificate: %w", err))
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(leafKey)})

	if a.store != nil {
		blob := joinLeafBlob(certPEM, keyPEM)
		if _, storeErr := a.store.Store(cache.KindCert, cacheKey, blob); storeErr != nil {
			// Non-fatal: the leaf is still usable this once, just not memoized.
			_ = storeErr
		}
	}
	return certPEM, keyPEM, nil
}

// unionAppend returns domains with always-append entries added, de-duplicated,
// preserving the caller's order and appending a sorted, deterministic tail.
func unionAppend(domains, alwaysAppend []string) []string {
	seen := make(map[string]bool, len(domains)+len(alwaysAppend))
	out := make([]string, 0, len(domains)+len(alwaysAppend))
	for _, d := range domains {
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	tail := make([]string, 0, len(alwaysAppend))
	for _, d := range alwaysAppend {
		if seen[d] {
			continue
		}
		seen[d] = true
		tail = append(tail, d)
	}
	sort.Strings(tail)
	return append(out, tail...)
}

func fingerprintHex(der []byte) string {
	sum, err := util.HashReaderSHA256(bytes.NewReader(der))
	if err != nil {
		// bytes.Reader never fails to read.
		panic(err)
	}
	return sum
}

func randomSerial() *big.Int {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return big.NewInt(time.Now().UnixNano())
	}
	return n
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: der})
}

func parseCertPEM(b []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in certificate file")
	}
	return x509.ParseCertificate(block.Bytes)
}

func parseKeyPEM(b []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in key file")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("CA private key is not RSA")
	}
	return rsaKey, nil
}

// joinLeafBlob/splitLeafBlob pack cert+key PEM into one cache blob so the
// existing (kind,name)->single-blob cache API can memoize leaf material.
const leafBlobSep = "\n-----RANGEPROXY-LEAF-SPLIT-----\n"

func joinLeafBlob(certPEM, keyPEM []byte) []byte {
	return []byte(string(certPEM) + leafBlobSep + string(keyPEM))
}

func splitLeafBlob(blob []byte) (certPEM, keyPEM []byte, err error) {
	parts := strings.SplitN(string(blob), leafBlobSep, 2)
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("malformed cached leaf blob")
	}
	return []byte(parts[0]), []byte(parts[1]), nil
}
