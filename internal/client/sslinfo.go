package client

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"strings"
	"time"
)

// Cipher describes the negotiated cipher suite.
type Cipher struct {
	Name    string
	Bits    int
	Version string
}

// SSLInfo is a snapshot of one TLS handshake.
type SSLInfo struct {
	Certificates []*x509.Certificate
	Cipher       Cipher
	ALPN         string
}

func newSSLInfo(state tls.ConnectionState) *SSLInfo {
	name := tls.CipherSuiteName(state.CipherSuite)
	return &SSLInfo{
		Certificates: state.PeerCertificates,
		Cipher: Cipher{
			Name:    name,
			Bits:    cipherBits(name),
			Version: tlsVersionString(state.Version),
		},
		ALPN: state.NegotiatedProtocol,
	}
}

// cipherBits derives the symmetric key size from a suite name.
func cipherBits(name string) int {
	switch {
	case strings.Contains(name, "AES_256"), strings.Contains(name, "CHACHA20"):
		return 256
	case strings.Contains(name, "3DES"):
		return 168
	case strings.Contains(name, "AES_128"), strings.Contains(name, "RC4_128"):
		return 128
	default:
		return 0
	}
}

func tlsVersionString(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLS 1.0"
	case tls.VersionTLS11:
		return "TLS 1.1"
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	default:
		return fmt.Sprintf("Unknown (0x%04x)", version)
	}
}

var attributeNames = map[string]string{
	"2.5.4.3":  "CN",
	"2.5.4.5":  "SERIALNUMBER",
	"2.5.4.6":  "C",
	"2.5.4.7":  "L",
	"2.5.4.8":  "ST",
	"2.5.4.9":  "STREET",
	"2.5.4.10": "O",
	"2.5.4.11": "OU",
}

func writeName(b *strings.Builder, label string, name pkix.Name) {
	fmt.Fprintf(b, "\t%s:\n", label)
	for _, atv := range name.Names {
		oid := atv.Type.String()
		if short, ok := attributeNames[oid]; ok {
			oid = short
		}
		fmt.Fprintf(b, "\t\t%s=%v\n", oid, atv.Value)
	}
}

func publicKey(cert *x509.Certificate) (int, string) {
	switch k := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		return k.N.BitLen(), "RSA"
	case *ecdsa.PublicKey:
		return k.Curve.Params().BitSize, "ECDSA"
	case ed25519.PublicKey:
		return 256, "Ed25519"
	default:
		return 0, cert.PublicKeyAlgorithm.String()
	}
}

func altNames(cert *x509.Certificate) []string {
	names := append([]string(nil), cert.DNSNames...)
	for _, ip := range cert.IPAddresses {
		names = append(names, ip.String())
	}
	names = append(names, cert.EmailAddresses...)
	for _, u := range cert.URIs {
		names = append(names, u.String())
	}
	return names
}

// String formats the negotiated parameters and every certificate of the
// chain, leaf first.
func (s *SSLInfo) String() string {
	var b strings.Builder
	alpn := s.ALPN
	if alpn == "" {
		alpn = "none"
	}
	fmt.Fprintf(&b, "Application Layer Protocol: %s\n", alpn)
	fmt.Fprintf(&b, "Cipher: %s, %d bit, %s\n", s.Cipher.Name, s.Cipher.Bits, s.Cipher.Version)
	b.WriteString("SSL certificate chain:\n")
	for i, cert := range s.Certificates {
		if i > 0 {
			b.WriteString("\t--\n")
		}
		writeName(&b, "Subject", cert.Subject)
		writeName(&b, "Issuer", cert.Issuer)
		fmt.Fprintf(&b, "\tVersion: %d\n", cert.Version)
		fmt.Fprintf(&b, "\tValidity: %s - %s\n", cert.NotBefore.Format(time.RFC3339), cert.NotAfter.Format(time.RFC3339))
		fmt.Fprintf(&b, "\tSerial: %s\n", cert.SerialNumber)
		fmt.Fprintf(&b, "\tAlgorithm: %s\n", cert.SignatureAlgorithm)
		bits, kind := publicKey(cert)
		fmt.Fprintf(&b, "\tPubkey: %d bit %s\n", bits, kind)
		if names := altNames(cert); len(names) > 0 {
			fmt.Fprintf(&b, "\tSANs: %s\n", strings.Join(names, " "))
		}
		fmt.Fprintf(&b, "\tSHA256 Fingerprint: %X\n", sha256.Sum256(cert.Raw))
	}
	return strings.TrimRight(b.String(), "\n")
}
