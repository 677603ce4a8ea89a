package credential_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/trustline/credential"
	"github.com/jmcleod/trustline/oid"
)

func ecKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func selfSigned(t *testing.T, key *ecdsa.PrivateKey, cn string) *x509.Certificate {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"b.example.com", "a.example.com"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestValidateName(t *testing.T) {
	name, err := credential.ValidateName("Agent.Example.COM")
	require.NoError(t, err)
	assert.Equal(t, "agent.example.com", name)

	for _, bad := range []string{"", "a/b", "../etc", "tab\there", "caf\u00e9"} {
		_, err := credential.ValidateName(bad)
		assert.ErrorIs(t, err, credential.ErrInvalidName, bad)
	}
}

func TestDigest(t *testing.T) {
	fp, err := credential.Digest("SHA256", []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "BA:78:16:BF:8F:01:CF:EA:41:41:40:DE:5D:AE:22:23:B0:03:61:A3:96:17:7A:9C:B4:10:FF:61:F2:00:15:AD", fp)

	fp, err = credential.Digest("sha1", []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "A9:99:3E:36:47:06:81:6A:BA:3E:25:71:78:50:C2:6C:9C:D0:D8:9D", fp)

	_, err = credential.Digest("md4", nil)
	assert.ErrorIs(t, err, credential.ErrUnsupportedDigest)
}

func TestCertificateBundleRoundTrip(t *testing.T) {
	a := selfSigned(t, ecKey(t), "root-a")
	b := selfSigned(t, ecKey(t), "root-b")

	data := credential.EncodeCertificates([]*x509.Certificate{a, b})
	certs, err := credential.ParseCertificates(data)
	require.NoError(t, err)
	require.Len(t, certs, 2)
	assert.Equal(t, "root-a", certs[0].Subject.CommonName)
	assert.Equal(t, "root-b", certs[1].Subject.CommonName)

	_, err = credential.ParseCertificates([]byte("not pem"))
	assert.ErrorIs(t, err, credential.ErrInvalidCertificatePEM)
	_, err = credential.ParseCRLs(data)
	assert.ErrorIs(t, err, credential.ErrInvalidCRLPEM)
}

func TestCRLWrapper(t *testing.T) {
	key := ecKey(t)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCRLSign | x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	require.NoError(t, err)
	ca, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	crlDER, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:     big.NewInt(3),
		ThisUpdate: time.Now().Add(-time.Second),
		NextUpdate: time.Now().Add(time.Hour),
		RevokedCertificateEntries: []x509.RevocationListEntry{
			{SerialNumber: big.NewInt(7), RevocationTime: time.Now(), ReasonCode: 1},
		},
	}, ca, key)
	require.NoError(t, err)
	parsed, err := x509.ParseRevocationList(crlDER)
	require.NoError(t, err)

	pemData := credential.EncodeCRLs([]*x509.RevocationList{parsed})
	crl, err := credential.ParseCRL(pemData)
	require.NoError(t, err)
	assert.Equal(t, int64(3), crl.Number().Int64())
	assert.True(t, crl.IsRevoked(big.NewInt(7)))
	assert.False(t, crl.IsRevoked(big.NewInt(8)))
	assert.Equal(t, "ca", crl.Issuer().CommonName)
	assert.Len(t, crl.Revoked(), 1)
	assert.Equal(t, pemData, crl.PEM())
}

func TestPrivateKeyRoundTrip(t *testing.T) {
	key, err := credential.GenerateKey(credential.KeySpec{Type: credential.KeyTypeEC, Curve: "secp384r1"})
	require.NoError(t, err)
	ec, ok := key.(*ecdsa.PrivateKey)
	require.True(t, ok)
	assert.Equal(t, elliptic.P384(), ec.Curve)

	plain, err := credential.EncodePrivateKey(key, nil)
	require.NoError(t, err)
	assert.Contains(t, string(plain), "BEGIN EC PRIVATE KEY")
	parsed, err := credential.ParsePrivateKey(plain, nil)
	require.NoError(t, err)
	assert.True(t, credential.PublicKeysEqual(key.Public(), parsed.Public()))

	enc, err := credential.EncodePrivateKey(key, []byte("s3cr\u00e9t"))
	require.NoError(t, err)
	assert.Contains(t, string(enc), "BEGIN ENCRYPTED PRIVATE KEY")

	// NFKD normalization makes composed and decomposed passwords equivalent.
	parsed, err = credential.ParsePrivateKey(enc, []byte("s3cre\u0301t"))
	require.NoError(t, err)
	assert.True(t, credential.PublicKeysEqual(key.Public(), parsed.Public()))

	_, err = credential.ParsePrivateKey(enc, []byte("wrong"))
	assert.ErrorIs(t, err, credential.ErrIncorrectPassword)
	_, err = credential.ParsePrivateKey(enc, nil)
	assert.ErrorIs(t, err, credential.ErrIncorrectPassword)
}

func TestRSAKeyEncoding(t *testing.T) {
	key, err := credential.GenerateKey(credential.KeySpec{Type: credential.KeyTypeRSA, Bits: 2048})
	require.NoError(t, err)
	_, ok := key.(*rsa.PrivateKey)
	require.True(t, ok)

	data, err := credential.EncodePrivateKey(key, nil)
	require.NoError(t, err)
	assert.Contains(t, string(data), "BEGIN RSA PRIVATE KEY")
	parsed, err := credential.ParsePrivateKey(data, nil)
	require.NoError(t, err)
	assert.True(t, credential.PublicKeysEqual(key.Public(), parsed.Public()))
}

func TestGenerateKeyRejectsUnknownTypes(t *testing.T) {
	_, err := credential.GenerateKey(credential.KeySpec{Type: "dsa"})
	assert.ErrorIs(t, err, credential.ErrUnsupportedKey)
	_, err = credential.GenerateKey(credential.KeySpec{Type: credential.KeyTypeEC, Curve: "brainpool"})
	assert.ErrorIs(t, err, credential.ErrUnsupportedKey)
}

func TestNewRequest(t *testing.T) {
	key := ecKey(t)
	req, err := credential.NewRequest("agent.example.com", key, credential.RequestOptions{
		DNSAltNames: []string{"puppet", "IP:192.0.2.10"},
		CustomAttributes: map[string]string{
			"challengePassword":       "342thbjkt82094y0uthhor289jnqthpc2290",
			"1.3.6.1.4.1.34380.1.2.9": "opaque",
		},
		ExtensionRequests: map[string]string{
			"pp_uuid":                 "ED803750-E3C7-44F5-BB08-41A04433FE2E",
			"1.3.6.1.4.1.34380.1.2.1": "private value",
		},
		Registry: oid.NewRegistry(),
	})
	require.NoError(t, err)

	assert.Equal(t, "agent.example.com", req.Name())
	require.NoError(t, req.Verify(key.Public()))
	assert.Error(t, req.Verify(ecKey(t).Public()))

	assert.Equal(t, []string{"DNS:agent.example.com", "DNS:puppet", "IP:192.0.2.10"}, req.SubjectAltNames())

	exts := map[string]credential.Extension{}
	for _, e := range req.RequestExtensions() {
		exts[e.Name] = e
	}
	require.Contains(t, exts, "subjectAltName")
	require.Contains(t, exts, "pp_uuid")
	assert.Equal(t, "ED803750-E3C7-44F5-BB08-41A04433FE2E", exts["pp_uuid"].StringValue())
	assert.Equal(t, "private value", exts["1.3.6.1.4.1.34380.1.2.1"].StringValue())

	attrs, err := req.CustomAttributes()
	require.NoError(t, err)
	got := map[string]string{}
	for _, a := range attrs {
		got[a.Name] = a.Value
	}
	assert.Equal(t, map[string]string{
		"challengePassword":       "342thbjkt82094y0uthhor289jnqthpc2290",
		"1.3.6.1.4.1.34380.1.2.9": "opaque",
	}, got)

	parsed, err := credential.ParseRequest(req.PEM())
	require.NoError(t, err)
	assert.Equal(t, req.DER(), parsed.DER())
}

func TestNewRequestWithRSAKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	req, err := credential.NewRequest("rsa.example.com", key, credential.RequestOptions{})
	require.NoError(t, err)
	require.NoError(t, req.Verify(key.Public()))
	assert.Empty(t, req.SubjectAltNames())
	assert.Empty(t, req.RequestExtensions())
}

func TestNewRequestRejectsReservedAttributes(t *testing.T) {
	for _, name := range []string{"extReq", "1.2.840.113549.1.9.14", "msExtReq", "1.3.6.1.4.1.311.2.1.14"} {
		_, err := credential.NewRequest("agent", ecKey(t), credential.RequestOptions{
			CustomAttributes: map[string]string{name: "x"},
		})
		assert.ErrorIs(t, err, credential.ErrReservedAttribute, name)
	}
}

func TestCertificateWrapper(t *testing.T) {
	cert := credential.NewCertificate(selfSigned(t, ecKey(t), "host.example.com"))
	assert.Equal(t, "host.example.com", cert.Name())
	assert.Equal(t, []string{"DNS:a.example.com", "DNS:b.example.com"}, cert.SubjectAltNames())
	assert.Equal(t, int64(1), cert.Serial().Int64())
	assert.Equal(t, "/CN=host.example.com", credential.SubjectString(cert.Subject()))

	fp, err := cert.Fingerprint("SHA256")
	require.NoError(t, err)
	want, err := credential.Digest("SHA256", cert.X509().Raw)
	require.NoError(t, err)
	assert.Equal(t, want, fp)

	parsed, err := credential.ParseCertificate(cert.PEM())
	require.NoError(t, err)
	assert.True(t, parsed.X509().Equal(cert.X509()))
}

func TestLoadRequestAttributes(t *testing.T) {
	dir := t.TempDir()

	attrs, err := credential.LoadRequestAttributes(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Empty(t, attrs.CustomAttributes)
	assert.Empty(t, attrs.ExtensionRequests)

	path := filepath.Join(dir, "csr_attributes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
custom_attributes:
  1.2.840.113549.1.9.7: 342thbjkt82094y0uthhor289jnqthpc2290
extension_requests:
  pp_uuid: ED803750-E3C7-44F5-BB08-41A04433FE2E
  pp_instance_id: 1234
`), 0o600))
	attrs, err = credential.LoadRequestAttributes(path)
	require.NoError(t, err)
	assert.Equal(t, "342thbjkt82094y0uthhor289jnqthpc2290", attrs.CustomAttributes["1.2.840.113549.1.9.7"])
	assert.Equal(t, "1234", attrs.ExtensionRequests["pp_instance_id"])

	require.NoError(t, os.WriteFile(path, []byte("unknown_section:\n  a: b\n"), 0o600))
	_, err = credential.LoadRequestAttributes(path)
	assert.ErrorIs(t, err, credential.ErrInvalidAttributes)
}
