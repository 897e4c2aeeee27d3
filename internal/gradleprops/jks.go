package gradleprops

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"os"
	"time"
	"unicode/utf16"
)

// JKS trust store magic and format version, per the on-disk layout used by
// Sun/Oracle's keytool (undocumented but stable since Java 1.2): a 4-byte
// magic, a 4-byte format version, an entry count, then one trusted-
// certificate entry per alias, and finally a keyed SHA-1 digest over the
// whole preceding byte stream for tamper detection.
const (
	jksMagic   = 0xFEEDFEED
	jksVersion = 2
	// certTypeX509 is the Java certificate type string written before each
	// embedded certificate's DER bytes.
	certTypeX509 = "X.509"
	// jksSaltPhrase is the fixed string keytool mixes into the integrity
	// digest alongside the store password. It is not a secret; it is part
	// of the file format.
	jksSaltPhrase = "Mighty Aphrodite"
)

// WriteTrustStore writes a minimal single-entry JKS truststore containing
// certDER under alias, protected by password, to path.
func WriteTrustStore(path, alias string, certDER []byte, password string) error {
	var body bytes.Buffer
	writeUint32(&body, jksMagic)
	writeUint32(&body, jksVersion)
	writeUint32(&body, 1) // one entry

	// Trusted certificate entry tag is 2 (1 would be a private key entry).
	writeUint32(&body, 2)
	writeUTF(&body, alias)
	writeUint64(&body, uint64(time.Now().UnixMilli()))
	writeUTF(&body, certTypeX509)
	writeUint32(&body, uint32(len(certDER)))
	body.Write(certDER)

	digest := jksDigest(password, body.Bytes())

	var out bytes.Buffer
	out.Write(body.Bytes())
	out.Write(digest)

	if err := os.WriteFile(path, out.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing truststore %s: %w", path, err)
	}
	return nil
}

// jksDigest reproduces keytool's integrity check: SHA-1 over the UTF-16BE
// password bytes, the fixed salt phrase, and the preceding file content.
func jksDigest(password string, content []byte) []byte {
	h := sha1.New()
	h.Write(utf16BE(password))
	h.Write([]byte(jksSaltPhrase))
	h.Write(content)
	return h.Sum(nil)
}

func utf16BE(s string) []byte {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, len(units)*2)
	for i, u := range units {
		binary.BigEndian.PutUint16(buf[i*2:], u)
	}
	return buf
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

// writeUTF writes a string in Java's modified-UTF-8 "DataOutput.writeUTF"
// form: a 2-byte big-endian byte length followed by the bytes. ASCII-only
// aliases (the only kind this package produces) are identical under plain
// UTF-8 and modified UTF-8.
func writeUTF(buf *bytes.Buffer, s string) {
	b := []byte(s)
	var lenBytes [2]byte
	binary.BigEndian.PutUint16(lenBytes[:], uint16(len(b)))
	buf.Write(lenBytes[:])
	buf.Write(b)
}
