package cipher

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/shadowsocks/go-shadowsocks2/shadowaead"
)

// maxChunk is the largest payload carried by one AEAD chunk.
const maxChunk = 0x3FFF

var ErrChunkSize = errors.New("aead chunk size out of range")

type aeadInfo struct {
	keyLen    int
	newCipher func(psk []byte) (shadowaead.Cipher, error)
}

var aeadMethods = map[string]aeadInfo{
	"aes-128-gcm":            {keyLen: 16, newCipher: shadowaead.AESGCM},
	"aes-192-gcm":            {keyLen: 24, newCipher: shadowaead.AESGCM},
	"aes-256-gcm":            {keyLen: 32, newCipher: shadowaead.AESGCM},
	"chacha20-ietf-poly1305": {keyLen: 32, newCipher: shadowaead.Chacha20Poly1305},
}

// aeadEncryptor implements the shadowsocks AEAD format: a salt, then chunks
// of [sealed 2-byte length][sealed payload], each seal advancing a
// little-endian nonce.
type aeadEncryptor struct {
	c shadowaead.Cipher

	enc      cipher.AEAD
	encNonce []byte

	dec      cipher.AEAD
	decNonce []byte
	buf      []byte
}

func newAEADEncryptor(info aeadInfo, key []byte) (*aeadEncryptor, error) {
	c, err := info.newCipher(key)
	if err != nil {
		return nil, err
	}
	return &aeadEncryptor{c: c}, nil
}

func (a *aeadEncryptor) Encrypt(p []byte) ([]byte, error) {
	var out []byte
	if a.enc == nil {
		salt := make([]byte, a.c.SaltSize())
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
		enc, err := a.c.Encrypter(salt)
		if err != nil {
			return nil, fmt.Errorf("init encrypter: %w", err)
		}
		a.enc = enc
		a.encNonce = make([]byte, enc.NonceSize())
		out = append(out, salt...)
	}

	var size [2]byte
	for len(p) > 0 {
		n := min(len(p), maxChunk)
		binary.BigEndian.PutUint16(size[:], uint16(n))
		out = a.enc.Seal(out, a.encNonce, size[:], nil)
		increment(a.encNonce)
		out = a.enc.Seal(out, a.encNonce, p[:n], nil)
		increment(a.encNonce)
		p = p[n:]
	}
	return out, nil
}

func (a *aeadEncryptor) Decrypt(p []byte) ([]byte, error) {
	a.buf = append(a.buf, p...)

	if a.dec == nil {
		saltSize := a.c.SaltSize()
		if len(a.buf) < saltSize {
			return nil, nil
		}
		dec, err := a.c.Decrypter(a.buf[:saltSize])
		if err != nil {
			return nil, fmt.Errorf("init decrypter: %w", err)
		}
		a.dec = dec
		a.decNonce = make([]byte, dec.NonceSize())
		a.buf = a.buf[saltSize:]
	}

	overhead := a.dec.Overhead()
	var out []byte
	for len(a.buf) >= 2+overhead {
		// The length seal is reopened on the next call if the payload is
		// still incomplete, so the nonce only advances once both are here.
		size, err := a.dec.Open(nil, a.decNonce, a.buf[:2+overhead], nil)
		if err != nil {
			return out, fmt.Errorf("open chunk length: %w", err)
		}
		n := int(binary.BigEndian.Uint16(size))
		if n == 0 || n > maxChunk {
			return out, fmt.Errorf("%w: %d", ErrChunkSize, n)
		}
		end := 2 + overhead + n + overhead
		if len(a.buf) < end {
			break
		}
		increment(a.decNonce)

		plain, err := a.dec.Open(out, a.decNonce, a.buf[2+overhead:end], nil)
		if err != nil {
			return out, fmt.Errorf("open chunk payload: %w", err)
		}
		out = plain
		increment(a.decNonce)
		a.buf = a.buf[end:]
	}

	// Keep the unconsumed tail in its own array so buf does not pin
	// everything ever received.
	a.buf = append([]byte(nil), a.buf...)
	return out, nil
}

func increment(b []byte) {
	for i := range b {
		b[i]++
		if b[i] != 0 {
			return
		}
	}
}
