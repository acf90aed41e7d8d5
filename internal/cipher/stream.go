package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/rc4"
	"fmt"

	"golang.org/x/crypto/chacha20"
)

type streamInfo struct {
	keyLen int
	ivLen  int
	// newStream builds the keystream for one direction.
	newStream func(key, iv []byte, decrypt bool) (cipher.Stream, error)
}

var streamMethods = map[string]streamInfo{
	"aes-128-cfb":   {keyLen: 16, ivLen: aes.BlockSize, newStream: aesCFB},
	"aes-192-cfb":   {keyLen: 24, ivLen: aes.BlockSize, newStream: aesCFB},
	"aes-256-cfb":   {keyLen: 32, ivLen: aes.BlockSize, newStream: aesCFB},
	"aes-128-ctr":   {keyLen: 16, ivLen: aes.BlockSize, newStream: aesCTR},
	"aes-192-ctr":   {keyLen: 24, ivLen: aes.BlockSize, newStream: aesCTR},
	"aes-256-ctr":   {keyLen: 32, ivLen: aes.BlockSize, newStream: aesCTR},
	"chacha20-ietf": {keyLen: chacha20.KeySize, ivLen: chacha20.NonceSize, newStream: chacha20IETF},
	"rc4-md5":       {keyLen: 16, ivLen: 16, newStream: rc4MD5},
}

func aesCFB(key, iv []byte, decrypt bool) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if decrypt {
		return cipher.NewCFBDecrypter(block, iv), nil //nolint:staticcheck // Required by the wire format.
	}
	return cipher.NewCFBEncrypter(block, iv), nil //nolint:staticcheck // Required by the wire format.
}

func aesCTR(key, iv []byte, _ bool) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(block, iv), nil
}

func chacha20IETF(key, iv []byte, _ bool) (cipher.Stream, error) {
	return chacha20.NewUnauthenticatedCipher(key, iv)
}

func rc4MD5(key, iv []byte, _ bool) (cipher.Stream, error) {
	h := md5.New()
	h.Write(key)
	h.Write(iv)
	return rc4.NewCipher(h.Sum(nil)) //nolint:gosec // Legacy method kept for old servers.
}

// streamEncryptor implements the legacy stream format: a random IV followed
// by the keystream-XORed payload, independently in each direction.
type streamEncryptor struct {
	info streamInfo
	key  []byte

	enc cipher.Stream

	dec   cipher.Stream
	decIV []byte
}

func newStreamEncryptor(info streamInfo, key []byte) *streamEncryptor {
	return &streamEncryptor{info: info, key: key}
}

func (s *streamEncryptor) Encrypt(p []byte) ([]byte, error) {
	if s.enc == nil {
		iv := make([]byte, s.info.ivLen)
		if _, err := rand.Read(iv); err != nil {
			return nil, fmt.Errorf("generate iv: %w", err)
		}
		enc, err := s.info.newStream(s.key, iv, false)
		if err != nil {
			return nil, fmt.Errorf("init encrypter: %w", err)
		}
		s.enc = enc

		out := make([]byte, len(iv)+len(p))
		copy(out, iv)
		s.enc.XORKeyStream(out[len(iv):], p)
		return out, nil
	}

	out := make([]byte, len(p))
	s.enc.XORKeyStream(out, p)
	return out, nil
}

func (s *streamEncryptor) Decrypt(p []byte) ([]byte, error) {
	if s.dec == nil {
		need := s.info.ivLen - len(s.decIV)
		if len(p) < need {
			s.decIV = append(s.decIV, p...)
			return nil, nil
		}
		s.decIV = append(s.decIV, p[:need]...)
		p = p[need:]

		dec, err := s.info.newStream(s.key, s.decIV, true)
		if err != nil {
			return nil, fmt.Errorf("init decrypter: %w", err)
		}
		s.dec = dec
	}

	out := make([]byte, len(p))
	s.dec.XORKeyStream(out, p)
	return out, nil
}
