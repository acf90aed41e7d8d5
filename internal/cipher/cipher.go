// Package cipher provides the per-connection encryption adapters used on the
// relay stream.
//
// An Encryptor turns plaintext chunks into the shadowsocks wire format and
// back. It is stateful: the first Encrypt emits the IV (or salt), and Decrypt
// buffers partial IVs, salts, and AEAD chunks across calls. Each connection
// owns exactly one Encryptor. The two directions keep separate state, so one
// goroutine may Encrypt while another Decrypts, but neither method is safe
// for concurrent calls to itself.
package cipher

import (
	"crypto/md5"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Encryptor is a stateful stream transform for one relay connection.
type Encryptor interface {
	// Encrypt returns the wire bytes for plaintext p.
	Encrypt(p []byte) ([]byte, error)
	// Decrypt consumes wire bytes and returns whatever plaintext they
	// complete. It may return no plaintext while it waits for more input.
	Decrypt(p []byte) ([]byte, error)
}

var (
	ErrUnsupportedMethod = errors.New("unsupported cipher method")
	ErrEmptyPassword     = errors.New("empty password")
)

// New returns a fresh Encryptor for method, keyed from password.
func New(method, password string) (Encryptor, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	method = strings.ToLower(method)

	if info, ok := streamMethods[method]; ok {
		return newStreamEncryptor(info, kdf(password, info.keyLen)), nil
	}
	if info, ok := aeadMethods[method]; ok {
		return newAEADEncryptor(info, kdf(password, info.keyLen))
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
}

// Supported reports whether New accepts method.
func Supported(method string) bool {
	method = strings.ToLower(method)
	_, stream := streamMethods[method]
	_, aead := aeadMethods[method]
	return stream || aead
}

// Methods lists the supported method names in sorted order.
func Methods() []string {
	out := make([]string, 0, len(streamMethods)+len(aeadMethods))
	for m := range streamMethods {
		out = append(out, m)
	}
	for m := range aeadMethods {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}

// kdf is OpenSSL's EVP_BytesToKey with MD5 and no salt, which is how
// shadowsocks derives keys from passwords.
func kdf(password string, keyLen int) []byte {
	var b, prev []byte
	h := md5.New()
	for len(b) < keyLen {
		h.Write(prev)
		h.Write([]byte(password))
		b = h.Sum(b)
		prev = b[len(b)-h.Size():]
		h.Reset()
	}
	return b[:keyLen]
}
