// Package crypto provides the session's AES-128-CBC encryption of
// application payloads with PKCS#7 padding and a random IV prefixed to the
// ciphertext (a fresh random IV per message, IV||ciphertext on the wire).
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// KeySize is the fixed AES-128 key length in bytes.
const KeySize = 16

// aesBlockSize mirrors aes.BlockSize without importing crypto/aes from the
// test file just to reach a constant.
const aesBlockSize = 16

var (
	// ErrPadding is returned when PKCS#7 padding fails to validate during
	// decryption, indicating ciphertext corruption or the wrong key.
	ErrPadding = errors.New("crypto: invalid padding")
	// ErrCiphertextShort is returned when a ciphertext is too short to
	// contain an IV and at least one cipher block.
	ErrCiphertextShort = errors.New("crypto: ciphertext shorter than iv+block")
)

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("crypto: read random bytes: %w", err)
	}
	return buf, nil
}

// GenerateKey returns a fresh random 16-byte AES key, minted by the server
// at the start of a secure-mode session.
func GenerateKey() ([]byte, error) {
	return RandomBytes(KeySize)
}

// Encrypt pads plaintext with PKCS#7, encrypts it under key in CBC mode
// with a freshly random IV, and returns iv || ciphertext.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, block.BlockSize())

	iv, err := RandomBytes(block.BlockSize())
	if err != nil {
		return nil, err
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	out := make([]byte, 0, len(iv)+len(ciphertext))
	out = append(out, iv...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decrypt splits in into iv || ciphertext, decrypts under key in CBC mode,
// and strips PKCS#7 padding.
func Decrypt(key, in []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}

	blockSize := block.BlockSize()
	if len(in) < blockSize+blockSize {
		return nil, ErrCiphertextShort
	}

	iv := in[:blockSize]
	ciphertext := in[blockSize:]
	if len(ciphertext)%blockSize != 0 {
		return nil, fmt.Errorf("crypto: ciphertext not a multiple of block size: %w", ErrPadding)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext, blockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte{}, data...), padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := len(data)
	if n == 0 || n%blockSize != 0 {
		return nil, ErrPadding
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > blockSize || padLen > n {
		return nil, ErrPadding
	}
	for _, b := range data[n-padLen:] {
		if int(b) != padLen {
			return nil, ErrPadding
		}
	}
	return data[:n-padLen], nil
}
