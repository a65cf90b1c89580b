package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	cases := [][]byte{
		nil,
		[]byte(""),
		[]byte("a"),
		[]byte("exactly16bytes!!"),
		bytes.Repeat([]byte{0x5a}, 1400),
	}

	for _, plaintext := range cases {
		ct, err := Encrypt(key, plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%d bytes): %v", len(plaintext), err)
		}
		if len(ct) < KeySize {
			t.Fatalf("ciphertext shorter than iv")
		}
		pt, err := Decrypt(key, ct)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(pt, plaintext) {
			t.Fatalf("round trip = %q, want %q", pt, plaintext)
		}
	}
}

func TestEncryptUsesFreshIVPerCall(t *testing.T) {
	key, _ := GenerateKey()
	a, err := Encrypt(key, []byte("same plaintext"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := Encrypt(key, []byte("same plaintext"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("two encryptions of the same plaintext produced identical ciphertext; IV is not varying")
	}
}

func TestDecryptWrongKeyFailsOrCorrupts(t *testing.T) {
	key1, _ := GenerateKey()
	key2, _ := GenerateKey()
	ct, err := Encrypt(key1, []byte("exactly16bytes!!"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := Decrypt(key2, ct)
	if err == nil && bytes.Equal(pt, []byte("exactly16bytes!!")) {
		t.Fatalf("decryption under the wrong key reproduced the original plaintext")
	}
}

func TestDecryptRejectsShortCiphertext(t *testing.T) {
	key, _ := GenerateKey()
	_, err := Decrypt(key, make([]byte, 10))
	if !errors.Is(err, ErrCiphertextShort) {
		t.Fatalf("Decrypt short ciphertext: err = %v, want ErrCiphertextShort", err)
	}
}

func TestDecryptRejectsCorruptedPadding(t *testing.T) {
	key, _ := GenerateKey()
	ct, err := Encrypt(key, []byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ct[len(ct)-1] ^= 0xFF
	if _, err := Decrypt(key, ct); err == nil {
		t.Fatalf("Decrypt: corrupted final byte went undetected")
	}
}

func TestPKCS7PadUnpadRoundTrip(t *testing.T) {
	for n := 0; n < 40; n++ {
		data := bytes.Repeat([]byte{0x11}, n)
		padded := pkcs7Pad(data, aesBlockSize)
		if len(padded)%aesBlockSize != 0 {
			t.Fatalf("padded length %d not a multiple of block size", len(padded))
		}
		unpadded, err := pkcs7Unpad(padded, aesBlockSize)
		if err != nil {
			t.Fatalf("pkcs7Unpad(n=%d): %v", n, err)
		}
		if !bytes.Equal(unpadded, data) {
			t.Fatalf("pkcs7Unpad(n=%d) = %v, want %v", n, unpadded, data)
		}
	}
}
