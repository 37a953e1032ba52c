// Package webhook is the ingress for remote-origin change notifications:
// signature verification, envelope decryption, and dispatch into the
// remote->DB pipeline.
package webhook

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// VerifySignature checks the remote service's request signature:
// hex(SHA256(timestamp + nonce + encryptKey + body)), compared in constant
// time against the header value.
func VerifySignature(timestamp, nonce, encryptKey string, body []byte, signature string) bool {
	h := sha256.New()
	h.Write([]byte(timestamp))
	h.Write([]byte(nonce))
	h.Write([]byte(encryptKey))
	h.Write(body)
	expected := hex.EncodeToString(h.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Decrypt recovers the event payload from the encrypted envelope: AES-256-CBC
// with key SHA256(encryptKey), IV in the first cipher block, PKCS#7 padding.
func Decrypt(encryptKey, encrypted string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 envelope: %v", err)
	}
	if len(raw) < 2*aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a padded block sequence", len(raw))
	}

	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("cipher init failed: %v", err)
	}

	iv := raw[:aes.BlockSize]
	ciphertext := raw[aes.BlockSize:]

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	return stripPKCS7(plain)
}

func stripPKCS7(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	pad := int(b[len(b)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(b) {
		return nil, fmt.Errorf("invalid padding byte %d", pad)
	}
	for _, p := range b[len(b)-pad:] {
		if int(p) != pad {
			return nil, fmt.Errorf("corrupt padding")
		}
	}
	return b[:len(b)-pad], nil
}
