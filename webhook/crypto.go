package webhook

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/mudtools/MudFeishu-sub002/errors"
)

// Signature returns hex(sha256(timestamp + nonce + encryptKey + body)).
func Signature(timestamp, nonce, encryptKey string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(timestamp))
	h.Write([]byte(nonce))
	h.Write([]byte(encryptKey))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature compares the expected signature in constant time.
func VerifySignature(timestamp, nonce, encryptKey string, body []byte, signature string) bool {
	expected := Signature(timestamp, nonce, encryptKey, body)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// Decrypt reverses Encrypt: base64, AES-256-CBC with key sha256(encryptKey), the IV in
// the first block and PKCS#7 padding.
func Decrypt(encrypted, encryptKey string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, decryptErr("base64 decode", err)
	}
	if len(data) < 2*aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return nil, decryptErr("length check", fmt.Errorf("ciphertext length %d", len(data)))
	}

	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, decryptErr("cipher init", err)
	}

	iv, ciphertext := data[:aes.BlockSize], data[aes.BlockSize:]
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	return unpad(plain)
}

// Encrypt produces a payload in the platform's "encrypt" format.
func Encrypt(plain []byte, encryptKey string) (string, error) {
	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", errors.Wrap(err, "webhook", "Encrypt", "cipher init")
	}

	padLen := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte(nil), plain...), bytes.Repeat([]byte{byte(padLen)}, padLen)...)

	out := make([]byte, aes.BlockSize+len(padded))
	if _, err := io.ReadFull(rand.Reader, out[:aes.BlockSize]); err != nil {
		return "", errors.Wrap(err, "webhook", "Encrypt", "iv generation")
	}
	cipher.NewCBCEncrypter(block, out[:aes.BlockSize]).CryptBlocks(out[aes.BlockSize:], padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

func unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, decryptErr("unpad", fmt.Errorf("empty plaintext"))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, decryptErr("unpad", fmt.Errorf("bad padding length %d", n))
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, decryptErr("unpad", fmt.Errorf("bad padding byte"))
		}
	}
	return data[:len(data)-n], nil
}

func decryptErr(action string, cause error) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrDecryptFailed, cause), "webhook", "Decrypt", action)
}
