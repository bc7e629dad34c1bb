package security

import (
	"crypto/aes"
	"crypto/cipher"
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"
)

var charset = "qwertyuiopasdfghjklzxcvbnmQWERTYUIOPASDFGHJKLZXCVBNM1234567890-_|!/"
var seededRand *rand.Rand = rand.New(
	rand.NewSource(time.Now().UnixNano()))

func stringWithCharset(length int64, charset string) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[seededRand.Intn(len(charset))]
	}
	return string(b)
}

func GenerateRandomKey(length int64) string {
	return stringWithCharset(length, charset)
}

// NewKeys returns the cookie hash and block keys, generating and
// persisting them to .env on first start.
func NewKeys() ([]byte, []byte) {
	var hashKey []byte
	var blockKey []byte

	hk, hkOk := os.LookupEnv("PUSHDEPLOY_HASH_KEY")
	bk, bkOk := os.LookupEnv("PUSHDEPLOY_BLOCK_KEY")

	if hkOk {
		hashKey = []byte(hk)
	} else {
		hashKey = []byte(GenerateRandomKey(32))
		writeToDotenv("PUSHDEPLOY_HASH_KEY", string(hashKey))
	}
	if bkOk {
		blockKey = []byte(bk)
	} else {
		blockKey = []byte(GenerateRandomKey(24))
		writeToDotenv("PUSHDEPLOY_BLOCK_KEY", string(blockKey))
	}
	return hashKey, blockKey
}

func writeToDotenv(name, value string) {
	f, err := os.OpenFile(".env", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	if _, err := f.Write([]byte(name + "=" + value + "\n")); err != nil {
		log.Fatal(err)
	}
}

// DecryptionError marks ciphertext that could not be decrypted: malformed
// input or a wrong key. Callers treat it as a fatal configuration error for
// the operation at hand, never as something to retry.
type DecryptionError struct {
	Reason string
	Err    error
}

func (de DecryptionError) Error() string {
	return fmt.Sprintf("decryption failed: %s", de.Reason)
}

func (de DecryptionError) Unwrap() error {
	return de.Err
}

type Encrypter interface {
	EncryptAES(string) string
	DecryptAES(string) ([]byte, error)
}

type AESEncrypter struct {
	Key []byte
}

func NewAESEncrypter(key []byte) *AESEncrypter {
	return &AESEncrypter{Key: key}
}

func (e *AESEncrypter) EncryptAES(text string) string {
	c, err := aes.NewCipher(e.Key)
	if err != nil {
		log.Fatal(err)
	}

	gcm, err := cipher.NewGCM(c)
	if err != nil {
		log.Fatal(err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := crand.Read(nonce); err != nil {
		log.Fatal(err)
	}

	out := gcm.Seal(nonce, nonce, []byte(text), nil)
	return hex.EncodeToString(out)
}

func (e *AESEncrypter) DecryptAES(encrypted string) ([]byte, error) {
	cipherText, err := hex.DecodeString(encrypted)
	if err != nil {
		return nil, DecryptionError{Reason: "ciphertext is not valid hex", Err: err}
	}

	c, err := aes.NewCipher(e.Key)
	if err != nil {
		return nil, DecryptionError{Reason: "invalid key length", Err: err}
	}

	gcm, err := cipher.NewGCM(c)
	if err != nil {
		return nil, DecryptionError{Reason: "unable to construct GCM", Err: err}
	}
	if len(cipherText) < gcm.NonceSize() {
		return nil, DecryptionError{Reason: "ciphertext shorter than nonce"}
	}
	nonceSize := gcm.NonceSize()
	nonce, cipherText := cipherText[:nonceSize], cipherText[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, cipherText, nil)
	if err != nil {
		return nil, DecryptionError{Reason: "authentication failed", Err: err}
	}
	return plaintext, nil
}
