package security

import (
	"crypto/aes"
	"crypto/cipher"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"os"

	"github.com/rs/zerolog/log"
)

const (
	HashKeyEnv  = "SIMPLECD_HASH_KEY"
	BlockKeyEnv = "SIMPLECD_BLOCK_KEY"
)

var charset = "qwertyuiopasdfghjklzxcvbnmQWERTYUIOPASDFGHJKLZXCVBNM1234567890-_|!/"

var ErrCipherTextTooShort = errors.New("cipher text shorter than nonce")

func stringWithCharset(length int64, charset string) string {
	b := make([]byte, length)
	if _, err := crand.Read(b); err != nil {
		panic("security: reading random bytes: " + err.Error())
	}
	for i := range b {
		b[i] = charset[int(b[i])%len(charset)]
	}
	return string(b)
}

// Encrypter seals secrets stored at rest, such as static agent SSH keys.
type Encrypter interface {
	EncryptAES(string) (string, error)
	DecryptAES(string) ([]byte, error)
}

type AESEncrypter struct {
	Key []byte
}

func NewAESEncrypter(key []byte) *AESEncrypter {
	return &AESEncrypter{Key: key}
}

func (e *AESEncrypter) gcm() (cipher.AEAD, error) {
	c, err := aes.NewCipher(e.Key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(c)
}

func (e *AESEncrypter) EncryptAES(text string) (string, error) {
	gcm, err := e.gcm()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := crand.Read(nonce); err != nil {
		return "", err
	}

	out := gcm.Seal(nonce, nonce, []byte(text), nil)
	return hex.EncodeToString(out), nil
}

func (e *AESEncrypter) DecryptAES(encrypted string) ([]byte, error) {
	cipherText, err := hex.DecodeString(encrypted)
	if err != nil {
		return nil, err
	}

	gcm, err := e.gcm()
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(cipherText) < nonceSize {
		return nil, ErrCipherTextTooShort
	}
	nonce, cipherText := cipherText[:nonceSize], cipherText[nonceSize:]
	return gcm.Open(nil, nonce, cipherText, nil)
}

// NewKeys returns the hash and block keys from the environment, generating
// and appending missing ones to the dotenv file at path.
func NewKeys(path string) ([]byte, []byte, error) {
	var hashKey []byte
	var blockKey []byte

	hk, hkOk := os.LookupEnv(HashKeyEnv)
	bk, bkOk := os.LookupEnv(BlockKeyEnv)

	if hkOk {
		hashKey = []byte(hk)
	} else {
		hashKey = []byte(GenerateRandomKey(32))
		if err := writeToDotenv(path, HashKeyEnv, string(hashKey)); err != nil {
			return nil, nil, err
		}
		log.Info().Str("path", path).Msg("generated hash key")
	}
	if bkOk {
		blockKey = []byte(bk)
	} else {
		blockKey = []byte(GenerateRandomKey(24))
		if err := writeToDotenv(path, BlockKeyEnv, string(blockKey)); err != nil {
			return nil, nil, err
		}
		log.Info().Str("path", path).Msg("generated block key")
	}
	return hashKey, blockKey, nil
}

func writeToDotenv(path, name, value string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write([]byte(name + "=" + value + "\n"))
	return err
}

func GenerateRandomKey(length int64) string {
	return stringWithCharset(length, charset)
}
