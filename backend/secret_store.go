package backend

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/crypto/chacha20poly1305"
)

// 秘密情報のアカウント名
const (
	AccountOAuthAccessToken  = "notion_oauth_access_token"
	AccountOAuthRefreshToken = "notion_oauth_refresh_token"
	AccountOAuthClientSecret = "notion_oauth_client_secret"
	AccountAPIToken          = "notion_api_token"
)

const (
	secretDBFileName  = "secrets.db"
	secretKeyFileName = "secret.key"
)

var (
	ErrSecretNotFound = errors.New("secret not found")

	bucketSecrets = []byte("secrets")
)

// SecretStore はアカウント名ごとに1つの文字列を永続化する
type SecretStore interface {
	LoadSecret(account string) (string, error)
	SaveSecret(account, value string) error
	DeleteSecret(account string) error
	Close() error
}

// boltSecretStore はbboltに暗号化した値を保存する
// 鍵はインストールごとに生成し secret.key (0600) に保持する
type boltSecretStore struct {
	db   *bbolt.DB
	aead cipher.AEAD
}

func NewSecretStore(appDataDir string) (SecretStore, error) {
	if err := os.MkdirAll(appDataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create secret directory: %w", err)
	}
	key, err := loadOrCreateSecretKey(filepath.Join(appDataDir, secretKeyFileName))
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}

	// 別プロセスがロックしている場合は待ち続けない
	db, err := bbolt.Open(filepath.Join(appDataDir, secretDBFileName), 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open secret store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSecrets)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize secret bucket: %w", err)
	}
	return &boltSecretStore{db: db, aead: aead}, nil
}

func loadOrCreateSecretKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("secret key file has unexpected size %d", len(key))
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read secret key: %w", err)
	}

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate secret key: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("failed to write secret key: %w", err)
	}
	return key, nil
}

func (s *boltSecretStore) LoadSecret(account string) (string, error) {
	var value string
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSecrets)
		if bucket == nil {
			return fmt.Errorf("secret bucket not found")
		}
		sealed := bucket.Get([]byte(account))
		if sealed == nil {
			return ErrSecretNotFound
		}
		nonceSize := s.aead.NonceSize()
		if len(sealed) < nonceSize {
			return fmt.Errorf("secret %s is corrupted", account)
		}
		plain, err := s.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], []byte(account))
		if err != nil {
			return fmt.Errorf("failed to decrypt secret %s: %w", account, err)
		}
		value = string(plain)
		return nil
	})
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *boltSecretStore) SaveSecret(account, value string) error {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(value), []byte(account))

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSecrets)
		if bucket == nil {
			return fmt.Errorf("secret bucket not found")
		}
		if err := bucket.Put([]byte(account), sealed); err != nil {
			return fmt.Errorf("failed to save secret %s: %w", account, err)
		}
		return nil
	})
}

func (s *boltSecretStore) DeleteSecret(account string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSecrets)
		if bucket == nil {
			return fmt.Errorf("secret bucket not found")
		}
		return bucket.Delete([]byte(account))
	})
}

func (s *boltSecretStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// loadSecretOrEmpty は未登録を空文字として扱う
func loadSecretOrEmpty(store SecretStore, account string) (string, error) {
	value, err := store.LoadSecret(account)
	if errors.Is(err, ErrSecretNotFound) {
		return "", nil
	}
	return value, err
}
