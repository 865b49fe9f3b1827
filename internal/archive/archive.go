// Package archive packages a committed entity graph into an encrypted zip
// for handoff to the parent records system. Each entity collection becomes
// one AES-256-GCM encrypted JSON entry; a plaintext manifest carries the
// batch id and collection counts.
package archive

import (
	"archive/zip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/tororo-hospice/datawash/internal/entity"
)

const (
	saltSize   = 16
	pbkdf2Iter = 10000
	keySize    = 32
)

var ErrCiphertextTruncated = errors.New("archive: ciphertext truncated")

// Manifest is the plaintext index entry of an archive.
type Manifest struct {
	BatchID   string              `json:"batch_id"`
	CreatedAt time.Time           `json:"created_at"`
	Counts    map[entity.Type]int `json:"counts"`
	Entries   []string            `json:"entries"`
}

// WriteGraph writes the graph to an encrypted archive at path. The master
// key comes from the key manager; each entry is encrypted under its own
// PBKDF2-derived key so no two entries share a salt or nonce.
func WriteGraph(path, batchID string, g *entity.Graph, masterKey []byte) error {
	if len(masterKey) != keySize {
		return fmt.Errorf("archive: master key must be %d bytes, got %d", keySize, len(masterKey))
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	manifest := Manifest{
		BatchID:   batchID,
		CreatedAt: time.Now().UTC(),
		Counts:    g.Counts(),
	}

	for _, t := range entity.Types {
		coll := g.Collection(t)
		if len(coll) == 0 {
			continue
		}
		plaintext, err := json.MarshalIndent(coll, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal %s collection: %w", t, err)
		}
		name := string(t) + ".json.enc"
		sealed, err := Seal(plaintext, masterKey)
		if err != nil {
			return err
		}
		w, err := zw.Create(name)
		if err != nil {
			return fmt.Errorf("add %s to archive: %w", name, err)
		}
		if _, err := w.Write(sealed); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		manifest.Entries = append(manifest.Entries, name)
	}

	mw, err := zw.Create("manifest.json")
	if err != nil {
		return fmt.Errorf("add manifest: %w", err)
	}
	if err := json.NewEncoder(mw).Encode(manifest); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	return nil
}

// ReadEntry opens one encrypted entry of an archive and decrypts it.
func ReadEntry(path, name string, masterKey []byte) ([]byte, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	for _, entry := range zr.File {
		if entry.Name != name {
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("open entry %s: %w", name, err)
		}
		sealed, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read entry %s: %w", name, err)
		}
		return Open(sealed, masterKey)
	}
	return nil, fmt.Errorf("archive has no entry %q", name)
}

// Seal encrypts plaintext as salt || nonce || ciphertext. The entry key is
// derived from the master key and the fresh salt.
func Seal(plaintext, masterKey []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	gcm, err := entryCipher(masterKey, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 0, saltSize+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func Open(sealed, masterKey []byte) ([]byte, error) {
	if len(sealed) < saltSize {
		return nil, ErrCiphertextTruncated
	}
	salt, rest := sealed[:saltSize], sealed[saltSize:]
	gcm, err := entryCipher(masterKey, salt)
	if err != nil {
		return nil, err
	}
	if len(rest) < gcm.NonceSize() {
		return nil, ErrCiphertextTruncated
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt entry: %w", err)
	}
	return plaintext, nil
}

func entryCipher(masterKey, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(masterKey, salt, pbkdf2Iter, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
