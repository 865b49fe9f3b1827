package archive

import (
	"archive/zip"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tororo-hospice/datawash/internal/entity"
)

func testKey() []byte {
	key := make([]byte, keySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

// ---- Seal/Open Tests ----

func TestSealOpen_RoundTrip(t *testing.T) {
	key := testKey()
	plaintext := []byte(`{"hello":"world"}`)

	sealed, err := Seal(plaintext, key)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed output contains plaintext")
	}

	opened, err := Open(sealed, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("round trip = %q", opened)
	}
}

func TestSeal_FreshSaltPerEntry(t *testing.T) {
	key := testKey()
	a, _ := Seal([]byte("same"), key)
	b, _ := Seal([]byte("same"), key)
	if bytes.Equal(a[:saltSize], b[:saltSize]) {
		t.Error("two seals shared a salt")
	}
	if bytes.Equal(a, b) {
		t.Error("two seals produced identical output")
	}
}

func TestOpen_Failures(t *testing.T) {
	key := testKey()
	sealed, _ := Seal([]byte("payload"), key)

	t.Run("wrong key", func(t *testing.T) {
		other := testKey()
		other[0] ^= 0xFF
		if _, err := Open(sealed, other); err == nil {
			t.Fatal("expected decrypt failure")
		}
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		tampered := append([]byte(nil), sealed...)
		tampered[len(tampered)-1] ^= 0x01
		if _, err := Open(tampered, key); err == nil {
			t.Fatal("expected auth failure")
		}
	})

	t.Run("truncated", func(t *testing.T) {
		if _, err := Open(sealed[:saltSize-1], key); err != ErrCiphertextTruncated {
			t.Errorf("err = %v, want ErrCiphertextTruncated", err)
		}
	})
}

// ---- WriteGraph Tests ----

func TestWriteGraph_RoundTrip(t *testing.T) {
	g := entity.NewGraph()
	g.Add(&entity.Person{Envelope: entity.Envelope{ID: "p1"}, Name: "maria lopez"})
	g.Add(&entity.Supply{Envelope: entity.Envelope{ID: "s1"}, ItemName: "Morphine Sulfate",
		Quantity: 10, Transactions: []entity.SupplyTransaction{{Delta: 10}}})

	key := testKey()
	path := filepath.Join(t.TempDir(), "out.zip")
	if err := WriteGraph(path, "batch-1", g, key); err != nil {
		t.Fatalf("WriteGraph: %v", err)
	}

	// Manifest is plaintext and indexes only the non-empty collections.
	manifest := readManifest(t, path)
	if manifest.BatchID != "batch-1" {
		t.Errorf("batch id = %q", manifest.BatchID)
	}
	if manifest.Counts[entity.TypePerson] != 1 || manifest.Counts[entity.TypeEncounter] != 0 {
		t.Errorf("counts = %v", manifest.Counts)
	}
	if len(manifest.Entries) != 2 {
		t.Errorf("entries = %v", manifest.Entries)
	}

	// Encrypted person collection decrypts back to the graph data.
	plaintext, err := ReadEntry(path, "person.json.enc", key)
	if err != nil {
		t.Fatalf("ReadEntry: %v", err)
	}
	var persons []*entity.Person
	if err := json.Unmarshal(plaintext, &persons); err != nil {
		t.Fatalf("unmarshal persons: %v", err)
	}
	if len(persons) != 1 || persons[0].Name != "maria lopez" {
		t.Errorf("persons = %+v", persons)
	}
}

func TestWriteGraph_RejectsShortKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.zip")
	if err := WriteGraph(path, "b", entity.NewGraph(), []byte("short")); err == nil {
		t.Fatal("expected key length error")
	}
}

// readManifest reads the plaintext manifest entry.
func readManifest(t *testing.T, path string) Manifest {
	t.Helper()
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer zr.Close()

	for _, entry := range zr.File {
		if entry.Name != "manifest.json" {
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			t.Fatalf("open manifest: %v", err)
		}
		defer rc.Close()
		var m Manifest
		if err := json.NewDecoder(rc).Decode(&m); err != nil {
			t.Fatalf("decode manifest: %v", err)
		}
		return m
	}
	t.Fatal("archive has no manifest.json")
	return Manifest{}
}

// ---- KeyManager Tests ----

func TestKeyManager_GeneratesAndPersists(t *testing.T) {
	t.Setenv(EnvKeyName, "")
	envFile := filepath.Join(t.TempDir(), ".env")
	km := &KeyManager{EnvFile: envFile}

	key, err := km.Key()
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	if len(key) != keySize {
		t.Fatalf("key length = %d", len(key))
	}

	// Persisted to the env file and exported to the environment.
	data, err := os.ReadFile(envFile)
	if err != nil {
		t.Fatalf("read env file: %v", err)
	}
	if !strings.Contains(string(data), EnvKeyName+"="+hex.EncodeToString(key)) {
		t.Errorf("env file = %q", data)
	}
	if os.Getenv(EnvKeyName) != hex.EncodeToString(key) {
		t.Error("key not exported to environment")
	}

	// A second call reuses the same key.
	again, err := km.Key()
	if err != nil {
		t.Fatalf("second Key: %v", err)
	}
	if !bytes.Equal(key, again) {
		t.Error("key changed between calls")
	}
}

func TestKeyManager_ReadsExistingKey(t *testing.T) {
	want := testKey()
	t.Setenv(EnvKeyName, hex.EncodeToString(want))

	km := &KeyManager{}
	key, err := km.Key()
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	if !bytes.Equal(key, want) {
		t.Error("did not read the configured key")
	}
}

func TestKeyManager_RejectsMalformedKey(t *testing.T) {
	t.Setenv(EnvKeyName, "not-hex")
	km := &KeyManager{}
	if _, err := km.Key(); err == nil {
		t.Fatal("expected error for malformed key")
	}
}
