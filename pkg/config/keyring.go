package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/tlink-protocol/tlink-go/pkg/cryptokey"
)

// Key ring errors.
var (
	ErrKeyNotFound = errors.New("key not found")
	ErrKeyExists   = errors.New("key already exists")
)

// KeyRing holds named keys. On disk it is YAML with base64url key material:
//
//	keys:
//	  server:
//	    kind: X25519
//	    public: 3p7b...
//	    private: qF0c...
type KeyRing struct {
	Keys map[string]KeyEntry `yaml:"keys"`
}

// KeyEntry is one stored key. Private is empty for peer keys.
type KeyEntry struct {
	Kind    string `yaml:"kind"`
	Public  string `yaml:"public"`
	Private string `yaml:"private,omitempty"`
}

// NewKeyRing returns an empty key ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{Keys: make(map[string]KeyEntry)}
}

// LoadKeyRing reads the key ring at path. A missing file yields an empty
// ring.
func LoadKeyRing(path string) (*KeyRing, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewKeyRing(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read key ring: %w", err)
	}

	ring := NewKeyRing()
	if err := yaml.Unmarshal(data, ring); err != nil {
		return nil, fmt.Errorf("parse key ring: %w", err)
	}
	if ring.Keys == nil {
		ring.Keys = make(map[string]KeyEntry)
	}
	return ring, nil
}

// Save writes the ring to path with owner-only permissions.
func (r *KeyRing) Save(path string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode key ring: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o600)
}

// Get imports the named key, with private material when stored.
func (r *KeyRing) Get(name string) (*cryptokey.Key, error) {
	entry, ok := r.Keys[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	kind, err := cryptokey.ParseKind(entry.Kind)
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", name, err)
	}

	var key *cryptokey.Key
	if entry.Private != "" {
		key, err = cryptokey.ImportPrivateKey(kind, []byte(entry.Private), cryptokey.EncodingBase64URL)
	} else {
		key, err = cryptokey.ImportPublicKey(kind, []byte(entry.Public), cryptokey.EncodingBase64URL)
	}
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", name, err)
	}
	return key, nil
}

// Put stores key under name. An existing entry is only replaced when
// overwrite is set.
func (r *KeyRing) Put(name string, key *cryptokey.Key, overwrite bool) error {
	if _, ok := r.Keys[name]; ok && !overwrite {
		return fmt.Errorf("%w: %s", ErrKeyExists, name)
	}

	pub, err := key.ExportPublic(cryptokey.EncodingBase64URL)
	if err != nil {
		return err
	}
	entry := KeyEntry{Kind: key.Kind().String(), Public: string(pub)}
	if key.HasPrivate() {
		priv, err := key.ExportPrivate(cryptokey.EncodingBase64URL)
		if err != nil {
			return err
		}
		entry.Private = string(priv)
	}
	r.Keys[name] = entry
	return nil
}

// Delete removes the named key.
func (r *KeyRing) Delete(name string) error {
	if _, ok := r.Keys[name]; !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	delete(r.Keys, name)
	return nil
}

// Names returns the key names in sorted order.
func (r *KeyRing) Names() []string {
	names := make([]string, 0, len(r.Keys))
	for name := range r.Keys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadOrCreate returns the named key, generating and saving a key of kind
// when the ring at path does not hold one yet.
func LoadOrCreate(path, name string, kind cryptokey.Kind) (*cryptokey.Key, error) {
	ring, err := LoadKeyRing(path)
	if err != nil {
		return nil, err
	}
	if key, err := ring.Get(name); err == nil {
		if key.Kind() != kind {
			return nil, fmt.Errorf("key %s: want %s, have %s", name, kind, key.Kind())
		}
		return key, nil
	} else if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}

	key, err := cryptokey.GenerateKeyPair(kind)
	if err != nil {
		return nil, err
	}
	if err := ring.Put(name, key, false); err != nil {
		return nil, err
	}
	if err := ring.Save(path); err != nil {
		return nil, err
	}
	return key, nil
}
