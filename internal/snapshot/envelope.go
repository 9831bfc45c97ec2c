package snapshot

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"pericia/pkg/domain"
)

// Key derivation parameters for password protected backups.
const (
	envelopeFormat    = "pericia-backup"
	kdfPBKDF2         = "pbkdf2-sha256"
	DefaultIterations = 100000
	keyLength         = 32
	saltLength        = 32
)

// envelope wraps an encrypted snapshot. Salt, nonce and ciphertext are
// base64 encoded by encoding/json.
type envelope struct {
	Format     string `json:"format"`
	KDF        string `json:"kdf"`
	Iterations int    `json:"iterations"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Encode writes snap to w. With a non-empty password the canonical JSON is
// sealed with AES-256-GCM under a PBKDF2-SHA256 derived key.
func Encode(w io.Writer, snap Snapshot, password string) error {
	plain, err := snap.Marshal()
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	out, err := seal(plain, password)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

// seal wraps plain in an envelope. An empty password returns plain as is.
func seal(plain []byte, password string) ([]byte, error) {
	if password == "" {
		return plain, nil
	}
	env := envelope{Format: envelopeFormat, KDF: kdfPBKDF2, Iterations: DefaultIterations, Salt: make([]byte, saltLength)}
	if _, err := rand.Read(env.Salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	gcm, err := newGCM(password, env.Salt, env.Iterations)
	if err != nil {
		return nil, err
	}
	env.Nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(env.Nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	env.Ciphertext = gcm.Seal(nil, env.Nonce, plain, []byte(envelopeFormat))
	return json.MarshalIndent(env, "", "  ")
}

// Decode reads a plain or encrypted snapshot. A sealed snapshot without a
// password, a wrong password or a tampered payload is an ImportError.
func Decode(r io.Reader, password string) (Snapshot, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Snapshot{}, domain.ImportError{Reason: "read snapshot", Err: err}
	}
	if !Encrypted(data) {
		return Parse(data)
	}
	plain, err := unseal(data, password)
	if err != nil {
		return Snapshot{}, err
	}
	return Parse(plain)
}

// unseal opens an envelope produced by seal.
func unseal(data []byte, password string) ([]byte, error) {
	if password == "" {
		return nil, domain.ImportError{Reason: "snapshot is encrypted; password required"}
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, domain.ImportError{Reason: "malformed envelope", Err: err}
	}
	if env.KDF != kdfPBKDF2 || env.Iterations <= 0 || len(env.Salt) == 0 {
		return nil, domain.ImportError{Reason: fmt.Sprintf("unsupported key derivation %q", env.KDF)}
	}
	gcm, err := newGCM(password, env.Salt, env.Iterations)
	if err != nil {
		return nil, domain.ImportError{Reason: "init cipher", Err: err}
	}
	if len(env.Nonce) != gcm.NonceSize() {
		return nil, domain.ImportError{Reason: "malformed envelope nonce"}
	}
	plain, err := gcm.Open(nil, env.Nonce, env.Ciphertext, []byte(envelopeFormat))
	if err != nil {
		return nil, domain.ImportError{Reason: "wrong password or corrupt backup", Err: err}
	}
	return plain, nil
}

// Encrypted reports whether data looks like a sealed envelope.
func Encrypted(data []byte) bool {
	var peek struct {
		Format string `json:"format"`
	}
	if !bytes.Contains(data, []byte(envelopeFormat)) {
		return false
	}
	return json.Unmarshal(data, &peek) == nil && peek.Format == envelopeFormat
}

func newGCM(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, iterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
