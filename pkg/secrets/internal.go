package secrets

import (
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	_ "github.com/go-sql-driver/mysql" // mysql driver loaded here
	_ "github.com/lib/pq"              // postgres driver loaded here
	_ "modernc.org/sqlite"             // sqlite driver loaded here

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

// InternalProvider stores secrets in a database table, encrypted with a key
// derived from the user passphrase. Supported databases: sqlite, postgres,
// mysql; sqlite is the usual choice for a single-host shim install.
type InternalProvider struct {
	db     *sql.DB
	key    []byte
	dbType string
}

// NewInternalProvider opens the store at conn, creating the table on first
// use. The database type is derived from the connection string.
func NewInternalProvider(conn string, key []byte) (*InternalProvider, error) {
	dbType := func(c string) (string, error) {
		if strings.HasPrefix(c, "postgres://") {
			return "postgres", nil
		}
		if strings.Contains(c, "@tcp(") {
			return "mysql", nil
		}
		if strings.HasPrefix(c, "file:/") || strings.HasSuffix(c, ".sqlite") || strings.HasSuffix(c, ".db") {
			return "sqlite", nil
		}
		return "", fmt.Errorf("unsupported database type in connection string")
	}

	dbt, err := dbType(conn)
	if err != nil {
		return nil, fmt.Errorf("can't determine database type: %w", err)
	}

	db, err := sql.Open(dbt, conn)
	if err != nil {
		return nil, fmt.Errorf("can't open secrets database: %w", err)
	}
	if _, err = db.Exec(`CREATE TABLE IF NOT EXISTS plexpg_secrets (name VARCHAR(255) PRIMARY KEY, payload TEXT);`); err != nil {
		return nil, err
	}
	log.Printf("[INFO] internal secrets store opened, type: %s", dbt)
	return &InternalProvider{db: db, dbType: dbt, key: key}, nil
}

// Get retrieves a secret from the store and decrypts it.
func (p *InternalProvider) Get(key string) (string, error) {
	loadStmt := "SELECT payload FROM plexpg_secrets WHERE name = ?"
	if p.dbType == "postgres" {
		loadStmt = "SELECT payload FROM plexpg_secrets WHERE name = $1"
	}

	var sealed []byte
	if err := p.db.QueryRow(loadStmt, key).Scan(&sealed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", errors.New("secret not found")
		}
		return "", err
	}

	decrypted, err := p.decrypt(string(sealed))
	if err != nil {
		return "", fmt.Errorf("can't get secret for %s: %w", key, err)
	}
	return decrypted, nil
}

// Set stores a secret in the store, encrypted.
func (p *InternalProvider) Set(key, value string) error {
	sealed, err := p.encrypt(value)
	if err != nil {
		return fmt.Errorf("can't set secret for %s: %w", key, err)
	}

	var upsertStmt string
	switch p.dbType {
	case "sqlite":
		upsertStmt = "INSERT OR REPLACE INTO plexpg_secrets (name, payload) VALUES ($1, $2)"
	case "postgres":
		upsertStmt = "INSERT INTO plexpg_secrets (name, payload) VALUES ($1, $2) ON CONFLICT (name) DO UPDATE SET payload = $2"
	case "mysql":
		upsertStmt = "REPLACE INTO plexpg_secrets (name, payload) VALUES (?, ?)"
	default:
		return fmt.Errorf("unsupported database type: %s", p.dbType)
	}

	if _, err = p.db.Exec(upsertStmt, key, sealed); err != nil {
		return fmt.Errorf("can't store secret: %w", err)
	}
	return nil
}

// Delete removes a secret from the store.
func (p *InternalProvider) Delete(key string) error {
	deleteStmt := "DELETE FROM plexpg_secrets WHERE name = ?"
	if p.dbType == "postgres" {
		deleteStmt = "DELETE FROM plexpg_secrets WHERE name = $1"
	}

	res, err := p.db.Exec(deleteStmt, key)
	if err != nil {
		return fmt.Errorf("can't delete secret for %s: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("can't check affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("key not found in the store: %s", key)
	}
	return nil
}

// List returns secret keys, filtered by prefix unless it is empty or "*".
func (p *InternalProvider) List(prefix string) ([]string, error) {
	var rows *sql.Rows
	var err error

	switch {
	case prefix == "" || prefix == "*":
		rows, err = p.db.Query("SELECT name FROM plexpg_secrets")
	case p.dbType == "postgres":
		rows, err = p.db.Query("SELECT name FROM plexpg_secrets WHERE name LIKE $1", prefix+"%")
	default:
		rows, err = p.db.Query("SELECT name FROM plexpg_secrets WHERE name LIKE ?", prefix+"%")
	}
	if err != nil {
		return nil, fmt.Errorf("can't list secrets: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("can't scan secret key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("can't retrieve secret keys: %w", err)
	}
	return keys, nil
}

// Close closes the underlying database.
func (p *InternalProvider) Close() error {
	return p.db.Close()
}

// encrypt seals data with NaCl secretbox. A fresh 16-byte salt feeds the key
// derivation and a fresh 24-byte nonce feeds the box; both are prepended to
// the sealed bytes and the whole frame is base64-encoded.
func (p *InternalProvider) encrypt(data string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	naclKey := new([32]byte)
	copy(naclKey[:], deriveKey(p.key, salt))

	nonce := new([24]byte)
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}

	out := make([]byte, 24+16)
	copy(out, nonce[:])
	copy(out[24:], salt)

	sealed := secretbox.Seal(out, []byte(data), nonce, naclKey)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// decrypt reverses encrypt: base64 decode, split nonce and salt, re-derive
// the key and open the box.
func (p *InternalProvider) decrypt(encodedData string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encodedData)
	if err != nil {
		return "", err
	}
	if len(sealed) < 40 {
		return "", errors.New("sealed data too short")
	}

	nonce := new([24]byte)
	copy(nonce[:], sealed[:24])

	salt := sealed[24:40]
	naclKey := new([32]byte)
	copy(naclKey[:], deriveKey(p.key, salt))

	decrypted, ok := secretbox.Open(nil, sealed[40:], nonce, naclKey)
	if !ok {
		return "", errors.New("failed to decrypt")
	}
	return string(decrypted), nil
}

// deriveKey stretches the user passphrase with Argon2id: 1 iteration, 64 MiB
// memory, 4 lanes, 32-byte output.
func deriveKey(key, salt []byte) []byte {
	return argon2.IDKey(key, salt, 1, 64*1024, 4, 32)
}
