package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrTokenExists  = errors.New("token name already exists")
	ErrInvalidToken = errors.New("invalid token")
)

// CreateToken issues an API token under a unique name. The returned secret
// is shown once; only its bcrypt hash is stored. Secrets have the form
// "<id>.<key>" so verification needs a single hash comparison.
func (s *Store) CreateToken(name string) (string, error) {
	var exists bool
	err := s.db.QueryRow("SELECT EXISTS(SELECT 1 FROM api_tokens WHERE name = ?)", name).Scan(&exists)
	if err != nil {
		return "", err
	}
	if exists {
		return "", ErrTokenExists
	}

	id, err := generateID(8)
	if err != nil {
		return "", err
	}
	key, err := generateID(24)
	if err != nil {
		return "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	if _, err := s.db.Exec(
		"INSERT INTO api_tokens (id, name, token_hash) VALUES (?, ?, ?)",
		id, name, string(hash),
	); err != nil {
		return "", err
	}
	return id + "." + key, nil
}

// VerifyToken returns the name a secret was issued under
func (s *Store) VerifyToken(secret string) (string, error) {
	id, key, ok := strings.Cut(secret, ".")
	if !ok || id == "" || key == "" {
		return "", ErrInvalidToken
	}

	var name, hash string
	err := s.db.QueryRow("SELECT name, token_hash FROM api_tokens WHERE id = ?", id).Scan(&name, &hash)
	if err == sql.ErrNoRows {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
		return "", ErrInvalidToken
	}
	return name, nil
}

// RevokeToken deletes a token by name
func (s *Store) RevokeToken(name string) error {
	_, err := s.db.Exec("DELETE FROM api_tokens WHERE name = ?", name)
	return err
}

func generateID(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
