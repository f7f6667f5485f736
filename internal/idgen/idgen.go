// Package idgen generates the two families of identifiers used across
// Scriptum: 128-bit entity ids (WorkspaceId, DocId, ClientId, DeviceId,
// SessionId, UpdateId, LeaseId — spec §3) and unpredictable random
// secrets (session/resume tokens — spec §4.5).
package idgen

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/google/uuid"
)

// tokenAlphabet mirrors the teacher's session-id alphabet; tokens need
// to be unpredictable, not structured, so a plain alphanumeric set is
// enough entropy at this length.
const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

const tokenLength = 48

// NewID returns a new 128-bit opaque identifier in canonical lowercase
// hex-with-hyphens form.
func NewID() string {
	return uuid.NewString()
}

// NewToken returns a new unpredictable random secret suitable for a
// session_token or resume_token.
func NewToken() string {
	id, err := gonanoid.Generate(tokenAlphabet, tokenLength)
	if err != nil {
		panic(fmt.Sprintf("generate token: %v", err))
	}
	return id
}

// Valid reports whether s is a syntactically well-formed 128-bit id
// (canonical UUID string form).
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
