// Package idgen provides short, URL-safe unique ID generation backed by nanoid.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Prefixes for locally generated identifiers. Server-assigned ids never
// carry them.
const (
	LocalMessagePrefix = "tmp-"
	RequestPrefix      = "req-"
	TransactionPrefix  = "tx-"
)

// Alphabet defines the character set used for the random portion of the ID.
var Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters generated (excluding the prefix).
var Length = 12

// LocalMessageID returns an id for an optimistic message.
func LocalMessageID() (string, error) {
	return GenerateWithPrefix(LocalMessagePrefix)
}

// IdempotencyKey returns a key for a mutating API request.
func IdempotencyKey() (string, error) {
	return GenerateWithPrefix(RequestPrefix)
}

// TransactionID returns a client-side id for a new escrow attempt.
func TransactionID() (string, error) {
	return GenerateWithPrefix(TransactionPrefix)
}

// GenerateWithPrefix returns a new unique ID with the given prefix.
func GenerateWithPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}
