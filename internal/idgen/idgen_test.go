package idgen

import (
	"regexp"
	"testing"
)

func TestLocalMessageID(t *testing.T) {
	id, err := LocalMessageID()
	if err != nil {
		t.Fatalf("LocalMessageID() error: %v", err)
	}
	wantLen := len(LocalMessagePrefix) + Length
	if len(id) != wantLen {
		t.Errorf("LocalMessageID() length = %d, want %d (id=%q)", len(id), wantLen, id)
	}
	if id[:len(LocalMessagePrefix)] != LocalMessagePrefix {
		t.Errorf("LocalMessageID() = %q, want prefix %q", id, LocalMessagePrefix)
	}
}

func TestGenerate_Charset(t *testing.T) {
	for _, gen := range []func() (string, error){LocalMessageID, IdempotencyKey, TransactionID} {
		id, err := gen()
		if err != nil {
			t.Fatalf("generate error: %v", err)
		}
		if !regexp.MustCompile(`^[a-z]+-[a-zA-Z0-9]+$`).MatchString(id) {
			t.Errorf("id %q does not match expected charset pattern", id)
		}
	}
}

func TestGenerate_Uniqueness(t *testing.T) {
	const count = 10_000
	seen := make(map[string]struct{}, count)
	for i := 0; i < count; i++ {
		id, err := IdempotencyKey()
		if err != nil {
			t.Fatalf("IdempotencyKey() error on iteration %d: %v", i, err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate ID after %d generations: %q", i, id)
		}
		seen[id] = struct{}{}
	}
}

func TestGenerateWithPrefix(t *testing.T) {
	prefix := "test-"
	id, err := GenerateWithPrefix(prefix)
	if err != nil {
		t.Fatalf("GenerateWithPrefix(%q) error: %v", prefix, err)
	}
	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `[a-zA-Z0-9]{12}$`)
	if !pattern.MatchString(id) {
		t.Errorf("GenerateWithPrefix(%q) = %q, does not match expected pattern", prefix, id)
	}
}
