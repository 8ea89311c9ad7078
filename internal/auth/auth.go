// Package auth authenticates human operators on the API.
//
// Operators are configured as name:token pairs. Only SHA-256 hashes of the
// tokens are kept in memory. Reads are open; anything that changes engine
// state (routing, resolving approvals, level changes, webhooks) requires a
// valid operator token when at least one operator is configured, and the
// operator's name becomes the default resolvedBy of their approvals.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
)

// Errors
var (
	ErrNoToken      = errors.New("operator token required")
	ErrInvalidToken = errors.New("invalid operator token")
)

// MinTokenLength rejects trivially guessable tokens at startup.
const MinTokenLength = 16

type operator struct {
	name string
	hash [sha256.Size]byte
}

// Operators is an immutable set of operator credentials.
type Operators struct {
	ops []operator
}

// ParseOperators parses "name:token,name:token". An empty spec yields a
// set with authentication disabled.
func ParseOperators(spec string) (*Operators, error) {
	o := &Operators{}
	seen := make(map[string]bool)
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, token, ok := strings.Cut(entry, ":")
		name, token = strings.TrimSpace(name), strings.TrimSpace(token)
		if !ok || name == "" || token == "" {
			return nil, fmt.Errorf("operator entry %q must be name:token", name)
		}
		if len(token) < MinTokenLength {
			return nil, fmt.Errorf("token for operator %q must be at least %d characters", name, MinTokenLength)
		}
		if seen[name] {
			return nil, fmt.Errorf("operator %q listed twice", name)
		}
		seen[name] = true
		o.ops = append(o.ops, operator{name: name, hash: sha256.Sum256([]byte(token))})
	}
	return o, nil
}

// Enabled reports whether any operator is configured.
func (o *Operators) Enabled() bool {
	return o != nil && len(o.ops) > 0
}

// Names lists the configured operators.
func (o *Operators) Names() []string {
	names := make([]string, len(o.ops))
	for i, op := range o.ops {
		names[i] = op.name
	}
	return names
}

// Authenticate returns the operator owning raw. raw may carry a "Bearer "
// prefix. Every configured hash is compared so timing does not reveal
// which operator matched.
func (o *Operators) Authenticate(raw string) (string, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return "", ErrNoToken
	}
	sum := sha256.Sum256([]byte(raw))
	match := ""
	for _, op := range o.ops {
		if subtle.ConstantTimeCompare(sum[:], op.hash[:]) == 1 {
			match = op.name
		}
	}
	if match == "" {
		return "", ErrInvalidToken
	}
	return match, nil
}
