// Package vault holds the privileged configuration secret in process
// memory. At most one secret exists at a time and nothing in this package
// ever writes it to disk, to a logger or into an error message.
package vault

import "sync"

// Vault is a single-slot in-memory secret store.
type Vault struct {
	mu     sync.Mutex
	secret []byte
	set    bool
}

// New returns an empty vault.
func New() *Vault {
	return &Vault{}
}

// Set stores a copy of the secret, replacing and zeroing any previous one.
// An empty slice is a valid secret; nil clears instead.
func (v *Vault) Set(secret []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	zero(v.secret)
	if secret == nil {
		v.secret = nil
		v.set = false
		return
	}
	v.secret = append([]byte(nil), secret...)
	v.set = true
}

// Clear zeroes and removes the stored secret.
func (v *Vault) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	zero(v.secret)
	v.secret = nil
	v.set = false
}

// Consume returns a copy of the secret for immediate use. The vault keeps
// the original so later configuration runs in the same process still work;
// callers own the returned copy and should zero it when done.
func (v *Vault) Consume() ([]byte, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.set {
		return nil, false
	}
	return append([]byte(nil), v.secret...), true
}

// IsSet reports whether a secret is currently stored.
func (v *Vault) IsSet() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.set
}

// Zero overwrites a secret copy obtained from Consume.
func Zero(b []byte) {
	zero(b)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
