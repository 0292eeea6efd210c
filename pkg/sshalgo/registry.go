// Package sshalgo resolves negotiated SSH algorithm names to implementations:
// host key signature schemes, packet ciphers, MACs, compression and the
// source of randomness. The engine never implements these primitives itself;
// it only selects among them by name.
package sshalgo

import (
	"crypto/rand"
	"fmt"
	"io"
)

// CompressionNone is the only compression method supported
const CompressionNone = "none"

// Registry maps algorithm names to implementations and holds the preference
// order used when building proposals. A Registry is read-only after creation
// and is safe for concurrent use.
type Registry struct {
	// Rand is the source of randomness for cookies, padding, DH exponents and
	// signatures
	Rand io.Reader

	ciphers      map[string]*Cipher
	cipherOrder  []string
	macs         map[string]*MAC
	macOrder     []string
	hostKeyOrder []string
}

// NewRegistry creates a Registry with every supported algorithm, in the
// default preference order
func NewRegistry() *Registry {
	r := &Registry{
		Rand:         rand.Reader,
		ciphers:      map[string]*Cipher{},
		macs:         map[string]*MAC{},
		hostKeyOrder: append([]string(nil), defaultHostKeyAlgorithms...),
	}
	for _, c := range builtinCiphers {
		r.ciphers[c.Name] = c
		r.cipherOrder = append(r.cipherOrder, c.Name)
	}
	for _, m := range builtinMACs {
		r.macs[m.Name] = m
		r.macOrder = append(r.macOrder, m.Name)
	}
	return r
}

var defaultRegistry = NewRegistry()

// Default returns the shared default Registry
func Default() *Registry {
	return defaultRegistry
}

// Ciphers returns supported cipher names in preference order
func (r *Registry) Ciphers() []string {
	return append([]string(nil), r.cipherOrder...)
}

// MACs returns supported MAC names in preference order
func (r *Registry) MACs() []string {
	return append([]string(nil), r.macOrder...)
}

// Compressions returns supported compression names in preference order
func (r *Registry) Compressions() []string {
	return []string{CompressionNone}
}

// HostKeyAlgorithms returns supported host key algorithm names in preference
// order
func (r *Registry) HostKeyAlgorithms() []string {
	return append([]string(nil), r.hostKeyOrder...)
}

// Cipher looks up a cipher by name
func (r *Registry) Cipher(name string) (*Cipher, error) {
	c, ok := r.ciphers[name]
	if !ok {
		return nil, fmt.Errorf("sshalgo: unsupported cipher %q", name)
	}
	return c, nil
}

// MAC looks up a MAC by name
func (r *Registry) MAC(name string) (*MAC, error) {
	m, ok := r.macs[name]
	if !ok {
		return nil, fmt.Errorf("sshalgo: unsupported MAC %q", name)
	}
	return m, nil
}

// CheckCompression verifies that name is a supported compression method
func (r *Registry) CheckCompression(name string) error {
	if name != CompressionNone {
		return fmt.Errorf("sshalgo: unsupported compression %q", name)
	}
	return nil
}

// Filter returns the members of want that are also supported by have, keeping
// the order of want. It is used to restrict a configured preference list to
// what the registry can actually provide.
func Filter(want, have []string) []string {
	supported := make(map[string]bool, len(have))
	for _, h := range have {
		supported[h] = true
	}
	var out []string
	for _, w := range want {
		if supported[w] {
			out = append(out, w)
		}
	}
	return out
}
