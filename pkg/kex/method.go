package kex

import (
	"crypto"
	_ "crypto/sha1" // register SHA-1 for crypto.SHA1
	_ "crypto/sha256"
)

// Key exchange method names
const (
	MethodGexSHA256     = "diffie-hellman-group-exchange-sha256"
	MethodGexSHA1       = "diffie-hellman-group-exchange-sha1"
	MethodGroup14SHA256 = "diffie-hellman-group14-sha256"
	MethodGroup14SHA1   = "diffie-hellman-group14-sha1"
	MethodGroup1SHA1    = "diffie-hellman-group1-sha1"
)

// Method binds a key exchange method name to its hash and, for the fixed
// group methods, its group. Group exchange methods have a nil Group; the group
// is negotiated per exchange.
type Method struct {
	Name  string
	Hash  crypto.Hash
	Group *Group
}

// IsGex returns true for group exchange methods
func (m *Method) IsGex() bool {
	return m.Group == nil
}

var methods = map[string]*Method{
	MethodGexSHA256:     {Name: MethodGexSHA256, Hash: crypto.SHA256},
	MethodGexSHA1:       {Name: MethodGexSHA1, Hash: crypto.SHA1},
	MethodGroup14SHA256: {Name: MethodGroup14SHA256, Hash: crypto.SHA256, Group: Group14},
	MethodGroup14SHA1:   {Name: MethodGroup14SHA1, Hash: crypto.SHA1, Group: Group14},
	MethodGroup1SHA1:    {Name: MethodGroup1SHA1, Hash: crypto.SHA1, Group: Group1},
}

// DefaultMethods is the default kex preference order
var DefaultMethods = []string{
	MethodGexSHA256,
	MethodGroup14SHA256,
	MethodGexSHA1,
	MethodGroup14SHA1,
	MethodGroup1SHA1,
}

// LookupMethod returns the Method for a negotiated name, or nil
func LookupMethod(name string) *Method {
	return methods[name]
}

// SupportedMethods returns every supported method name
func SupportedMethods() []string {
	return append([]string(nil), DefaultMethods...)
}
