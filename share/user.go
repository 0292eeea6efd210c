package sshshare

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/sammck-go/logger"
)

// UserAllowAll is a regular expression used to match any address
var UserAllowAll = regexp.MustCompile("")

// ParseAuth parses a ":"-delimited authorization string pair. Returns
// two empty strings if the input does not contain ":"
func ParseAuth(auth string) (string, string) {
	if strings.Contains(auth, ":") {
		pair := strings.SplitN(auth, ":", 2)
		return pair[0], pair[1]
	}
	return "", ""
}

// User describes a single user's authorization info, including name, password,
// and a list of "host:port" regular expressions the user may forward to
type User struct {
	Name  string
	Pass  string
	Addrs []*regexp.Regexp
}

// HasAccess returns True if a given address matches the allowed address patterns
// for the user
func (u *User) HasAccess(addr string) bool {
	for _, r := range u.Addrs {
		if r.MatchString(addr) {
			return true
		}
	}
	return false
}

// UserIndex is a thread-safe set of users keyed by name
type UserIndex struct {
	logger.Logger
	lock  sync.RWMutex
	users map[string]*User
}

// NewUserIndex creates an empty UserIndex
func NewUserIndex(log logger.Logger) *UserIndex {
	return &UserIndex{
		Logger: log.ForkLogStr("users"),
		users:  make(map[string]*User),
	}
}

// Len returns the number of users
func (idx *UserIndex) Len() int {
	idx.lock.RLock()
	defer idx.lock.RUnlock()
	return len(idx.users)
}

// Get returns the named user
func (idx *UserIndex) Get(name string) (*User, bool) {
	idx.lock.RLock()
	defer idx.lock.RUnlock()
	u, ok := idx.users[name]
	return u, ok
}

// AddUser adds or replaces a user
func (idx *UserIndex) AddUser(u *User) {
	idx.lock.Lock()
	defer idx.lock.Unlock()
	idx.users[u.Name] = u
}

// Del removes the named user
func (idx *UserIndex) Del(name string) {
	idx.lock.Lock()
	defer idx.lock.Unlock()
	delete(idx.users, name)
}

// Authenticate returns the named user if password matches
func (idx *UserIndex) Authenticate(name, password string) (*User, bool) {
	u, ok := idx.Get(name)
	if !ok || u.Pass != password {
		return nil, false
	}
	return u, true
}

// LoadUsers replaces the index with the contents of a JSON auth file of the
// form {"user:pass": ["addr-regexp", ...]}. An empty address list allows every
// address.
func (idx *UserIndex) LoadUsers(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return idx.Errorf("Failed to read auth file: %s", err)
	}
	var raw map[string][]string
	if err := json.Unmarshal(b, &raw); err != nil {
		return idx.Errorf("Invalid JSON in auth file %s: %s", path, err)
	}
	users := make(map[string]*User, len(raw))
	for auth, addrs := range raw {
		u := &User{}
		u.Name, u.Pass = ParseAuth(auth)
		if u.Name == "" {
			return idx.Errorf("Invalid user:pass string %q in %s", auth, path)
		}
		if len(addrs) == 0 {
			u.Addrs = []*regexp.Regexp{UserAllowAll}
		}
		for _, a := range addrs {
			re, err := compileAddr(a)
			if err != nil {
				return idx.Errorf("Invalid address pattern for user %q: %s", u.Name, err)
			}
			u.Addrs = append(u.Addrs, re)
		}
		users[u.Name] = u
	}
	idx.lock.Lock()
	idx.users = users
	idx.lock.Unlock()
	idx.ILogf("Loaded %d users from %s", len(users), path)
	return nil
}

func compileAddr(s string) (*regexp.Regexp, error) {
	if s == "" || s == "*" {
		return UserAllowAll, nil
	}
	re, err := regexp.Compile(s)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", s, err)
	}
	return re, nil
}
