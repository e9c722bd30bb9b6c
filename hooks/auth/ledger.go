// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package auth

import (
	"encoding/json"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	mqtt "github.com/mqttkit/engine"
)

const (
	Deny      Access = iota // user cannot access the topic
	ReadOnly                // user can only subscribe to the topic
	WriteOnly               // user can only publish to the topic
	ReadWrite               // user can both publish and subscribe to the topic
)

// Access determines the read/write privileges for an ACL rule.
type Access byte

// Readable returns true if the access level permits subscribing.
func (a Access) Readable() bool {
	return a == ReadOnly || a == ReadWrite
}

// Writable returns true if the access level permits publishing.
func (a Access) Writable() bool {
	return a == WriteOnly || a == ReadWrite
}

// permits returns true if the access level allows a write (publish) or a
// read (subscribe).
func (a Access) permits(write bool) bool {
	if write {
		return a.Writable()
	}
	return a.Readable()
}

// Principal identifies the client a rule is checked against.
type Principal struct {
	ClientID string // the client id
	Username []byte // the username from the connect packet
	Remote   string // the remote address of the connection
}

// Users contains a map of access rules for specific users, keyed on username.
type Users map[string]UserRule

// UserRule defines a set of access rules for a specific user.
type UserRule struct {
	Username RString `json:"username,omitempty" yaml:"username,omitempty"` // the username of a user
	Password RString `json:"password,omitempty" yaml:"password,omitempty"` // the password of a user
	ACL      Filters `json:"acl,omitempty" yaml:"acl,omitempty"`           // filters to match, if desired
	Disallow bool    `json:"disallow,omitempty" yaml:"disallow,omitempty"` // allow or disallow the user
}

// AuthRules defines generic access rules applicable to all users.
type AuthRules []AuthRule

// AuthRule matches connecting clients. The first matching rule decides.
type AuthRule struct {
	Client   RString `json:"client,omitempty" yaml:"client,omitempty"`     // the id of a connecting client
	Username RString `json:"username,omitempty" yaml:"username,omitempty"` // the username of a user
	Remote   RString `json:"remote,omitempty" yaml:"remote,omitempty"`     // remote address or prefix
	Password RString `json:"password,omitempty" yaml:"password,omitempty"` // the password of a user
	Allow    bool    `json:"allow,omitempty" yaml:"allow,omitempty"`       // allow or disallow the users
}

// ACLRules defines generic topic or filter access rules applicable to all users.
type ACLRules []ACLRule

// ACLRule defines access rules for a specific topic or filter.
type ACLRule struct {
	Client   RString `json:"client,omitempty" yaml:"client,omitempty"`     // the id of a connecting client
	Username RString `json:"username,omitempty" yaml:"username,omitempty"` // the username of a user
	Remote   RString `json:"remote,omitempty" yaml:"remote,omitempty"`     // remote address or prefix
	Filters  Filters `json:"filters,omitempty" yaml:"filters,omitempty"`   // filters to match
}

// matches returns true if the rule applies to the principal.
func (r ACLRule) matches(p Principal) bool {
	return r.Client.Matches(p.ClientID) &&
		r.Username.Matches(string(p.Username)) &&
		r.Remote.Matches(p.Remote)
}

// Filters is a map of Access rules keyed on filter.
type Filters map[RString]Access

// RString is a rule value string. An empty string or * matches anything, and
// a trailing * matches any value with the same prefix.
type RString string

// Matches returns true if the rule matches a given string.
func (r RString) Matches(a string) bool {
	rr := string(r)
	if r == "" || r == "*" || a == rr {
		return true
	}

	i := strings.Index(rr, "*")
	return i > 0 && len(a) > i && rr[:i] == a[:i]
}

// FilterMatches returns true if the rule filter covers a topic, or a
// subscription filter. Shared subscription filters are checked against the
// filter they share.
func (r RString) FilterMatches(a string) bool {
	if mqtt.IsSharedFilter(a) {
		if parts := strings.SplitN(a, "/", 3); len(parts) == 3 {
			a = parts[2]
		}
	}

	return filterCovers(string(r), a)
}

// filterCovers compares a rule filter with a topic or filter level by level.
// A + in the rule matches any single level, and # matches all remaining levels.
func filterCovers(rule, topic string) bool {
	rl := strings.Split(rule, "/")
	tl := strings.Split(topic, "/")

	for i, level := range rl {
		if level == "#" {
			return true
		}

		if i >= len(tl) {
			return false
		}

		if level != "+" && level != tl[i] {
			return false
		}
	}

	return len(rl) == len(tl)
}

// Ledger is an auth ledger containing access rules for users and topics.
type Ledger struct {
	sync.RWMutex `json:"-" yaml:"-"`
	Users        Users     `json:"users" yaml:"users"`
	Auth         AuthRules `json:"auth" yaml:"auth"`
	ACL          ACLRules  `json:"acl" yaml:"acl"`
}

// Update replaces the rules of the ledger with those of another.
func (l *Ledger) Update(ln *Ledger) {
	l.Lock()
	defer l.Unlock()
	l.Users = ln.Users
	l.Auth = ln.Auth
	l.ACL = ln.ACL
}

// AuthOk returns true if the rules indicate the principal is allowed to
// connect with the password, and the index of the deciding auth rule.
func (l *Ledger) AuthOk(p Principal, password []byte) (n int, ok bool) {
	l.RLock()
	defer l.RUnlock()

	// A predefined user with a password takes precedence over the global rules.
	if u, ok := l.Users[string(p.Username)]; ok && u.Password != "" && u.Password == RString(password) {
		return 0, !u.Disallow
	}

	for n, rule := range l.Auth {
		if rule.Client.Matches(p.ClientID) &&
			rule.Username.Matches(string(p.Username)) &&
			rule.Password.Matches(string(password)) &&
			rule.Remote.Matches(p.Remote) {
			return n, rule.Allow
		}
	}

	return 0, false
}

// ACLOk returns true if the rules indicate the principal may read (subscribe)
// or write (publish) a filter or topic, and the index of the deciding rule.
// Topics matched by no rule are allowed.
func (l *Ledger) ACLOk(p Principal, topic string, write bool) (n int, ok bool) {
	l.RLock()
	defer l.RUnlock()

	if u, ok := l.Users[string(p.Username)]; ok {
		for filter, access := range u.ACL {
			if filter.FilterMatches(topic) {
				return 0, access.permits(write)
			}
		}
	}

	for n, rule := range l.ACL {
		if !rule.matches(p) {
			continue
		}

		if len(rule.Filters) == 0 {
			return n, true
		}

		matched := false
		for filter, access := range rule.Filters {
			if !filter.FilterMatches(topic) {
				continue
			}

			matched = true
			if access.permits(write) {
				return n, true
			}
		}

		if matched {
			return n, false
		}
	}

	return 0, true
}

// ToJSON encodes the values into a JSON string.
func (l *Ledger) ToJSON() (data []byte, err error) {
	l.RLock()
	defer l.RUnlock()
	return json.Marshal(l)
}

// ToYAML encodes the values into a YAML string.
func (l *Ledger) ToYAML() (data []byte, err error) {
	l.RLock()
	defer l.RUnlock()
	return yaml.Marshal(l)
}

// Unmarshal decodes a JSON or YAML string (such as a rule config from a file) into a struct.
func (l *Ledger) Unmarshal(data []byte) error {
	l.Lock()
	defer l.Unlock()
	if len(data) == 0 {
		return nil
	}

	if data[0] == '{' {
		return json.Unmarshal(data, l)
	}

	return yaml.Unmarshal(data, l)
}
