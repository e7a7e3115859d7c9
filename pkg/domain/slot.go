package domain

import (
	"fmt"
	"strings"
)

// Scope defines the lifetime of a slot.
type Scope string

const (
	ScopeGlobal       Scope = "global"       // per user
	ScopeModule       Scope = "module"       // per user + module
	ScopeSession      Scope = "session"      // per user + module + session
	ScopeConversation Scope = "conversation" // per conversation
)

// Scopes lists every scope from the widest to the narrowest.
var Scopes = []Scope{ScopeGlobal, ScopeModule, ScopeSession, ScopeConversation}

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeModule, ScopeSession, ScopeConversation:
		return true
	}
	return false
}

// SlotPath addresses a slot by scope and name.
type SlotPath struct {
	Scope Scope  `json:"scope"`
	Name  string `json:"name"`
}

// ParseSlotPath parses "scope.name". A bare "name" lives in the
// conversation scope.
func ParseSlotPath(s string) (SlotPath, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return SlotPath{}, fmt.Errorf("empty slot path")
	}
	scope, name, found := strings.Cut(s, ".")
	if !found {
		return SlotPath{Scope: ScopeConversation, Name: s}, nil
	}
	sc := Scope(scope)
	if !sc.Valid() {
		return SlotPath{}, fmt.Errorf("invalid slot scope %q in %q", scope, s)
	}
	if name == "" {
		return SlotPath{}, fmt.Errorf("missing slot name in %q", s)
	}
	return SlotPath{Scope: sc, Name: name}, nil
}

// MustSlotPath is like ParseSlotPath but panics on error. Intended for tests
// and static declarations.
func MustSlotPath(s string) SlotPath {
	p, err := ParseSlotPath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p SlotPath) String() string {
	return string(p.Scope) + "." + p.Name
}

// SlotValuePair is a slot path with the value to store there.
type SlotValuePair struct {
	Path  SlotPath `json:"path"`
	Value Value    `json:"value"`
}

// Identity names the owners of every scope for one conversation.
type Identity struct {
	UserID         string `json:"user_id"`
	ModuleID       string `json:"module_id"`
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
}

// Owner returns the storage owner key of a scope for this identity.
func (id Identity) Owner(scope Scope) string {
	switch scope {
	case ScopeGlobal:
		return id.UserID
	case ScopeModule:
		return id.UserID + "/" + id.ModuleID
	case ScopeSession:
		return id.UserID + "/" + id.ModuleID + "/" + id.SessionID
	default:
		return id.ConversationID
	}
}

// Key returns the storage key of a scope for this identity.
func (id Identity) Key(scope Scope) ScopeKey {
	return ScopeKey{Scope: scope, Owner: id.Owner(scope)}
}

// ScopeKey is the storage address of one scope instance.
type ScopeKey struct {
	Scope Scope
	Owner string
}

func (k ScopeKey) String() string {
	return string(k.Scope) + ":" + k.Owner
}
