// ABOUTME: Isolation keys bounding which callers share a session set
// ABOUTME: Also fingerprints configuration sets for the legacy shared mode

package toolsession

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"maps"
	"slices"
)

// IsolationKey is the (user, project, conversation) triple. Distinct keys
// never share a Client. ConversationID may be empty.
type IsolationKey struct {
	UserID         string `json:"user_id"`
	ProjectID      string `json:"project_id"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// NewIsolationKey builds a key; conversation may be empty.
func NewIsolationKey(user, project, conversation string) IsolationKey {
	return IsolationKey{UserID: user, ProjectID: project, ConversationID: conversation}
}

// ErrInvalidKey is returned for keys without a user or project.
var ErrInvalidKey = errors.New("isolation key requires user and project")

// Validate reports whether the key identifies a scope.
func (k IsolationKey) Validate() error {
	if k.UserID == "" || k.ProjectID == "" {
		return ErrInvalidKey
	}
	return nil
}

// InScope reports whether the key belongs to the (user, project) scope.
func (k IsolationKey) InScope(user, project string) bool {
	return k.UserID == user && k.ProjectID == project
}

func (k IsolationKey) String() string {
	if k.ConversationID == "" {
		return k.UserID + "_" + k.ProjectID
	}
	return k.UserID + "_" + k.ProjectID + "_" + k.ConversationID
}

// Fingerprint identifies a configuration set independent of map order.
// Identical configurations always produce the same fingerprint.
func Fingerprint(configs map[string]ServerConfig) string {
	type named struct {
		Name   string       `json:"name"`
		Config ServerConfig `json:"config"`
	}
	ordered := make([]named, 0, len(configs))
	for _, name := range slices.Sorted(maps.Keys(configs)) {
		ordered = append(ordered, named{Name: name, Config: configs[name].clone()})
	}
	// Map values inside ServerConfig marshal with sorted keys.
	data, _ := json.Marshal(ordered)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
