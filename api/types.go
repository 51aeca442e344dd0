package api

import (
	"bytes"
	"encoding/json"
	"time"
)

// Document is the property map of one thing revision, in the JSON shape it
// is stored and served in. References appear as {"key": "/x"}, rich values
// as {"type": "/type/datetime", "value": "..."}.
type Document map[string]interface{}

// Reference returns the key a reference value points to, if the value is one.
func Reference(v interface{}) (string, bool) {
	m, ok := v.(map[string]interface{})
	if !ok || len(m) != 1 {
		return "", false
	}
	k, ok := m["key"].(string)
	return k, ok
}

func NewReference(key string) map[string]interface{} {
	return map[string]interface{}{"key": key}
}

// TypeKey returns the key of the document's type, or "".
func (d Document) TypeKey() string {
	k, _ := Reference(d["type"])
	return k
}

func (d Document) Key() string {
	k, _ := d["key"].(string)
	return k
}

func (d Document) Copy() Document {
	b, _ := json.Marshal(d)
	var out Document
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	_ = dec.Decode(&out)
	return out
}

// Thing is one row of thing metadata. ID is stable across revisions of the
// same live thing; Revision is the latest revision number.
type Thing struct {
	ID           int64     `json:"id"`
	Key          string    `json:"key"`
	TypeID       int64     `json:"type"`
	Revision     int64     `json:"latest_revision"`
	Created      time.Time `json:"created"`
	LastModified time.Time `json:"last_modified"`
}

// Change is one (key, revision) entry of a changeset.
type Change struct {
	Key      string `json:"key"`
	Revision int64  `json:"revision"`
}

// Changeset records one atomic logical write, possibly spanning several
// things. Author is a user key; it is empty for anonymous edits, and only
// anonymous changesets are addressable by IP.
type Changeset struct {
	ID      int64                  `json:"id"`
	Kind    string                 `json:"kind"`
	Author  string                 `json:"author,omitempty"`
	IP      string                 `json:"ip,omitempty"`
	Comment string                 `json:"comment,omitempty"`
	Bot     bool                   `json:"bot,omitempty"`
	Created time.Time              `json:"timestamp"`
	Changes []Change               `json:"changes"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// SaveResult is returned per document from a save; revision 0 with an empty
// key never occurs, and documents skipped as no-ops are absent entirely.
type SaveResult struct {
	Key      string `json:"key"`
	Revision int64  `json:"revision"`
}

// UserDetails is the account record attached to a /user/* thing.
type UserDetails struct {
	Email       string `json:"email"`
	EncPassword string `json:"enc_password"`
	Status      string `json:"status,omitempty"`
	Bot         bool   `json:"bot,omitempty"`
	Verified    bool   `json:"verified,omitempty"`
}
