// Package hostproto implements the host plugin protocol: one JSON envelope
// on stdin per invocation, one JSON reply on stdout, structured logs on
// stderr. It also owns the mode table that maps task invocations to
// handlers.
package hostproto

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/driftline/metasync/errors"
	"github.com/driftline/metasync/source"
)

// Hook event types the plugin reacts to.
const (
	HookSceneUpdate = "Scene.Update.Post"
	HookSceneCreate = "Scene.Create.Post"
)

// Envelope is the host invocation payload. Only the fields the plugin
// consumes are typed.
type Envelope struct {
	ServerConnection ServerConnection `json:"server_connection"`
	Args             Args             `json:"args"`
}

// ServerConnection tells the plugin how to reach the source server. Older
// hosts spell the cookie field with a lowercase s.
type ServerConnection struct {
	Scheme           string         `json:"Scheme"`
	Host             string         `json:"Host"`
	Port             int            `json:"Port"`
	SessionCookie    *SessionCookie `json:"SessionCookie"`
	SessionCookieAlt *SessionCookie `json:"sessionCookie"`
	APIKey           string         `json:"ApiKey"`
}

// SessionCookie is the host's session credential.
type SessionCookie struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

// SourceConnection converts the envelope connection into a source client
// connection.
func (sc ServerConnection) SourceConnection() source.Connection {
	cookie := sc.SessionCookie
	if cookie == nil {
		cookie = sc.SessionCookieAlt
	}

	conn := source.Connection{
		Scheme: sc.Scheme,
		Host:   sc.Host,
		Port:   sc.Port,
		APIKey: sc.APIKey,
	}
	if cookie != nil && cookie.Name != "" {
		conn.SessionCookie = fmt.Sprintf("%s=%s", cookie.Name, cookie.Value)
	}
	return conn
}

// Args carries either a hook context (event invocation) or a mode (task
// invocation).
type Args struct {
	HookContext *HookContext `json:"hookContext"`
	Mode        string       `json:"mode"`
	Days        int          `json:"days"` // purge_dlq only
}

// HookContext is one source event.
type HookContext struct {
	Type  string                 `json:"type"`
	ID    uint64                 `json:"id"`
	Input map[string]interface{} `json:"input"`
}

// IdentificationInput reports whether the hook input carries an external-id
// array, the signature of an identification run. Those are processed even
// when a scan is running.
func (h *HookContext) IdentificationInput() bool {
	ids, ok := h.Input["stash_ids"].([]interface{})
	return ok && len(ids) > 0
}

// ReadEnvelope decodes the invocation envelope from stdin.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	var env Envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, errors.Wrap(err, "failed to decode invocation envelope")
	}
	return &env, nil
}

// WriteOutput writes the success reply to stdout.
func WriteOutput(w io.Writer, output string) error {
	return json.NewEncoder(w).Encode(map[string]string{"output": output})
}

// WriteError writes the error reply, which goes to stderr alongside a
// non-zero exit. The host treats any "error" key as a failed invocation.
func WriteError(w io.Writer, err error) {
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
