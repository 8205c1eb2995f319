package protocol

import "os"

// Reserved meta keys. The caller-side transport layer injects these into
// every outbound request; they are never part of the tool's visible
// arguments.
const (
	MetaSessionID  = "session_id"
	MetaWorkingDir = "working_dir"
)

// Meta is the extensible metadata map attached to every outbound request.
// It rides next to, never inside, the tool argument object, which stays
// exactly what the model specified.
type Meta map[string]any

// clone copies the map so injection never mutates a caller-held value.
func (m Meta) clone() Meta {
	out := make(Meta, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// WithSession returns a copy of the meta with the session id set under the
// reserved key. Other entries are preserved.
func (m Meta) WithSession(sessionID string) Meta {
	out := m.clone()
	out[MetaSessionID] = sessionID
	return out
}

// WithWorkingDir returns a copy of the meta with the working directory set
// under the reserved key.
func (m Meta) WithWorkingDir(dir string) Meta {
	out := m.clone()
	out[MetaWorkingDir] = dir
	return out
}

// SessionID extracts the session id from a request's meta, or "" if absent.
func SessionID(m Meta) string {
	if m == nil {
		return ""
	}
	if v, ok := m[MetaSessionID].(string); ok {
		return v
	}
	return ""
}

// WorkingDir extracts the working directory from a request's meta. When the
// key is absent the host process's working directory is returned, so a tool
// running inside a shared in-process extension still resolves a sensible
// directory for calls that predate meta injection.
func WorkingDir(m Meta) string {
	if m != nil {
		if v, ok := m[MetaWorkingDir].(string); ok && v != "" {
			return v
		}
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
