package model

import (
	"encoding/json"
	"strings"
	"time"
	"unicode"
)

// SessionStatus represents the lifecycle status of a session's process.
type SessionStatus string

const (
	SessionStatusRunning SessionStatus = "running"
	SessionStatusExited  SessionStatus = "exited"
	SessionStatusFailed  SessionStatus = "failed"
)

// MaxNameLength bounds session names; they appear in URLs and tab titles.
const MaxNameLength = 64

// Session is a named terminal session backed by one PTY process at a time.
type Session struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Command     string            `json:"command"`
	Workdir     string            `json:"workdir,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Status      SessionStatus     `json:"status"`
	ExitCode    *int              `json:"exitCode,omitempty"`
	PID         *int              `json:"pid,omitempty"`
	LogFilePath string            `json:"logFilePath"`
	IdleState   string            `json:"idleState,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// EnvToJSON converts the Env map to a JSON string for storage.
func (s *Session) EnvToJSON() (string, error) {
	if s.Env == nil {
		return "", nil
	}
	data, err := json.Marshal(s.Env)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// EnvFromJSON parses a JSON string into the Env map.
func (s *Session) EnvFromJSON(data string) error {
	if data == "" {
		s.Env = nil
		return nil
	}
	return json.Unmarshal([]byte(data), &s.Env)
}

// Duration returns how long the session has existed.
func (s *Session) Duration() time.Duration {
	return time.Since(s.CreatedAt)
}

// IsRunning reports whether the session's process is believed to be alive.
func (s *Session) IsRunning() bool {
	return s.Status == SessionStatusRunning
}

// Clone returns a copy that callers may modify freely.
func (s *Session) Clone() *Session {
	c := *s
	if s.Env != nil {
		c.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			c.Env[k] = v
		}
	}
	if s.ExitCode != nil {
		code := *s.ExitCode
		c.ExitCode = &code
	}
	if s.PID != nil {
		pid := *s.PID
		c.PID = &pid
	}
	return &c
}

// ValidateName checks that name can be used as a session name.
func ValidateName(name string) error {
	if name == "" {
		return ErrNameRequired
	}
	if len(name) > MaxNameLength || strings.ContainsAny(name, "/\\") {
		return ErrInvalidName
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return ErrInvalidName
		}
	}
	return nil
}

// CreateSessionRequest represents a request to create a new session.
type CreateSessionRequest struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Workdir string            `json:"workdir"`
	Env     map[string]string `json:"env"`
}

// Validate validates the create session request.
func (r *CreateSessionRequest) Validate() error {
	if err := ValidateName(r.Name); err != nil {
		return err
	}
	if strings.TrimSpace(r.Command) == "" {
		return ErrCommandRequired
	}
	return nil
}
