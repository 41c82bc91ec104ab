package trigger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// errStopped is the internal signal that Stop interrupted a send.
var errStopped = errors.New("trigger stopped")

// ConfigError reports an unknown trigger type or malformed trigger options.
// It is raised when a job starts and is never retried.
type ConfigError struct {
	Type string
	Key  string
	Err  error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("trigger config")
	if e.Type != "" {
		b.WriteString(" (")
		b.WriteString(e.Type)
		b.WriteString(")")
	}
	if e.Key != "" {
		b.WriteString(": ")
		b.WriteString(e.Key)
	}
	b.WriteString(": ")
	b.WriteString(fmt.Sprint(e.Err))
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigError reports whether err is (or wraps) a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// decodeOptions strictly decodes opts into out: unknown keys and type
// mismatches are configuration errors.
func decodeOptions(typ string, opts Options, out any) error {
	if len(opts) == 0 {
		return nil
	}
	b, err := json.Marshal(map[string]any(opts))
	if err != nil {
		return &ConfigError{Type: typ, Err: err}
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return &ConfigError{Type: typ, Err: err}
	}
	return nil
}
