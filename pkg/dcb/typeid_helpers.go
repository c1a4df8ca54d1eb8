package dcb

import (
	"strings"

	"go.jetify.com/typeid"
)

// sanitizeForTypeID converts an arbitrary name into a valid typeid prefix:
// lowercase letters and underscores, starting and ending with a letter.
func sanitizeForTypeID(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r == '_' || r == '-' || r == ' ':
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "command"
	}
	if len(out) > 32 {
		out = strings.Trim(out[:32], "_")
	}
	return out
}

// newCommandID generates a sortable unique id for a command record, prefixed
// with a sanitized form of the command type, e.g. "transfer_money_01jx...".
func newCommandID(commandType string) string {
	tid, err := typeid.WithPrefix(sanitizeForTypeID(commandType))
	if err != nil {
		tid, _ = typeid.WithPrefix("command")
	}
	return tid.String()
}
