package api

import (
	"regexp"

	"github.com/rpcyber/botnet-commander/internal/protocol"
)

// entityPattern matches a literal agent identifier: anything but the empty
// string or characters that would make it ambiguous with a path segment.
var entityPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// validOS reports whether os is empty (no filter) or a recognized tag.
func validOS(os string) bool {
	switch os {
	case "", protocol.OSWindows, protocol.OSLinux, protocol.OSDarwin:
		return true
	default:
		return false
	}
}

// validStatus reports whether status is empty (no filter), "online", or
// "offline".
func validStatus(status string) bool {
	switch status {
	case "", "online", "offline":
		return true
	default:
		return false
	}
}

// validEntity reports whether entity is "*" or a syntactically valid
// literal identifier.
func validEntity(entity string) bool {
	return entity == "*" || entityPattern.MatchString(entity)
}

// validScriptType reports whether t is one of the three interpreters this
// spec recognizes.
func validScriptType(t string) bool {
	switch t {
	case protocol.ScriptSh, protocol.ScriptPowerShell, protocol.ScriptPython:
		return true
	default:
		return false
	}
}

// validTimeout reports whether seconds falls in the accepted [1, 86400]
// range for PUT /timeout.
func validTimeout(seconds int) bool {
	return seconds >= 1 && seconds <= 86400
}
