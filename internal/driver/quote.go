package driver

import "strings"

// ShellQuote renders argv as a single copy-pasteable shell line.
func ShellQuote(argv []string) string {
	parts := make([]string, 0, len(argv))
	for _, a := range argv {
		if a != "" && isShellSafe(a) {
			parts = append(parts, a)
			continue
		}
		parts = append(parts, "'"+strings.ReplaceAll(a, "'", `'\''`)+"'")
	}
	return strings.Join(parts, " ")
}

func isShellSafe(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("-._/:=,@+", c) >= 0:
		default:
			return false
		}
	}
	return true
}
