package reassembly

// ScanObject scans data, which must start with '{', for the matching closing brace.
// Braces inside string literals are ignored and backslash escapes are honored.
// It returns the offset just past the closing brace.
func ScanObject(data []byte) (int, bool) {
	if len(data) == 0 || data[0] != '{' {
		return 0, false
	}

	depth := 0
	inString := false
	escaped := false
	for i, c := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}
