package nlbreak

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// parseOffline recognizes descriptions that do not need a language model:
// "第N行", "line N", an address and a function name of the program.
func parseOffline(text string, program Program) (string, bool) {
	lower := strings.ToLower(text)

	if n, ok := numberAfter(lower, "第"); ok {
		return strconv.Itoa(n), true
	}
	if n, ok := numberAfter(lower, "line"); ok {
		return strconv.Itoa(n), true
	}
	if addr, ok := hexAfter(lower, "0x"); ok {
		return fmt.Sprintf("*%#x", addr), true
	}
	if name, ok := mentionedFunction(lower, program); ok {
		return name, true
	}
	return "", false
}

// numberAfter returns the positive decimal number following the first
// occurrence of prefix, spaces allowed in between.
func numberAfter(text, prefix string) (int, bool) {
	i := strings.Index(text, prefix)
	if i < 0 {
		return 0, false
	}
	rest := strings.TrimLeftFunc(text[i+len(prefix):], unicode.IsSpace)
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(rest[:end])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func hexAfter(text, prefix string) (uint64, bool) {
	i := strings.Index(text, prefix)
	if i < 0 {
		return 0, false
	}
	rest := text[i+len(prefix):]
	end := 0
	for end < len(rest) && isHexDigit(rest[end]) {
		end++
	}
	if end == 0 {
		return 0, false
	}
	addr, err := strconv.ParseUint(rest[:end], 16, 64)
	if err != nil {
		return 0, false
	}
	return addr, true
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}

// mentionedFunction returns the longest function name appearing in text as
// a whole identifier.
func mentionedFunction(text string, program Program) (string, bool) {
	best := ""
	for _, fn := range program.Functions {
		name := strings.ToLower(fn.Name)
		if name == "" || len(name) <= len(best) {
			continue
		}
		if containsIdent(text, name) {
			best = fn.Name
		}
	}
	return best, best != ""
}

func containsIdent(text, ident string) bool {
	for off := 0; ; {
		i := strings.Index(text[off:], ident)
		if i < 0 {
			return false
		}
		start, end := off+i, off+i+len(ident)
		if (start == 0 || !isIdentByte(text[start-1])) && (end == len(text) || !isIdentByte(text[end])) {
			return true
		}
		off = start + 1
	}
}

func isIdentByte(c byte) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
