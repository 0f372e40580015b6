package nlbreak

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/kdbg/kdb/pkg/locspec"
)

// extractJSON returns the JSON object in a model answer, which may be
// wrapped in a markdown code fence or surrounded by prose.
func extractJSON(content string) string {
	s := strings.TrimSpace(content)
	for _, fence := range []string{"```json", "```"} {
		if i := strings.Index(s, fence); i >= 0 {
			rest := s[i+len(fence):]
			if j := strings.Index(rest, "```"); j >= 0 {
				return strings.TrimSpace(rest[:j])
			}
		}
	}
	if i := strings.IndexByte(s, '{'); i >= 0 {
		if j := strings.LastIndexByte(s, '}'); j > i {
			return s[i : j+1]
		}
	}
	return s
}

// parseAnswer converts a model answer into a location specifier.
func parseAnswer(content string) (string, error) {
	js := extractJSON(content)
	if !gjson.Valid(js) {
		return "", fmt.Errorf("%w: answer is not JSON: %q", ErrNoConfidentMatch, content)
	}
	res := gjson.Parse(js)
	switch typ := res.Get("type").String(); typ {
	case "line":
		line := res.Get("line")
		if line.Type != gjson.Number || line.Int() <= 0 || float64(line.Int()) != line.Float() {
			return "", fmt.Errorf("%w: invalid line %s", ErrNoConfidentMatch, line.Raw)
		}
		n := strconv.FormatInt(line.Int(), 10)
		if file := res.Get("file"); file.Type == gjson.String && strings.TrimSpace(file.String()) != "" {
			return strings.TrimSpace(file.String()) + ":" + n, nil
		}
		return n, nil
	case "function":
		name := strings.TrimSpace(res.Get("name").String())
		if name == "" || strings.ContainsAny(name, " \t:*") {
			return "", fmt.Errorf("%w: invalid function name %q", ErrNoConfidentMatch, name)
		}
		return name, nil
	case "address":
		addr, err := locspec.ParseAddress(res.Get("addr").String())
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrNoConfidentMatch, err)
		}
		return fmt.Sprintf("*%#x", addr), nil
	default:
		return "", fmt.Errorf("%w: unknown location type %q", ErrNoConfidentMatch, typ)
	}
}
