// Package nlbreak translates a natural language description of a
// breakpoint ("stop at line 12 of count.c", "在main函数设断点") into a
// location specifier understood by pkg/locspec.
//
// Descriptions are first matched against a small set of offline patterns
// and only sent to a language model when none applies. Answers are
// cached.
package nlbreak

import (
	"context"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"github.com/kdbg/kdb/pkg/logflags"
)

// ErrNoConfidentMatch is returned when a description can not be turned
// into a location.
var ErrNoConfidentMatch = errors.New("no confident match for the description")

const cacheSize = 128

// Resolver turns free text into a location specifier.
type Resolver interface {
	Resolve(ctx context.Context, text string) (string, error)
}

// Symbol is a function of the debugged program.
type Symbol struct {
	Name string
	File string
	Line int
}

// Program describes the debugged program to the translator.
type Program struct {
	Functions []Symbol
	Sources   []string
}

// Translator is the Resolver used by the debugger.
type Translator struct {
	program  Program
	provider Provider
	cache    *lru.Cache
	log      logflags.Logger
}

// New returns a Translator for program. If provider is nil only the
// offline patterns are used.
func New(program Program, provider Provider) *Translator {
	cache, err := lru.New(cacheSize)
	if err != nil {
		panic(err)
	}
	return &Translator{
		program:  program,
		provider: provider,
		cache:    cache,
		log:      logflags.NLBreakLogger(),
	}
}

// Resolve implements Resolver.
func (t *Translator) Resolve(ctx context.Context, text string) (string, error) {
	key := strings.TrimSpace(text)
	if key == "" {
		return "", ErrNoConfidentMatch
	}
	if v, ok := t.cache.Get(key); ok {
		t.log.WithField("text", key).Debug("cache hit")
		return v.(string), nil
	}

	if loc, ok := parseOffline(key, t.program); ok {
		t.log.WithFields(logflags.Fields{"text": key, "location": loc}).Debug("offline match")
		t.cache.Add(key, loc)
		return loc, nil
	}

	if t.provider == nil {
		return "", ErrNoConfidentMatch
	}
	t.log.WithField("provider", t.provider.Name()).Debugf("asking language model about %q", key)
	answer, err := t.provider.Complete(ctx, systemPrompt(t.program), key)
	if err != nil {
		return "", fmt.Errorf("%s request failed: %w", t.provider.Name(), err)
	}
	loc, err := parseAnswer(answer)
	if err != nil {
		t.log.WithError(err).Debugf("unusable answer %q", answer)
		return "", err
	}
	t.log.WithFields(logflags.Fields{"text": key, "location": loc}).Debug("model match")
	t.cache.Add(key, loc)
	return loc, nil
}

func systemPrompt(program Program) string {
	var b strings.Builder
	b.WriteString(`You translate a debugger user's natural language description of a breakpoint into JSON.

Functions of the program being debugged:
`)
	for _, fn := range program.Functions {
		if fn.File != "" {
			fmt.Fprintf(&b, "- %s (%s:%d)\n", fn.Name, fn.File, fn.Line)
		} else {
			fmt.Fprintf(&b, "- %s\n", fn.Name)
		}
	}
	b.WriteString("\nSource files:\n")
	for _, src := range program.Sources {
		fmt.Fprintf(&b, "- %s\n", src)
	}
	b.WriteString(`
Answer with exactly one JSON object and nothing else, in one of these forms:
{"type": "line", "file": "<file name or null>", "line": <positive integer>}
{"type": "function", "name": "<function name>"}
{"type": "address", "addr": "0x<hexadecimal address>"}

Examples:
"stop in main" -> {"type": "function", "name": "main"}
"第5行断点" -> {"type": "line", "file": null, "line": 5}
"break at line 10 of count.c" -> {"type": "line", "file": "count.c", "line": 10}
"break at address 0x4005b8" -> {"type": "address", "addr": "0x4005b8"}
`)
	return b.String()
}
