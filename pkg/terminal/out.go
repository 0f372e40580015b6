package terminal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

const sourceCacheSize = 16

// getColorableWriter returns a writer for stdout that interprets ANSI
// escape sequences.
func getColorableWriter() io.Writer {
	return colorable.NewColorableStdout()
}

// isDumbTerminal reports whether escape sequences must not be written to
// stdout.
func isDumbTerminal() bool {
	if strings.ToLower(os.Getenv("TERM")) == "dumb" {
		return true
	}
	return !isatty.IsTerminal(os.Stdout.Fd())
}

// sourceCache keeps the lines of recently printed source files.
type sourceCache struct {
	files *lru.Cache
}

func newSourceCache() *sourceCache {
	files, _ := lru.New(sourceCacheSize)
	return &sourceCache{files: files}
}

// line returns line n of path, counting from 1.
func (sc *sourceCache) line(path string, n int) (string, error) {
	var lines []string
	if v, ok := sc.files.Get(path); ok {
		lines = v.([]string)
	} else {
		var err error
		lines, err = readLines(path)
		if err != nil {
			return "", err
		}
		sc.files.Add(path, lines)
	}
	if n < 1 || n > len(lines) {
		return "", fmt.Errorf("%s has no line %d", path, n)
	}
	return lines[n-1], nil
}

func readLines(path string) ([]string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	var lines []string
	scanner := bufio.NewScanner(fh)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	return lines, scanner.Err()
}
