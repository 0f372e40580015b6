// Package test builds the C programs in _fixtures for the tests of the
// debugger packages.
package test

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
)

// Fixture is a test binary.
type Fixture struct {
	// Name is the short name of the fixture.
	Name string
	// Path is the absolute path to the test binary.
	Path string
	// Source is the absolute path of the test binary source.
	Source string
}

var (
	// Fixtures is a map of Fixture.Name to Fixture.
	Fixtures   = make(map[string]Fixture)
	fixturesMu sync.Mutex
)

// CompilerFlags are the flags used to build fixtures: debug information,
// no optimizations, a fixed load address and frame pointers.
var CompilerFlags = []string{"-g", "-O0", "-no-pie", "-fno-omit-frame-pointer"}

// FindFixturesDir returns the path of the _fixtures directory.
func FindFixturesDir() string {
	parent := ".."
	fixturesDir := "_fixtures"
	for depth := 0; depth < 10; depth++ {
		if _, err := os.Stat(fixturesDir); err == nil {
			break
		}
		fixturesDir = filepath.Join(parent, fixturesDir)
	}
	return fixturesDir
}

// FindCompiler returns the C compiler used to build fixtures, the value of
// $CC or the first of cc, gcc and clang found in $PATH.
func FindCompiler() (string, bool) {
	if cc := os.Getenv("CC"); cc != "" {
		if path, err := exec.LookPath(cc); err == nil {
			return path, true
		}
	}
	for _, cc := range []string{"cc", "gcc", "clang"} {
		if path, err := exec.LookPath(cc); err == nil {
			return path, true
		}
	}
	return "", false
}

// BuildFixture compiles _fixtures/<name>.c. The test is skipped when the
// platform is not linux/amd64 or no C compiler is available.
func BuildFixture(t testing.TB, name string) Fixture {
	t.Helper()
	if runtime.GOOS != "linux" || runtime.GOARCH != "amd64" {
		t.Skipf("fixtures are only supported on linux/amd64")
	}

	fixturesMu.Lock()
	defer fixturesMu.Unlock()
	if f, ok := Fixtures[name]; ok {
		return f
	}

	cc, ok := FindCompiler()
	if !ok {
		t.Skip("no C compiler available")
	}

	source, err := filepath.Abs(filepath.Join(FindFixturesDir(), name+".c"))
	if err != nil {
		t.Fatal(err)
	}

	// Make a (good enough) random temporary file name
	r := make([]byte, 4)
	rand.Read(r)
	tmpfile := filepath.Join(os.TempDir(), fmt.Sprintf("%s.%s", name, hex.EncodeToString(r)))

	args := append(append([]string{}, CompilerFlags...), "-o", tmpfile, source)
	out, err := exec.Command(cc, args...).CombinedOutput()
	if err != nil {
		t.Skipf("could not compile %s: %v\n%s", source, err, out)
	}

	Fixtures[name] = Fixture{Name: name, Path: tmpfile, Source: source}
	return Fixtures[name]
}

// RunTestsWithFixtures will run test methods and delete the fixtures built
// by them before exiting.
func RunTestsWithFixtures(m *testing.M) int {
	status := m.Run()

	// Remove the fixtures.
	fixturesMu.Lock()
	defer fixturesMu.Unlock()
	for _, f := range Fixtures {
		os.Remove(f.Path)
	}
	return status
}

// FindLine returns the first line of the source of fixture containing
// marker, it is used to keep tests independent from line numbers.
func FindLine(t testing.TB, fixture Fixture, marker string) int {
	t.Helper()
	buf, err := os.ReadFile(fixture.Source)
	if err != nil {
		t.Fatal(err)
	}
	for i, line := range strings.Split(string(buf), "\n") {
		if strings.Contains(line, marker) {
			return i + 1
		}
	}
	t.Fatalf("marker %q not found in %s", marker, fixture.Source)
	return 0
}
