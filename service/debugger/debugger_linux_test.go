package debugger

import (
	"errors"
	"strings"
	"syscall"
	"testing"

	"github.com/kdbg/kdb/pkg/proc"
)

func TestLaunchErrorMessage(t *testing.T) {
	err := launchErrorMessage("./a.out", &proc.SpawnError{Path: "./a.out", Err: syscall.EPERM})
	if !errors.Is(err, syscall.EPERM) {
		t.Fatalf("errno lost: %v", err)
	}
	if !strings.HasPrefix(err.Error(), "could not launch ./a.out: ") {
		t.Fatalf("unexpected message %q", err.Error())
	}

	err = launchErrorMessage("./a.out", &proc.SpawnError{Path: "./a.out", Err: syscall.ENOENT})
	if err.Error() != "could not launch ./a.out: no such file or directory" {
		t.Fatalf("unexpected message %q", err.Error())
	}

	plain := errors.New("other")
	if launchErrorMessage("./a.out", plain) != plain {
		t.Fatal("unrelated error rewritten")
	}
}
