//go:build !linux || !amd64

package native

import (
	"errors"
	"os"

	"github.com/kdbg/kdb/pkg/proc"
)

var ErrNativeBackendDisabled = errors.New("native backend is only available on linux/amd64")

// LaunchOptions configures the inferior's environment.
type LaunchOptions struct {
	WorkingDir            string
	Stdin, Stdout, Stderr *os.File
}

// Launch returns ErrNativeBackendDisabled.
func Launch(_ []string, _ LaunchOptions, _ proc.TrapSites) (proc.Inferior, error) {
	return nil, ErrNativeBackendDisabled
}
