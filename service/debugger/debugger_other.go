//go:build !linux

package debugger

func launchErrorMessage(path string, err error) error {
	return err
}
