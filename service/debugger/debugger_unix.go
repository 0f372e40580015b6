package debugger

import (
	"debug/elf"
	"errors"
	"os"
)

// ErrNotExecutable is returned when the target is not an executable ELF
// file.
var ErrNotExecutable = errors.New("not an executable file")

func verifyBinaryFormat(exePath string) error {
	f, err := os.Open(exePath)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() || (fi.Mode()&0111) == 0 {
		return ErrNotExecutable
	}

	ef, err := elf.NewFile(f)
	if err != nil {
		return ErrNotExecutable
	}
	defer ef.Close()
	if ef.Type != elf.ET_EXEC && ef.Type != elf.ET_DYN {
		return ErrNotExecutable
	}
	return nil
}
