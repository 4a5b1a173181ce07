package relocate

import (
	"debug/elf"
	"os/exec"
	"strings"

	"github.com/zerobrew/zerobrew/internal/zerrors"
)

// HasInterp reports whether the ELF file at path carries a PT_INTERP
// segment, i.e. it is a dynamically linked executable rather than a shared
// library. Read directly via debug/elf so this detection needs no external
// tool.
func HasInterp(path string) (bool, error) {
	f, err := elf.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_INTERP {
			return true, nil
		}
	}
	return false, nil
}

// relocateELF rewrites an ELF binary's RPATH/RUNPATH, and for executables
// only, its PT_INTERP, using patchelf.
func relocateELF(path string, target Target) error {
	isExecutable, err := HasInterp(path)
	if err != nil {
		return zerrors.Wrap(zerrors.MaterializeError, "relocate.relocateELF", path, err)
	}

	patchelf, err := exec.LookPath("patchelf")
	if err != nil {
		if isExecutable {
			// An executable with a placeholder RPATH or interpreter cannot run
			// correctly without patching; spec.md requires failing loudly here.
			return zerrors.New(zerrors.PatcherMissing, "relocate.relocateELF", path)
		}
		// A shared library's RPATH only affects how ld.so resolves its own
		// deps; skip without failing the whole keg, matching the relaxation
		// recorded in SPEC_FULL.md.
		return nil
	}

	restore, err := makeWritable(path)
	if err != nil {
		return zerrors.Wrap(zerrors.MaterializeError, "relocate.relocateELF", path, err)
	}
	defer restore()

	newRpath := "$ORIGIN/../lib"
	if err := run(patchelf, "--force-rpath", "--set-rpath", newRpath, path); err != nil {
		return zerrors.Wrap(zerrors.MaterializeError, "relocate.relocateELF", path, err)
	}

	if isExecutable {
		if err := run(patchelf, "--set-interpreter", systemLinker(), path); err != nil {
			return zerrors.Wrap(zerrors.MaterializeError, "relocate.relocateELF", path, err)
		}
	}

	return nil
}

func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &execError{name: name, output: strings.TrimSpace(string(out)), err: err}
	}
	return nil
}

type execError struct {
	name   string
	output string
	err    error
}

func (e *execError) Error() string {
	if e.output == "" {
		return e.name + ": " + e.err.Error()
	}
	return e.name + ": " + e.output
}

func (e *execError) Unwrap() error { return e.err }
