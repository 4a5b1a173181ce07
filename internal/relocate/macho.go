package relocate

import (
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/zerobrew/zerobrew/internal/zerrors"
)

// relocateMachO strips placeholder LC_RPATH entries and load-command
// library IDs, adds a working @loader_path RPATH, rewrites the binary's own
// install name (dylibs only) and every dependent-library load command that
// still embeds a placeholder Cellar/prefix path to @rpath, strips quarantine
// xattrs, and on arm64 ad-hoc re-signs the binary. install_name_tool and
// otool ship with Xcode command line tools; their absence is always a hard
// failure since Mach-O relocation is not optional on macOS. Re-signing is
// best effort: a missing codesign or a failed signature is not an error.
func relocateMachO(path string, target Target) error {
	installNameTool, err := exec.LookPath("install_name_tool")
	if err != nil {
		return zerrors.New(zerrors.PatcherMissing, "relocate.relocateMachO", path)
	}
	otool, err := exec.LookPath("otool")
	if err != nil {
		return zerrors.New(zerrors.PatcherMissing, "relocate.relocateMachO", path)
	}

	restore, err := makeWritable(path)
	if err != nil {
		return zerrors.Wrap(zerrors.MaterializeError, "relocate.relocateMachO", path, err)
	}
	defer restore()

	for _, rpath := range placeholderRpaths(otool, path) {
		run(installNameTool, "-delete_rpath", rpath, path) // best effort, rpath may already be gone
	}

	if err := run(installNameTool, "-add_rpath", "@loader_path/../lib", path); err != nil &&
		!strings.Contains(err.Error(), "would duplicate") {
		return zerrors.Wrap(zerrors.MaterializeError, "relocate.relocateMachO", path, err)
	}

	// A dylib's own install name is a load-command path too: rewrite it to
	// @rpath/<basename> so dependents that already resolved it via RPATH
	// keep working once this file moves to a different Cellar directory.
	if strings.HasSuffix(path, ".dylib") || strings.Contains(filepath.Base(path), ".dylib.") {
		if err := run(installNameTool, "-id", "@rpath/"+filepath.Base(path), path); err != nil {
			return zerrors.Wrap(zerrors.MaterializeError, "relocate.relocateMachO", path, err)
		}
	}

	for _, dep := range placeholderDependencies(otool, path) {
		newRef := "@rpath/" + filepath.Base(dep)
		run(installNameTool, "-change", dep, newRef, path) // best effort, not every ref needs changing
	}

	stripQuarantine(path)

	if runtime.GOARCH == "arm64" {
		if codesign, err := exec.LookPath("codesign"); err == nil {
			run(codesign, "-f", "-s", "-", path) // ad-hoc signature, best effort
		}
	}

	return nil
}

// placeholderRpaths parses `otool -l` output for LC_RPATH entries that still
// contain the Homebrew placeholder, so they can be deleted before the
// working rpath is added.
func placeholderRpaths(otoolPath, binaryPath string) []string {
	cmd := exec.Command(otoolPath, "-l", binaryPath)
	out, err := cmd.Output()
	if err != nil {
		return nil
	}

	var rpaths []string
	inRpath := false
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "cmd LC_RPATH" {
			inRpath = true
			continue
		}
		if inRpath && strings.HasPrefix(line, "path ") {
			p := strings.TrimPrefix(line, "path ")
			if idx := strings.Index(p, " (offset"); idx != -1 {
				p = p[:idx]
			}
			if strings.Contains(p, "HOMEBREW") {
				rpaths = append(rpaths, p)
			}
			inRpath = false
		}
	}
	return rpaths
}

// placeholderDependencies parses `otool -L` output for dependent-library
// load-command paths that still embed a Homebrew placeholder, so they can
// be rewritten with install_name_tool -change to @rpath references. The
// first line of otool -L's output names the binary itself, not a
// dependency, and is skipped.
func placeholderDependencies(otoolPath, binaryPath string) []string {
	cmd := exec.Command(otoolPath, "-L", binaryPath)
	out, err := cmd.Output()
	if err != nil {
		return nil
	}

	lines := strings.Split(string(out), "\n")
	if len(lines) > 0 {
		lines = lines[1:]
	}

	var deps []string
	for _, line := range lines {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 2 {
			continue
		}
		libPath := fields[0]
		if strings.Contains(libPath, "HOMEBREW") || strings.Contains(libPath, "@@") {
			deps = append(deps, libPath)
		}
	}
	return deps
}

// stripQuarantine removes the macOS quarantine/provenance extended
// attributes Gatekeeper would otherwise flag on a freshly materialized
// binary that is no longer byte-identical to its downloaded bottle.
func stripQuarantine(path string) {
	xattr, err := exec.LookPath("xattr")
	if err != nil {
		return
	}
	run(xattr, "-c", path)
}
