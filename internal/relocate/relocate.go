// Package relocate rewrites the @@HOMEBREW_CELLAR@@/@@HOMEBREW_PREFIX@@
// placeholders Homebrew bottles embed in text files and binaries so they
// point at this engine's cellar/prefix instead. The materializer is
// platform-agnostic; this package owns all install_name_tool/patchelf
// knowledge.
package relocate

import (
	"bytes"
	"os"
	"runtime"

	"github.com/zerobrew/zerobrew/internal/platform"
	"github.com/zerobrew/zerobrew/internal/zerrors"
)

// Placeholders are the literal byte sequences Homebrew embeds in scripts,
// pkg-config files, *.la files, and symlink targets.
var Placeholders = [][]byte{
	[]byte("@@HOMEBREW_CELLAR@@"),
	[]byte("@@HOMEBREW_PREFIX@@"),
}

// Target describes where a relocated keg will live, used to resolve
// placeholders into concrete paths.
type Target struct {
	CellarDir string // e.g. <root>/prefix/Cellar/<name>/<version>
	PrefixDir string // e.g. <root>/prefix
}

var (
	elfMagic    = []byte{0x7f, 'E', 'L', 'F'}
	machoMagics = [][]byte{
		{0xfe, 0xed, 0xfa, 0xce}, {0xce, 0xfa, 0xed, 0xfe},
		{0xfe, 0xed, 0xfa, 0xcf}, {0xcf, 0xfa, 0xed, 0xfe},
		{0xca, 0xfe, 0xba, 0xbe}, {0xbe, 0xba, 0xfe, 0xca},
	}
)

// File patches a single file in place: text files get a literal byte
// replacement, binaries get their embedded paths and link metadata rewritten
// by the platform-appropriate tool. Whether an ELF binary is an executable
// (PT_INTERP must be rewritten) or a shared library (it must not) is
// determined by inspecting the file itself, not by caller-supplied state.
func File(path string, target Target) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return zerrors.Wrap(zerrors.MaterializeError, "relocate.File", path, err)
	}

	hasPlaceholder := false
	for _, p := range Placeholders {
		if bytes.Contains(content, p) {
			hasPlaceholder = true
			break
		}
	}
	if !hasPlaceholder {
		return nil
	}

	if !isBinary(content) {
		return relocateText(path, content, target)
	}

	switch {
	case bytes.HasPrefix(content, elfMagic):
		return relocateELF(path, target)
	case isMachO(content):
		return relocateMachO(path, target)
	default:
		return nil
	}
}

func relocateText(path string, content []byte, target Target) error {
	newContent := content
	for _, p := range Placeholders {
		newContent = bytes.ReplaceAll(newContent, p, []byte(resolvePlaceholder(string(p), target)))
	}

	info, err := os.Stat(path)
	if err != nil {
		return zerrors.Wrap(zerrors.MaterializeError, "relocate.relocateText", path, err)
	}
	mode := info.Mode()
	if mode&0200 == 0 {
		if err := os.Chmod(path, mode|0200); err != nil {
			return zerrors.Wrap(zerrors.MaterializeError, "relocate.relocateText", path, err)
		}
	}
	if err := os.WriteFile(path, newContent, mode); err != nil {
		return zerrors.Wrap(zerrors.MaterializeError, "relocate.relocateText", path, err)
	}
	return nil
}

func resolvePlaceholder(placeholder string, target Target) string {
	switch placeholder {
	case "@@HOMEBREW_CELLAR@@":
		return target.CellarDir
	case "@@HOMEBREW_PREFIX@@":
		return target.PrefixDir
	default:
		return placeholder
	}
}

func isBinary(content []byte) bool {
	n := len(content)
	if n > 8192 {
		n = 8192
	}
	for i := 0; i < n; i++ {
		if content[i] == 0 {
			return true
		}
	}
	return false
}

func isMachO(content []byte) bool {
	if len(content) < 4 {
		return false
	}
	for _, m := range machoMagics {
		if bytes.Equal(content[:4], m) {
			return true
		}
	}
	return false
}

func makeWritable(path string) (restore func(), err error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	mode := info.Mode()
	if mode&0200 != 0 {
		return func() {}, nil
	}
	if err := os.Chmod(path, mode|0200); err != nil {
		return nil, err
	}
	return func() { os.Chmod(path, mode) }, nil
}

// systemLinker returns the path to the dynamic linker PT_INTERP should point
// to on this architecture, per spec.md's two named targets. Alpine/musl
// hosts get the musl loader instead; Homebrew itself does not bottle for
// musl, but a relocated executable must still point at whatever loader this
// host actually has.
func systemLinker() string {
	if platform.DetectLibc() == "musl" {
		if runtime.GOARCH == "arm64" {
			return "/lib/ld-musl-aarch64.so.1"
		}
		return "/lib/ld-musl-x86_64.so.1"
	}
	if runtime.GOARCH == "arm64" {
		return "/lib/ld-linux-aarch64.so.1"
	}
	return "/lib64/ld-linux-x86-64.so.2"
}
