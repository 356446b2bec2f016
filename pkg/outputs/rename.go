package outputs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// Item is a produced file and the seed label to embed in its new name.
type Item struct {
	Path string
	Seed string
}

// Renamed records one successful rename.
type Renamed struct {
	From string
	To   string
}

// RenameAll moves each item into dir under a descriptive name. A failed
// rename leaves the original file in place and is reported through logf as a
// note; it never aborts the remaining items.
func RenameAll(dir string, items []Item, tag, stamp string, logf func(string)) []Renamed {
	if logf == nil {
		logf = func(string) {}
	}
	if len(items) == 0 {
		return nil
	}
	if _, err := os.Stat(dir); err != nil {
		return nil
	}

	var done []Renamed
	for i, it := range items {
		if _, err := os.Stat(it.Path); err != nil {
			continue
		}
		name := Name(tag, it.Seed, stamp, i+1, len(items), filepath.Ext(it.Path))
		dst := UniquePath(filepath.Join(dir, name))
		if err := os.Rename(it.Path, dst); err != nil {
			logf(fmt.Sprintf("NOTE: Could not rename '%s': %v", filepath.Base(it.Path), err))
			continue
		}
		logf(fmt.Sprintf("Renamed output: %s -> %s", filepath.Base(it.Path), filepath.Base(dst)))
		done = append(done, Renamed{From: it.Path, To: dst})
	}
	return done
}

// InstructionFile is the scratch file the engine leaves in its project dir.
const InstructionFile = "instruction.txt"

// ArchiveInstruction moves <projectDir>/instruction.txt into outDir as
// instruction_used_<stamp>.txt, or instruction_error_<stamp>.txt when the run
// failed. It returns "" when there is nothing to move.
func ArchiveInstruction(projectDir, outDir, stamp string, ok bool) (string, error) {
	if strings.TrimSpace(projectDir) == "" || strings.TrimSpace(outDir) == "" {
		return "", nil
	}
	src := filepath.Join(projectDir, InstructionFile)
	info, err := os.Stat(src)
	if err != nil || !info.Mode().IsRegular() {
		return "", nil
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	kind := "used"
	if !ok {
		kind = "error"
	}
	dst := UniquePath(filepath.Join(outDir, fmt.Sprintf("instruction_%s_%s.txt", kind, stamp)))
	if err := moveFile(src, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// moveFile renames, falling back to copy+remove across filesystems.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("move %s: %w", src, err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	return os.Remove(src)
}
