package symbolize

import (
	"bytes"
	"context"
	"debug/elf"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/go-delve/stackunwind/pkg/dwarf/godwarf"
	"github.com/go-delve/stackunwind/pkg/logflags"
	"github.com/go-delve/stackunwind/pkg/proc"
	"github.com/go-delve/stackunwind/pkg/proc/debuginfod"
)

// debugLink returns the file name and checksum recorded in the
// .gnu_debuglink section of f.
func debugLink(f *elf.File) (name string, crc uint32, ok bool) {
	sec := f.Section(".gnu_debuglink")
	if sec == nil {
		return "", 0, false
	}
	data, err := sec.Data()
	if err != nil {
		return "", 0, false
	}
	i := bytes.IndexByte(data, 0)
	if i <= 0 {
		return "", 0, false
	}
	name = string(data[:i])
	// the name is padded to a multiple of 4 bytes, the CRC follows
	off := (i + 4) &^ 3
	if off+4 <= len(data) {
		crc = f.ByteOrder.Uint32(data[off:])
	}
	return name, crc, true
}

// debugFileCandidates returns, in search order, the paths at which the
// separate debug file of the object at modPath may be found.
func debugFileCandidates(dirs []string, modPath, buildID, link string) []string {
	var r []string
	if len(buildID) > 2 {
		for _, dir := range dirs {
			r = append(r, filepath.Join(dir, buildID[:2], buildID[2:]+".debug"))
		}
	}
	if link != "" {
		modDir := filepath.Dir(modPath)
		if p := filepath.Join(modDir, link); p != filepath.Clean(modPath) {
			r = append(r, p)
		}
		r = append(r, filepath.Join(modDir, ".debug", link))
		for _, dir := range dirs {
			// /usr/lib/debug/.build-id -> /usr/lib/debug/<modDir>/<link>
			r = append(r, filepath.Join(filepath.Dir(dir), modDir, link))
		}
	}
	return r
}

// findDebugFile looks for a file carrying the DWARF sections that were
// stripped from exe, the object file of m. It returns nil if there is none.
func findDebugFile(ctx context.Context, cfg Config, m *proc.Module, exe *elf.File, logger logflags.Logger) (string, *elf.File) {
	buildID := m.BuildID
	if buildID == "" {
		buildID = proc.ReadBuildID(exe)
	}
	link, crc, _ := debugLink(exe)

	for _, path := range debugFileCandidates(cfg.DebugInfoDirectories, m.OpenPath(), buildID, link) {
		if f := openDebugFile(path, buildID, crc, logger); f != nil {
			return path, f
		}
	}
	if cfg.Debuginfod && buildID != "" {
		if !debuginfod.Available() {
			logger.Debugf("debuginfod-find or DEBUGINFOD_URLS missing, not looking up %s", m.Path)
			return "", nil
		}
		path, err := debuginfod.GetDebuginfo(ctx, buildID)
		if err != nil {
			logger.Debugf("debuginfod lookup of %s (%s) failed: %v", m.Path, buildID, err)
		} else if f := openDebugFile(path, buildID, 0, logger); f != nil {
			return path, f
		}
	}
	return "", nil
}

// openDebugFile opens path if it is a debug file for the object with the
// given build id (or, without one, with the given debuglink checksum).
func openDebugFile(path, buildID string, crc uint32, logger logflags.Logger) *elf.File {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	f, err := elf.Open(path)
	if err != nil {
		logger.Debugf("could not open debug file %s: %v", path, err)
		return nil
	}
	reject := func(why string) *elf.File {
		logger.Debugf("rejecting debug file %s: %s", path, why)
		f.Close()
		return nil
	}
	if id := proc.ReadBuildID(f); buildID != "" && id != "" && id != buildID {
		return reject("build id " + id + " does not match " + buildID)
	}
	if buildID == "" && crc != 0 {
		if sum, err := fileCRC(path); err != nil || sum != crc {
			return reject("checksum mismatch")
		}
	}
	if !godwarf.HasDebugSection(f, "info") {
		return reject("no DWARF")
	}
	return f
}

func fileCRC(path string) (uint32, error) {
	fh, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer fh.Close()
	h := crc32.NewIEEE()
	if _, err := io.Copy(h, fh); err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}
