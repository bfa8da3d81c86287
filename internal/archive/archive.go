// Package archive reads application packages: zip, tar.gz/tgz and plain tar
// files carrying an appstack.yaml manifest at their root (or under a single
// top-level directory, which is stripped on extraction).
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"gopkg.in/yaml.v3"

	"github.com/loykin/appstack/internal/errdefs"
	"github.com/loykin/appstack/internal/registry"
)

// ManifestFile is the manifest name looked up at the package root.
const ManifestFile = "appstack.yaml"

var manifestNames = []string{ManifestFile, "appstack.yml"}

// ErrNoManifest is returned when a package carries no manifest.
var ErrNoManifest = fmt.Errorf("package manifest %w", errdefs.ErrNotFound)

// Manifest is the package-declared metadata read before installation.
type Manifest struct {
	Name        string                 `yaml:"name"`
	Version     string                 `yaml:"version"`
	Description string                 `yaml:"description"`
	Install     registry.InstallConfig `yaml:"install"`
}

func (m *Manifest) validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return errors.New("manifest: name is required")
	}
	return nil
}

// ParseManifest decodes a manifest document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Reader is the os-backed package reader.
type Reader struct{}

func (Reader) ReadManifest(path string) (*Manifest, error) { return ReadManifest(path) }

func (Reader) Extract(path, dest string) error { return Extract(path, dest) }

// ReadManifest returns the manifest embedded in the package at path.
func ReadManifest(path string) (*Manifest, error) {
	names, err := listNames(path)
	if err != nil {
		return nil, err
	}
	prefix := commonRoot(names)
	var data []byte
	found := false
	err = walk(path, func(e entry, r io.Reader) error {
		if found || e.kind != kindFile {
			return nil
		}
		rel := strings.TrimPrefix(e.name, prefix)
		for _, n := range manifestNames {
			if rel == n {
				b, err := io.ReadAll(io.LimitReader(r, 1<<20))
				if err != nil {
					return err
				}
				data, found = b, true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), ErrNoManifest)
	}
	return ParseManifest(data)
}

// LoadInstallConfig reads the installation configuration from an extracted
// package directory.
func LoadInstallConfig(dir string) (registry.InstallConfig, error) {
	for _, n := range manifestNames {
		b, err := os.ReadFile(filepath.Join(dir, n))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return registry.InstallConfig{}, err
		}
		m, err := ParseManifest(b)
		if err != nil {
			return registry.InstallConfig{}, err
		}
		return m.Install, nil
	}
	return registry.InstallConfig{}, fmt.Errorf("%s: %w", dir, ErrNoManifest)
}

// Extract unpacks the package into dest, which must already exist. Entries
// escaping dest, hard links and symlinks resolving outside dest are rejected.
// Files and directories are written through an os.Root, so no write can
// follow a link out of dest.
func Extract(path, dest string) error {
	names, err := listNames(path)
	if err != nil {
		return err
	}
	realDest, err := filepath.EvalSymlinks(dest)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	root, err := os.OpenRoot(realDest)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	defer func() { _ = root.Close() }()

	prefix := commonRoot(names)
	err = walk(path, func(e entry, r io.Reader) error {
		rel := strings.TrimPrefix(e.name, prefix)
		if rel == "" || rel == "." {
			return nil
		}
		local, err := localName(rel)
		if err != nil {
			return err
		}
		switch e.kind {
		case kindDir:
			return mkdirAll(root, local)
		case kindSymlink:
			return writeSymlink(root, realDest, local, e.linkname)
		case kindFile:
			return writeFile(root, local, r, e.mode)
		default:
			return fmt.Errorf("archive: unsupported entry %q", e.name)
		}
	})
	if err != nil {
		return err
	}
	// a later entry can change what an earlier link resolves to
	return checkLinks(realDest)
}

func localName(name string) (string, error) {
	local := filepath.FromSlash(strings.TrimSuffix(name, "/"))
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("archive: entry %q escapes destination", name)
	}
	return filepath.Clean(local), nil
}

func mkdirAll(root *os.Root, dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	if err := mkdirAll(root, filepath.Dir(dir)); err != nil {
		return err
	}
	err := root.Mkdir(dir, 0o755)
	if err == nil || !errors.Is(err, fs.ErrExist) {
		return err
	}
	st, err := root.Stat(dir)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("archive: %s is not a directory", dir)
	}
	return nil
}

func writeFile(root *os.Root, name string, r io.Reader, mode fs.FileMode) error {
	if err := mkdirAll(root, filepath.Dir(name)); err != nil {
		return err
	}
	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	f, err := root.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func writeSymlink(root *os.Root, realDest, name, link string) error {
	if filepath.IsAbs(link) {
		return fmt.Errorf("archive: absolute symlink %q", link)
	}
	if err := mkdirAll(root, filepath.Dir(name)); err != nil {
		return err
	}
	target := filepath.Join(realDest, name)
	if err := os.Symlink(link, target); err != nil {
		return err
	}
	if !resolvesInside(realDest, target) {
		_ = os.Remove(target)
		return fmt.Errorf("archive: symlink %s -> %q escapes destination", filepath.ToSlash(name), link)
	}
	return nil
}

// checkLinks re-resolves every symlink under root once extraction is done.
func checkLinks(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 && !resolvesInside(root, p) {
			_ = os.Remove(p)
			return fmt.Errorf("archive: symlink %s escapes destination", p)
		}
		return nil
	})
}

// resolvesInside walks p below root one component at a time, following
// symlinks as the kernel would, and reports whether no step leaves root.
// Components that do not exist yet are taken literally.
func resolvesInside(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil || !filepath.IsLocal(rel) {
		return false
	}
	pending := strings.Split(rel, string(filepath.Separator))
	cur := root
	for hops := 0; len(pending) > 0; {
		part := pending[0]
		pending = pending[1:]
		switch part {
		case "", ".":
			continue
		case "..":
			if cur == root {
				return false
			}
			cur = filepath.Dir(cur)
			continue
		}
		next := filepath.Join(cur, part)
		st, err := os.Lstat(next)
		if err != nil || st.Mode()&fs.ModeSymlink == 0 {
			cur = next
			continue
		}
		if hops++; hops > 40 {
			return false
		}
		link, err := os.Readlink(next)
		if err != nil || filepath.IsAbs(link) {
			return false
		}
		pending = append(strings.Split(filepath.Clean(link), string(filepath.Separator)), pending...)
	}
	return true
}

type entryKind int

const (
	kindFile entryKind = iota
	kindDir
	kindSymlink
	kindOther
)

type entry struct {
	name     string // slash separated, no leading "./"
	kind     entryKind
	mode     fs.FileMode
	linkname string
}

type format int

const (
	formatZip format = iota
	formatTarGz
	formatTar
)

func detect(p string) (format, error) {
	lower := strings.ToLower(p)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return formatZip, nil
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return formatTarGz, nil
	case strings.HasSuffix(lower, ".tar"):
		return formatTar, nil
	default:
		return 0, fmt.Errorf("archive: unsupported package format %q", filepath.Base(p))
	}
}

// walk calls fn for every entry in archive order. r is only readable for files.
func walk(p string, fn func(e entry, r io.Reader) error) error {
	f, err := detect(p)
	if err != nil {
		return err
	}
	if f == formatZip {
		return walkZip(p, fn)
	}
	return walkTar(p, f == formatTarGz, fn)
}

func walkZip(p string, fn func(e entry, r io.Reader) error) error {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", filepath.Base(p), err)
	}
	defer func() { _ = zr.Close() }()
	for _, zf := range zr.File {
		mode := zf.Mode()
		e := entry{name: cleanName(zf.Name), mode: mode}
		switch {
		case mode.IsDir() || strings.HasSuffix(zf.Name, "/"):
			e.kind = kindDir
		case mode&fs.ModeSymlink != 0:
			e.kind = kindSymlink
		case mode.IsRegular():
			e.kind = kindFile
		default:
			e.kind = kindOther
		}
		if e.name == "" {
			continue
		}
		if err := func() error {
			if e.kind == kindDir || e.kind == kindOther {
				return fn(e, nil)
			}
			rc, err := zf.Open()
			if err != nil {
				return err
			}
			defer func() { _ = rc.Close() }()
			if e.kind == kindSymlink {
				b, err := io.ReadAll(io.LimitReader(rc, 4096))
				if err != nil {
					return err
				}
				e.linkname = string(b)
				return fn(e, nil)
			}
			return fn(e, rc)
		}(); err != nil {
			return err
		}
	}
	return nil
}

func walkTar(p string, gz bool, fn func(e entry, r io.Reader) error) error {
	file, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", filepath.Base(p), err)
	}
	defer func() { _ = file.Close() }()
	var src io.Reader = file
	if gz {
		zr, err := gzip.NewReader(file)
		if err != nil {
			return fmt.Errorf("archive: %s: %w", filepath.Base(p), err)
		}
		defer func() { _ = zr.Close() }()
		src = zr
	}
	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("archive: %s: %w", filepath.Base(p), err)
		}
		e := entry{name: cleanName(hdr.Name), mode: hdr.FileInfo().Mode(), linkname: hdr.Linkname}
		if e.name == "" {
			continue
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			e.kind = kindDir
		case tar.TypeReg:
			e.kind = kindFile
		case tar.TypeSymlink:
			e.kind = kindSymlink
		case tar.TypeXGlobalHeader, tar.TypeXHeader:
			continue
		default:
			e.kind = kindOther
		}
		if err := fn(e, tr); err != nil {
			return err
		}
	}
}

func cleanName(n string) string {
	n = strings.TrimPrefix(strings.ReplaceAll(n, "\\", "/"), "./")
	if n == "" || n == "." || n == "./" {
		return ""
	}
	dir := strings.HasSuffix(n, "/")
	n = path.Clean(n)
	if dir {
		n += "/"
	}
	return n
}

func listNames(p string) ([]string, error) {
	var names []string
	err := walk(p, func(e entry, _ io.Reader) error {
		n := e.name
		if e.kind == kindDir && !strings.HasSuffix(n, "/") {
			n += "/"
		}
		names = append(names, n)
		return nil
	})
	return names, err
}

// commonRoot returns "dir/" when every entry lives under the same single
// top-level directory, else "".
func commonRoot(names []string) string {
	root := ""
	for _, n := range names {
		first, _, nested := strings.Cut(n, "/")
		if !nested {
			return ""
		}
		if root == "" {
			root = first
		} else if first != root {
			return ""
		}
	}
	if root == "" {
		return ""
	}
	return root + "/"
}
