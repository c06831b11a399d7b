// Package descriptor reads plugin archives and extracts the logical name and
// version from the descriptor they carry.
//
// # Archive layout
//
// A plugin archive is a zip file with the ArchiveExt extension. Agent plugins
// carry META-INF/plugin.yaml:
//
//	name: jboss-as
//	version: 4.0.1
//	displayName: JBoss AS
//
// Server plugins carry META-INF/serverplugin.toml:
//
//	name = "alert-email"
//	version = "1.2"
//	type = "alert"
//
// When a descriptor omits its version, the Implementation-Version attribute
// of META-INF/MANIFEST.MF is used, and "0" if that is missing too.
package descriptor

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zip"
)

// ArchiveExt is the extension every plugin archive carries.
const ArchiveExt = ".jar"

const (
	agentDescriptorPath  = "META-INF/plugin.yaml"
	serverDescriptorPath = "META-INF/serverplugin.toml"
	manifestPath         = "META-INF/MANIFEST.MF"

	// maxDescriptorSize bounds how much of a descriptor entry is read.
	maxDescriptorSize = 1 << 20
)

// ErrParse is wrapped by every error caused by an unreadable or invalid
// descriptor.
var ErrParse = errors.New("invalid plugin descriptor")

// Kind identifies the deployment target a plugin belongs to.
type Kind int

const (
	// KindUnknown is returned when no parser recognized the archive.
	KindUnknown Kind = iota
	// KindAgent marks plugins deployed to agents.
	KindAgent
	// KindServer marks plugins deployed inside the server.
	KindServer
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindAgent:
		return "agent"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// Descriptor is the parsed identity of a plugin archive.
type Descriptor struct {
	Name        string
	Version     string
	Kind        Kind
	DisplayName string
	Description string
}

// Parser extracts a Descriptor from the archive at path. Implementations
// must be safe to call repeatedly on the same file.
type Parser interface {
	Parse(path string) (*Descriptor, error)
}

// Detect tries agent first and then server; the first parser that accepts
// the archive wins. A nil parser is skipped.
func Detect(path string, agent, server Parser) (*Descriptor, error) {
	var errs []error
	for _, p := range []Parser{agent, server} {
		if p == nil {
			continue
		}
		d, err := p.Parse(path)
		if err == nil {
			return d, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no parser configured for %s", ErrParse, path)
	}
	return nil, fmt.Errorf("%w: %s is not a plugin archive: %v", ErrParse, path, errors.Join(errs...))
}

// readEntry returns the contents of the named zip entry.
func readEntry(zr *zip.ReadCloser, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(io.LimitReader(rc, maxDescriptorSize))
	}
	return nil, fmt.Errorf("entry %s not found", name)
}

// manifestVersion returns the Implementation-Version attribute of the
// archive manifest, or "" if there is none.
func manifestVersion(zr *zip.ReadCloser) string {
	data, err := readEntry(zr, manifestPath)
	if err != nil {
		return ""
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if ok && strings.TrimSpace(key) == "Implementation-Version" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// parseArchive opens path, reads entry and hands it to decode. It applies the
// manifest version fallback.
func parseArchive(path, entry string, kind Kind, decode func([]byte, *Descriptor) error) (*Descriptor, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrParse, path, err)
	}
	defer zr.Close()

	data, err := readEntry(zr, entry)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, path, err)
	}

	d := &Descriptor{Kind: kind}
	if err := decode(data, d); err != nil {
		return nil, fmt.Errorf("%w: %s: %s: %v", ErrParse, path, entry, err)
	}
	if d.Name == "" {
		return nil, fmt.Errorf("%w: %s: %s has no name", ErrParse, path, entry)
	}
	if d.Version == "" {
		d.Version = manifestVersion(zr)
	}
	if d.Version == "" {
		d.Version = "0"
	}
	return d, nil
}
