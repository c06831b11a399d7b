package descriptor

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/klauspost/compress/zip"
	"gopkg.in/yaml.v3"
)

// archiveEpoch is stamped on every entry so identical inputs produce
// byte-identical archives.
var archiveEpoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// BuildArchive returns the bytes of a plugin archive carrying d and, if not
// empty, payload as META-INF/payload.bin.
func BuildArchive(d *Descriptor, payload []byte) ([]byte, error) {
	var descPath string
	var descData []byte

	switch d.Kind {
	case KindAgent:
		data, err := yaml.Marshal(agentDescriptor{
			Name:        d.Name,
			Version:     d.Version,
			DisplayName: d.DisplayName,
			Description: d.Description,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal agent descriptor: %w", err)
		}
		descPath, descData = agentDescriptorPath, data
	case KindServer:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(serverDescriptor{
			Name:        d.Name,
			Version:     d.Version,
			DisplayName: d.DisplayName,
			Description: d.Description,
		}); err != nil {
			return nil, fmt.Errorf("failed to marshal server descriptor: %w", err)
		}
		descPath, descData = serverDescriptorPath, buf.Bytes()
	default:
		return nil, fmt.Errorf("unsupported descriptor kind %v", d.Kind)
	}

	var out bytes.Buffer
	zw := zip.NewWriter(&out)
	entries := []struct {
		name string
		data []byte
	}{
		{descPath, descData},
		{"META-INF/payload.bin", payload},
	}
	for _, e := range entries {
		if e.data == nil {
			continue
		}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     e.name,
			Method:   zip.Deflate,
			Modified: archiveEpoch,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to add %s: %w", e.name, err)
		}
		if _, err := w.Write(e.data); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}
	return out.Bytes(), nil
}

// WriteArchive builds an archive for d and writes it to path.
func WriteArchive(path string, d *Descriptor, payload []byte) error {
	data, err := BuildArchive(d, payload)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	return nil
}
