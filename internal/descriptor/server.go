package descriptor

import (
	"github.com/BurntSushi/toml"
)

// serverDescriptor mirrors META-INF/serverplugin.toml.
type serverDescriptor struct {
	Name        string `toml:"name"`
	Version     string `toml:"version"`
	Type        string `toml:"type"`
	DisplayName string `toml:"display_name"`
	Description string `toml:"description"`
}

// ServerParser parses server plugin archives.
type ServerParser struct{}

// Parse implements Parser.
func (ServerParser) Parse(path string) (*Descriptor, error) {
	return parseArchive(path, serverDescriptorPath, KindServer, func(data []byte, d *Descriptor) error {
		var sd serverDescriptor
		if _, err := toml.Decode(string(data), &sd); err != nil {
			return err
		}
		d.Name = sd.Name
		d.Version = sd.Version
		d.DisplayName = sd.DisplayName
		d.Description = sd.Description
		return nil
	})
}
