package descriptor

import (
	"gopkg.in/yaml.v3"
)

// agentDescriptor mirrors META-INF/plugin.yaml.
type agentDescriptor struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	DisplayName string `yaml:"displayName"`
	Description string `yaml:"description"`
}

// AgentParser parses agent plugin archives.
type AgentParser struct{}

// Parse implements Parser.
func (AgentParser) Parse(path string) (*Descriptor, error) {
	return parseArchive(path, agentDescriptorPath, KindAgent, func(data []byte, d *Descriptor) error {
		var ad agentDescriptor
		if err := yaml.Unmarshal(data, &ad); err != nil {
			return err
		}
		d.Name = ad.Name
		d.Version = ad.Version
		d.DisplayName = ad.DisplayName
		d.Description = ad.Description
		return nil
	})
}
