// Package config loads the broker's topic descriptors from a YAML file,
// parsed with gopkg.in/yaml.v3.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gramsey/redfoam/internal/topicstore"
)

// File is the top-level shape of a topic-descriptor file.
type File struct {
	NodeID uint32                `yaml:"node_id"`
	Topics []topicstore.Config   `yaml:"topics"`
}

// Load reads and parses a topic-descriptor file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	for _, t := range f.Topics {
		if t.TopicID == 0 {
			return nil, fmt.Errorf("config: %s: topic %q has topic_id 0, which is reserved", path, t.TopicName)
		}
	}

	return &f, nil
}
