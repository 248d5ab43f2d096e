package probe

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	targetsFileReadTemplateConstant  = "read targets file %s: %w"
	targetsFileParseTemplateConstant = "parse targets file %s: %w"
)

type targetsDocument struct {
	Targets []string `yaml:"targets"`
}

// LoadTargetsFile reads the targets list from a YAML document with a top-level targets key.
func LoadTargetsFile(path string) ([]string, error) {
	content, readError := os.ReadFile(path)
	if readError != nil {
		return nil, fmt.Errorf(targetsFileReadTemplateConstant, path, readError)
	}

	var document targetsDocument
	if parseError := yaml.Unmarshal(content, &document); parseError != nil {
		return nil, fmt.Errorf(targetsFileParseTemplateConstant, path, parseError)
	}
	return document.Targets, nil
}

// NormalizeTargets trims targets, drops blanks and removes duplicates while keeping order.
func NormalizeTargets(targetGroups ...[]string) []string {
	seenTargets := make(map[string]struct{})
	normalized := make([]string, 0)
	for _, targets := range targetGroups {
		for _, target := range targets {
			trimmedTarget := strings.TrimSpace(target)
			if len(trimmedTarget) == 0 {
				continue
			}
			if _, seen := seenTargets[trimmedTarget]; seen {
				continue
			}
			seenTargets[trimmedTarget] = struct{}{}
			normalized = append(normalized, trimmedTarget)
		}
	}
	return normalized
}
