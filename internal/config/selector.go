package config

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

const selectAll = "all"

// Selector is the database selection sent to the auth endpoint: either every
// database the key grants, or an ordered list of names and aliases.
type Selector struct {
	All   bool
	Names []string
}

// ParseSelector parses "all" or a comma separated list. Entries are trimmed,
// empty ones dropped and duplicates removed keeping the first occurrence.
func ParseSelector(s string) Selector {
	if strings.TrimSpace(s) == "" || strings.EqualFold(strings.TrimSpace(s), selectAll) {
		return Selector{All: true}
	}

	return SelectNames(strings.Split(s, ","))
}

// SelectNames builds a Selector from already split names.
func SelectNames(names []string) Selector {
	cleaned := lo.Uniq(lo.Compact(lo.Map(names, func(n string, _ int) string {
		return strings.TrimSpace(n)
	})))

	if len(cleaned) == 0 || (len(cleaned) == 1 && strings.EqualFold(cleaned[0], selectAll)) {
		return Selector{All: true}
	}

	return Selector{Names: cleaned}
}

func (s Selector) String() string {
	if s.All {
		return selectAll
	}

	return strings.Join(s.Names, ",")
}

// Payload returns the value of the "databases" field of the auth request.
func (s Selector) Payload() any {
	if s.All {
		return selectAll
	}

	return s.Names
}

// Decode implements envconfig.Decoder.
func (s *Selector) Decode(value string) error {
	*s = ParseSelector(value)

	return nil
}

// UnmarshalYAML accepts either a scalar ("all" or a comma list) or a sequence.
func (s *Selector) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*s = ParseSelector(node.Value)
	case yaml.SequenceNode:
		var names []string
		if err := node.Decode(&names); err != nil {
			return err
		}

		*s = SelectNames(names)
	default:
		return fmt.Errorf("databases: expected a string or a list, got yaml kind %d", node.Kind)
	}

	return nil
}
