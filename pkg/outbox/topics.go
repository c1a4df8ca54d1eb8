// Package outbox relays committed events to external sinks. Topics route
// events by tag predicates; publishers are pluggable sinks; one processor
// subscription per (topic, publisher) pair tracks delivery progress, so a
// slow or failing sink never holds back the others.
package outbox

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"go-tidemark/pkg/dcb"
)

// Topic is a predicate over event tags. An event is routed to the topic iff
// every Required key is present, at least one AnyOf key is present (when any
// are listed), and every Exact pair is present. An event may match several
// topics; an event matching none is silently ignored.
type Topic struct {
	Name     string            `yaml:"name" json:"name"`
	Required []string          `yaml:"required,omitempty" json:"required,omitempty"`
	AnyOf    []string          `yaml:"anyOf,omitempty" json:"anyOf,omitempty"`
	Exact    map[string]string `yaml:"exact,omitempty" json:"exact,omitempty"`
}

// Matches reports whether an event carrying the given tags is routed to the
// topic.
func (t Topic) Matches(tags []dcb.Tag) bool {
	keys := make(map[string]struct{}, len(tags))
	pairs := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		keys[tag.GetKey()] = struct{}{}
		pairs[tag.GetKey()+"="+tag.GetValue()] = struct{}{}
	}

	for _, k := range t.Required {
		if _, ok := keys[k]; !ok {
			return false
		}
	}
	if len(t.AnyOf) > 0 {
		found := false
		for _, k := range t.AnyOf {
			if _, ok := keys[k]; ok {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for k, v := range t.Exact {
		if _, ok := pairs[k+"="+v]; !ok {
			return false
		}
	}
	return true
}

// Validate checks the topic definition: a non-empty name and well-formed
// keys. A topic with no clauses is legal and matches every event.
func (t Topic) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("topic name must not be empty")
	}
	if strings.Contains(t.Name, "/") {
		return fmt.Errorf("topic %q: name must not contain '/'", t.Name)
	}
	for _, k := range t.Required {
		if err := validateTagKey(t.Name, k); err != nil {
			return err
		}
	}
	for _, k := range t.AnyOf {
		if err := validateTagKey(t.Name, k); err != nil {
			return err
		}
	}
	for k, v := range t.Exact {
		if err := validateTagKey(t.Name, k); err != nil {
			return err
		}
		if v == "" {
			return fmt.Errorf("topic %q: exact value for key %q must not be empty", t.Name, k)
		}
	}
	return nil
}

func validateTagKey(topic, key string) error {
	if key == "" {
		return fmt.Errorf("topic %q: tag key must not be empty", topic)
	}
	if strings.Contains(key, "=") {
		return fmt.Errorf("topic %q: tag key %q must not contain '='", topic, key)
	}
	return nil
}

// query renders the topic's exact pairs as a store query; the key-presence
// clauses ride separately on the subscription.
func (t Topic) query() dcb.Query {
	if len(t.Exact) == 0 {
		return nil
	}
	keys := make([]string, 0, len(t.Exact))
	for k := range t.Exact {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tags := make([]dcb.Tag, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, dcb.NewTag(k, t.Exact[k]))
	}
	return dcb.NewQuery(tags)
}

// LoadTopics parses a YAML list of topic definitions.
func LoadTopics(r io.Reader) ([]Topic, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read topics: %w", err)
	}
	var topics []Topic
	if err := yaml.Unmarshal(data, &topics); err != nil {
		return nil, fmt.Errorf("failed to parse topics: %w", err)
	}
	seen := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[t.Name]; dup {
			return nil, fmt.Errorf("duplicate topic %q", t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	return topics, nil
}

// LoadTopicsFile reads topic definitions from a YAML file.
func LoadTopicsFile(path string) ([]Topic, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open topics file: %w", err)
	}
	defer f.Close()
	return LoadTopics(f)
}
