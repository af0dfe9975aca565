package prompts

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var rawPrompts []byte

type Extraction struct {
	SchemaName string         `yaml:"schema_name"`
	System     string         `yaml:"system"`
	User       string         `yaml:"user"`
	TextSuffix string         `yaml:"text_suffix"`
	Schema     map[string]any `yaml:"schema"`
}

type Query struct {
	System        string `yaml:"system"`
	User          string `yaml:"user"`
	FailureNotice string `yaml:"failure_notice"`
}

type Set struct {
	Extraction Extraction `yaml:"extraction"`
	Query      Query      `yaml:"query"`
}

// Load decodes the embedded prompt set.
func Load() (*Set, error) {
	return Parse(rawPrompts)
}

func Parse(raw []byte) (*Set, error) {
	var s Set
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode prompts: %w", err)
	}
	var missing []string
	for name, v := range map[string]string{
		"extraction.schema_name": s.Extraction.SchemaName,
		"extraction.system":      s.Extraction.System,
		"extraction.user":        s.Extraction.User,
		"query.system":           s.Query.System,
		"query.user":             s.Query.User,
		"query.failure_notice":   s.Query.FailureNotice,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if s.Extraction.Schema == nil {
		missing = append(missing, "extraction.schema")
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("prompts missing %s", strings.Join(missing, ", "))
	}
	return &s, nil
}

// ExtractionUser is the user prompt, with the document text layer appended when present.
func (e Extraction) ExtractionUser(text string) string {
	text = strings.TrimSpace(text)
	if text == "" || e.TextSuffix == "" {
		return e.User
	}
	return e.User + strings.ReplaceAll(e.TextSuffix, "{{text}}", text)
}

func (q Query) QueryUser(question, graphContext string) string {
	return strings.NewReplacer("{{question}}", question, "{{context}}", graphContext).Replace(q.User)
}
