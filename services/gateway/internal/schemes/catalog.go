package schemes

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"schemesathi/pkg/domain"
)

// Catalog is the read-only in-memory scheme catalog, loaded once at startup.
type Catalog struct {
	schemes []domain.Scheme
	byID    map[string]domain.Scheme
}

type catalogFile struct {
	Schemes []schemeEntry `yaml:"schemes"`
}

type schemeEntry struct {
	ID                 string   `yaml:"id"`
	Name               string   `yaml:"name"`
	Ministry           string   `yaml:"ministry"`
	Description        string   `yaml:"description"`
	Tags               []string `yaml:"tags"`
	Eligibility        string   `yaml:"eligibility"`
	Benefits           string   `yaml:"benefits"`
	ApplicationProcess string   `yaml:"applicationProcess"`
	SourceLinks        []string `yaml:"sourceLinks"`
}

// Load reads the catalog from a YAML file and validates it.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scheme catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse scheme catalog: %w", err)
	}
	if len(file.Schemes) == 0 {
		return nil, fmt.Errorf("scheme catalog %s contains no schemes", path)
	}
	return New(convertEntries(file.Schemes))
}

// New builds a catalog from already-parsed schemes.
func New(schemes []domain.Scheme) (*Catalog, error) {
	byID := make(map[string]domain.Scheme, len(schemes))
	for _, s := range schemes {
		if strings.TrimSpace(s.ID) == "" || strings.TrimSpace(s.Name) == "" {
			return nil, fmt.Errorf("scheme entries require id and name (got id=%q name=%q)", s.ID, s.Name)
		}
		if _, dup := byID[s.ID]; dup {
			return nil, fmt.Errorf("duplicate scheme id %q", s.ID)
		}
		byID[s.ID] = s
	}
	return &Catalog{schemes: schemes, byID: byID}, nil
}

// List returns schemes matching the query and category filters. An empty
// query matches everything; matching is a case-insensitive substring search
// over name, ministry, description, and tags.
func (c *Catalog) List(query, category string) []domain.Scheme {
	query = strings.ToLower(strings.TrimSpace(query))
	category = strings.ToLower(strings.TrimSpace(category))
	out := make([]domain.Scheme, 0, len(c.schemes))
	for _, s := range c.schemes {
		if category != "" && !hasTag(s, category) {
			continue
		}
		if query != "" && !matches(s, query) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Get returns a scheme by id.
func (c *Catalog) Get(id string) (domain.Scheme, bool) {
	s, ok := c.byID[id]
	return s, ok
}

// Categories returns every distinct tag across the catalog, sorted.
func (c *Catalog) Categories() []string {
	seen := map[string]struct{}{}
	for _, s := range c.schemes {
		for _, tag := range s.Tags {
			tag = strings.ToLower(strings.TrimSpace(tag))
			if tag != "" {
				seen[tag] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for tag := range seen {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of schemes loaded.
func (c *Catalog) Len() int {
	return len(c.schemes)
}

func matches(s domain.Scheme, query string) bool {
	if strings.Contains(strings.ToLower(s.Name), query) ||
		strings.Contains(strings.ToLower(s.Ministry), query) ||
		strings.Contains(strings.ToLower(s.Description), query) {
		return true
	}
	for _, tag := range s.Tags {
		if strings.Contains(strings.ToLower(tag), query) {
			return true
		}
	}
	return false
}

func hasTag(s domain.Scheme, category string) bool {
	for _, tag := range s.Tags {
		if strings.ToLower(tag) == category {
			return true
		}
	}
	return false
}

func convertEntries(entries []schemeEntry) []domain.Scheme {
	out := make([]domain.Scheme, 0, len(entries))
	for _, e := range entries {
		out = append(out, domain.Scheme{
			ID:                 e.ID,
			Name:               e.Name,
			Ministry:           e.Ministry,
			Description:        e.Description,
			Tags:               e.Tags,
			Eligibility:        e.Eligibility,
			Benefits:           e.Benefits,
			ApplicationProcess: e.ApplicationProcess,
			SourceLinks:        e.SourceLinks,
		})
	}
	return out
}
