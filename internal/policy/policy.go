// Package policy decides which tools a new connection is granted by default.
package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Catalog is the set of registered tools and their declared categories.
type Catalog interface {
	ToolCategories() map[string]string
}

// Checker is the interface used by consumers to resolve default grants.
type Checker interface {
	DefaultTools(catalog Catalog) []string
	PolicyVersion() string
}

// Policy is the serializable policy data.
type Policy struct {
	// DefaultCategories are granted to every new connection.
	DefaultCategories []string `yaml:"default_categories"`
	// Categories reassigns tools to categories, overriding what the tool
	// definition declares.
	Categories map[string][]string `yaml:"categories,omitempty"`
	AllowTools []string            `yaml:"allow_tools,omitempty"`
	DenyTools  []string            `yaml:"deny_tools,omitempty"`
}

// Default grants the given categories and nothing else.
func Default(categories []string) Policy {
	return Policy{DefaultCategories: normalizeList(categories)}
}

// Load reads a policy file. A missing or empty file yields fallback; a file
// that omits default_categories inherits fallback's.
func Load(path string, fallback Policy) (Policy, error) {
	if path == "" {
		return fallback, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fallback, nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return fallback, nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if p.DefaultCategories == nil {
		p.DefaultCategories = fallback.DefaultCategories
	}
	p.normalize()
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p *Policy) normalize() {
	p.DefaultCategories = normalizeList(p.DefaultCategories)
	p.AllowTools = normalizeList(p.AllowTools)
	p.DenyTools = normalizeList(p.DenyTools)
	if len(p.Categories) > 0 {
		cats := make(map[string][]string, len(p.Categories))
		for name, ids := range p.Categories {
			cats[strings.ToLower(strings.TrimSpace(name))] = normalizeList(ids)
		}
		p.Categories = cats
	}
}

func (p Policy) validate() error {
	for name := range p.Categories {
		if name == "" {
			return fmt.Errorf("policy category name must not be empty")
		}
	}
	for _, id := range p.AllowTools {
		if containsNormalized(p.DenyTools, id) {
			return fmt.Errorf("tool %q is both allowed and denied", id)
		}
	}
	return nil
}

// DefaultTools resolves the sorted tool ids a new connection receives.
func (p Policy) DefaultTools(catalog Catalog) []string {
	categories := catalog.ToolCategories()
	resolved := make(map[string]string, len(categories))
	for id, cat := range categories {
		resolved[id] = strings.ToLower(cat)
	}
	for cat, ids := range p.Categories {
		for _, id := range ids {
			if _, ok := resolved[id]; ok {
				resolved[id] = cat
			}
		}
	}

	var out []string
	for id, cat := range resolved {
		if containsNormalized(p.DenyTools, id) {
			continue
		}
		if containsNormalized(p.DefaultCategories, cat) || containsNormalized(p.AllowTools, id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

// LivePolicy wraps a Policy with thread-safe reload. Reloads affect grants
// made after the swap; existing grants are not touched.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
	base Policy // fallback for missing files and omitted defaults
}

func NewLivePolicy(initial, base Policy) *LivePolicy {
	return &LivePolicy{data: initial, base: base}
}

func (lp *LivePolicy) DefaultTools(catalog Catalog) []string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.DefaultTools(catalog)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.DefaultCategories = append([]string(nil), lp.data.DefaultCategories...)
	cp.AllowTools = append([]string(nil), lp.data.AllowTools...)
	cp.DenyTools = append([]string(nil), lp.data.DenyTools...)
	if lp.data.Categories != nil {
		cp.Categories = make(map[string][]string, len(lp.data.Categories))
		for k, v := range lp.data.Categories {
			cp.Categories[k] = append([]string(nil), v...)
		}
	}
	return cp
}

// ReloadFromFile updates the live policy only when the incoming file parses and validates.
// On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path, lp.base)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	write := func(prefix string, vals []string) {
		for _, v := range vals {
			_, _ = h.Write([]byte(prefix + v + "|"))
		}
	}
	write("default=", p.DefaultCategories)
	write("allow=", p.AllowTools)
	write("deny=", p.DenyTools)
	names := make([]string, 0, len(p.Categories))
	for name := range p.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		write("cat="+name+":", p.Categories[name])
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" && !containsNormalized(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// containsNormalized checks if a slice already contains a value (case-insensitive, trimmed).
func containsNormalized(slice []string, val string) bool {
	for _, s := range slice {
		if strings.ToLower(strings.TrimSpace(s)) == val {
			return true
		}
	}
	return false
}
