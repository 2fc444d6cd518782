package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ryanuber/go-glob"
	"gopkg.in/yaml.v3"
)

// PolicyConfig holds the structure for a policy file.
type PolicyConfig struct {
	ID    string   `yaml:"id"`
	Paths []string `yaml:"paths"` // Glob patterns for file paths
	// Encrypt overrides the default decision for matching paths.
	Encrypt *bool `yaml:"encrypt,omitempty"`
}

// PolicyManager manages loading and matching policies.
type PolicyManager struct {
	policies []*PolicyConfig
	excludes []string
	mu       sync.RWMutex
}

// NewPolicyManager creates a new policy manager. Paths matching any of
// excludes are stored unencrypted unless a policy says otherwise.
func NewPolicyManager(excludes []string) *PolicyManager {
	return &PolicyManager{
		policies: make([]*PolicyConfig, 0),
		excludes: append([]string(nil), excludes...),
	}
}

// LoadPolicies loads policies from the specified file patterns.
func (pm *PolicyManager) LoadPolicies(patterns []string) error {
	policies := make([]*PolicyConfig, 0)

	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("failed to glob pattern %s: %w", pattern, err)
		}

		for _, match := range matches {
			data, err := os.ReadFile(match)
			if err != nil {
				return fmt.Errorf("failed to read policy file %s: %w", match, err)
			}

			var policy PolicyConfig
			if err := yaml.Unmarshal(data, &policy); err != nil {
				return fmt.Errorf("failed to parse policy file %s: %w", match, err)
			}

			if policy.ID == "" {
				return fmt.Errorf("policy in file %s must have an ID", match)
			}
			if len(policy.Paths) == 0 {
				return fmt.Errorf("policy %s must specify at least one path pattern", policy.ID)
			}

			policies = append(policies, &policy)
		}
	}

	pm.mu.Lock()
	pm.policies = policies
	pm.mu.Unlock()
	return nil
}

// SetExcludePatterns replaces the exclude globs.
func (pm *PolicyManager) SetExcludePatterns(excludes []string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.excludes = append([]string(nil), excludes...)
}

// PolicyForPath returns the first policy matching path.
func (pm *PolicyManager) PolicyForPath(path string) *PolicyConfig {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.policyForPath(path)
}

func (pm *PolicyManager) policyForPath(path string) *PolicyConfig {
	for _, policy := range pm.policies {
		for _, pattern := range policy.Paths {
			if glob.Glob(pattern, path) {
				return policy
			}
		}
	}
	return nil
}

// ShouldEncrypt decides whether content at path is encrypted. Only files
// below /<user>/files, /<user>/files_versions or /<user>/files_trashbin are
// candidates.
func (pm *PolicyManager) ShouldEncrypt(path string) bool {
	if !userContentPath(path) {
		return false
	}

	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if policy := pm.policyForPath(path); policy != nil && policy.Encrypt != nil {
		return *policy.Encrypt
	}
	for _, pattern := range pm.excludes {
		if glob.Glob(pattern, path) {
			return false
		}
	}
	return true
}

var contentDirs = map[string]bool{
	"files":          true,
	"files_versions": true,
	"files_trashbin": true,
}

func userContentPath(path string) bool {
	parts := strings.SplitN(strings.TrimPrefix(filepath.ToSlash(path), "/"), "/", 3)
	return len(parts) == 3 && parts[0] != "" && contentDirs[parts[1]] && parts[2] != ""
}
