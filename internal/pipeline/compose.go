package pipeline

import (
	"fmt"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/agentlab/prox-orchd/internal/catalog"
)

// materializeCompose merges a catalog app's compose document with
// deploy-time environment overrides and rewrites short-syntax volume host
// paths to live under volumeRoot/hostname (spec.md §4.9 step 10).
//
// The catalog compose document is parsed generically (map[string]any)
// rather than into a typed compose schema: prox-orchd only ever needs to
// inject environment and rewrite volume paths, never to validate or run the
// document itself, so a full compose-spec type would be unused surface.
func materializeCompose(app catalog.App, environment map[string]string, hostname string, volumeRoot string) (string, error) {
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(app.Compose), &doc); err != nil {
		return "", fmt.Errorf("parse catalog compose for %s: %w", app.ID, err)
	}

	merged := make(map[string]string, len(app.Environment)+len(environment))
	for k, v := range app.Environment {
		merged[k] = v
	}
	for k, v := range environment {
		merged[k] = v
	}

	services, _ := doc["services"].(map[string]any)
	for name, raw := range services {
		svc, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if len(merged) > 0 {
			svc["environment"] = mergeServiceEnvironment(svc["environment"], merged)
		}
		if vols, ok := svc["volumes"].([]any); ok {
			svc["volumes"] = rewriteVolumes(vols, hostname, volumeRoot)
		}
		services[name] = svc
	}
	doc["services"] = services

	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("render compose for %s: %w", app.ID, err)
	}
	return string(out), nil
}

// mergeServiceEnvironment folds override on top of a service's existing
// environment, accepting either compose's map form or its list-of-"K=V" form.
func mergeServiceEnvironment(existing any, override map[string]string) map[string]string {
	out := make(map[string]string)
	switch v := existing.(type) {
	case map[string]any:
		for k, val := range v {
			out[k] = fmt.Sprintf("%v", val)
		}
	case []any:
		for _, entry := range v {
			s, ok := entry.(string)
			if !ok {
				continue
			}
			for i := 0; i < len(s); i++ {
				if s[i] == '=' {
					out[s[:i]] = s[i+1:]
					break
				}
			}
		}
	}
	for k, val := range override {
		out[k] = val
	}
	return out
}

// rewriteVolumes prefixes short-syntax "name:/container/path[:ro]" entries
// whose host side is not an absolute path with volumeRoot/hostname/name, so
// every such mount lands in the per-application host directory. A named
// compose volume reference is rewritten the same way; entries without a
// ':' and non-string entries are left unchanged.
func rewriteVolumes(vols []any, hostname, volumeRoot string) []any {
	out := make([]any, 0, len(vols))
	for _, raw := range vols {
		s, ok := raw.(string)
		if !ok {
			out = append(out, raw)
			continue
		}
		parts := splitN(s, ':', 3)
		if len(parts) < 2 || filepath.IsAbs(parts[0]) {
			out = append(out, raw)
			continue
		}
		hostPath := filepath.Join(volumeRoot, hostname, parts[0])
		rest := append([]string{hostPath}, parts[1:]...)
		out = append(out, joinStrings(rest, ":"))
	}
	return out
}

func splitN(s string, sep byte, n int) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s) && len(parts) < n-1; i++ {
		if s[i] == sep {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func joinStrings(parts []string, sep string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += sep + p
	}
	return out
}

// sortedKeys returns m's keys in sorted order. Nothing in the package calls it.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
