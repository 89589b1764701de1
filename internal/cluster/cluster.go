// Package cluster loads scheduler cluster definitions from a directory of
// YAML files and serves them from an immutable in-memory registry.
package cluster

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Cluster describes one scheduler endpoint.
type Cluster struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Adapter   string `json:"adapter"`
	LoginHost string `json:"login_host"`

	// Submit is false when the definition opts out of job submission.
	Submit bool `json:"-"`
	// AdapterConfig holds the remaining keys of the job block, passed to the
	// adapter factory untouched.
	AdapterConfig map[string]any `json:"-"`
}

// SubmissionEnabled reports whether jobs may be listed and submitted here.
func (c Cluster) SubmissionEnabled() bool {
	return c.Adapter != "" && c.Submit
}

type definition struct {
	V2 struct {
		Metadata struct {
			Title string `yaml:"title"`
		} `yaml:"metadata"`
		Login struct {
			Host string `yaml:"host"`
		} `yaml:"login"`
		Job map[string]any `yaml:"job"`
	} `yaml:"v2"`
}

// Parse decodes a single cluster definition. id is normally the file stem.
func Parse(id string, data []byte) (Cluster, error) {
	var def definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Cluster{}, fmt.Errorf("decode cluster %q: %w", id, err)
	}
	c := Cluster{
		ID:        id,
		Title:     strings.TrimSpace(def.V2.Metadata.Title),
		LoginHost: strings.TrimSpace(def.V2.Login.Host),
		Submit:    true,
	}
	if c.Title == "" {
		c.Title = id
	}
	if len(def.V2.Job) == 0 {
		return c, nil
	}
	extra := make(map[string]any, len(def.V2.Job))
	for k, v := range def.V2.Job {
		switch k {
		case "adapter":
			s, ok := v.(string)
			if !ok {
				return Cluster{}, fmt.Errorf("cluster %q: v2.job.adapter must be a string", id)
			}
			c.Adapter = strings.TrimSpace(s)
		case "submit":
			b, ok := v.(bool)
			if !ok {
				return Cluster{}, fmt.Errorf("cluster %q: v2.job.submit must be a boolean", id)
			}
			c.Submit = b
		default:
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		c.AdapterConfig = extra
	}
	return c, nil
}

// LoadDir reads every *.yml and *.yaml file in dir, sorted by id. A missing
// directory yields no clusters. Files that fail to parse are logged and
// skipped so one bad definition does not hide the rest.
func LoadDir(dir string, logger *zap.Logger) ([]Cluster, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("cluster directory does not exist", zap.String("dir", dir))
			return []Cluster{}, nil
		}
		return nil, fmt.Errorf("read cluster directory: %w", err)
	}

	clusters := make([]Cluster, 0, len(entries))
	seen := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := filepath.Ext(name)
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		id := strings.TrimSuffix(name, ext)
		if id == "" || strings.HasPrefix(id, ".") {
			continue
		}
		if prev, dup := seen[id]; dup {
			logger.Warn("duplicate cluster id; keeping first definition",
				zap.String("cluster", id), zap.String("kept", prev), zap.String("skipped", name))
			continue
		}
		path := filepath.Join(dir, name)
		// #nosec G304 -- directory comes from operator configuration.
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("skipping unreadable cluster file", zap.String("path", path), zap.Error(err))
			continue
		}
		c, err := Parse(id, data)
		if err != nil {
			logger.Warn("skipping invalid cluster file", zap.String("path", path), zap.Error(err))
			continue
		}
		seen[id] = name
		clusters = append(clusters, c)
	}
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].ID < clusters[j].ID })
	return clusters, nil
}
