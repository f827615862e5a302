package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Service categories. Only optional services have an enable/disable surface.
const (
	CategoryCore     = "core"
	CategoryOptional = "optional"
)

// EnvVar describes one environment variable a service expects. Informational only.
type EnvVar struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Required    bool   `json:"required" yaml:"required"`
	Secret      bool   `json:"secret,omitempty" yaml:"secret,omitempty"`
	Default     string `json:"default,omitempty" yaml:"default,omitempty"`
}

// ServiceDefinition holds identity and deployment facts for one manageable service.
type ServiceDefinition struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Category    string   `json:"category" yaml:"category"`
	Port        int      `json:"port" yaml:"port"`
	Image       string   `json:"image" yaml:"image"`
	HealthCheck string   `json:"healthCheck" yaml:"healthCheck"`
	DependsOn   []string `json:"dependsOn" yaml:"dependsOn"`
	EnvVars     []EnvVar `json:"envVars" yaml:"envVars"`
	Profile     string   `json:"profile,omitempty" yaml:"profile,omitempty"`
}

// DeploymentProfile returns the compose profile used to bring the service up
// or down. Defaults to the service id.
func (s ServiceDefinition) DeploymentProfile() string {
	if s.Profile != "" {
		return s.Profile
	}
	return s.ID
}

// IsOptional reports whether the service is a toggleable module.
func (s ServiceDefinition) IsOptional() bool {
	return s.Category == CategoryOptional
}

// InfrastructureDefinition is shared, non-lifecycle-managed infrastructure
// (databases, brokers). Reference data only.
type InfrastructureDefinition struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Image       string   `json:"image" yaml:"image"`
	Port        int      `json:"port" yaml:"port"`
	EnvVars     []EnvVar `json:"envVars" yaml:"envVars"`
	Volumes     []string `json:"volumes" yaml:"volumes"`
}

// Document is the whole registry file.
type Document struct {
	Version        string                     `json:"version" yaml:"version"`
	Services       []ServiceDefinition        `json:"services" yaml:"services"`
	Infrastructure []InfrastructureDefinition `json:"infrastructure" yaml:"infrastructure"`
}

// ParseError reports a registry document that could not be read or decoded.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse registry %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Load reads and parses the registry document at path. YAML is used for
// .yaml/.yml files; everything else is decoded as JSON with comments and
// trailing commas allowed.
func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	doc, err := parse(raw, filepath.Ext(path))
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return doc, nil
}

func parse(raw []byte, ext string) (*Document, error) {
	var doc Document
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("yaml: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(raw)))
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("json: %w", err)
		}
	}

	seen := make(map[string]struct{}, len(doc.Services))
	for i := range doc.Services {
		svc := &doc.Services[i]
		if svc.ID == "" {
			return nil, fmt.Errorf("service at index %d has no id", i)
		}
		if _, dup := seen[svc.ID]; dup {
			return nil, fmt.Errorf("duplicate service id %q", svc.ID)
		}
		seen[svc.ID] = struct{}{}
		if svc.DependsOn == nil {
			svc.DependsOn = []string{}
		}
	}
	return &doc, nil
}
