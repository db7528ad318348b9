package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const configHeader = `# auvault Configuration File
#
# Generated by "auvault init". Every value can be overridden from the
# environment with the AUVAULT_ prefix, e.g. AUVAULT_LOGGING_LEVEL=DEBUG.
# Sizes are human readable (1GiB, 512MB, 10KiB).

`

// fieldComments documents keys of the generated file, by dotted path.
var fieldComments = map[string]string{
	"logging":                       "Log output settings",
	"logging.level":                 "DEBUG, INFO, WARN or ERROR",
	"logging.format":                "text or json",
	"logging.output":                "stdout, stderr or a file path",
	"server":                        "Process-wide settings",
	"server.shutdown_timeout":       "Maximum time to wait for background work on shutdown",
	"repository":                    "Settings shared by every shard",
	"repository.max_segment_size":   "Size at which a WARC segment is sealed and a new one started",
	"repository.spill_threshold":    "Staged version content above this size moves to a temporary file",
	"repository.compression":        "none or gzip (one gzip member per record)",
	"repository.fd_cache_size":      "Segment files kept open for reading",
	"repository.size_calc":          "Background tree size worker",
	"repository.size_calc.max_load": "Fraction of time the worker may spend computing, in (0, 1]",
	"registry":                      "Shards opened at startup; new AUs are spread across them round-robin",
	"registry.max_shards":           "Maximum number of distinct shards",
	"registry.shards":               "type is badger (persistent) or memory (metadata lost on exit)",
	"archive":                       "Upload sealed segments to S3",
	"archive.s3.endpoint":           "Custom endpoint for MinIO or Localstack; forces path-style addressing",
	"archive.s3.access_key_id":      "Leave empty to use the default AWS credential chain",
	"archive.s3.bytes_per_second":   "Upload bandwidth cap, 0 = unlimited",
	"gc":                            "Remove sealed segments no version references",
	"gc.min_age":                    "Segments modified more recently are never removed",
	"gc.dry_run":                    "Report orphans without removing them",
	"metrics":                       "Prometheus metrics and /healthz",
}

// InitConfig writes a default configuration file to the default location.
//
// Returns the path of the written file. Fails if the file exists unless
// force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a default configuration file to path.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// generateYAMLWithComments renders cfg as YAML with a header and a comment
// above each documented key.
func generateYAMLWithComments(cfg *Config) (string, error) {
	var root yaml.Node
	if err := root.Encode(cfg); err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	annotate(&root, "")

	var buf bytes.Buffer
	buf.WriteString(configHeader)

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&root); err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}

	return buf.String(), nil
}

// annotate attaches fieldComments to the keys of a mapping node, recursing
// into nested mappings. Sequence items are left alone.
func annotate(node *yaml.Node, prefix string) {
	if node.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		path := key.Value
		if prefix != "" {
			path = prefix + "." + key.Value
		}
		if comment, ok := fieldComments[path]; ok {
			key.HeadComment = comment
		}
		annotate(value, path)
	}
}
