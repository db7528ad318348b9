package config

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// minPartSize is the S3 minimum for every multipart part but the last.
const minPartSize = 5 << 20

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if err := validateRepository(&cfg.Repository); err != nil {
		return err
	}
	if err := validateRegistry(&cfg.Registry); err != nil {
		return err
	}
	if cfg.Archive.Enabled {
		if err := validateS3(&cfg.Archive.S3); err != nil {
			return err
		}
	}
	return nil
}

func validateRepository(cfg *RepositoryConfig) error {
	maxSize, err := parseSize("repository.max_segment_size", cfg.MaxSegmentSize)
	if err != nil {
		return err
	}
	if maxSize == 0 {
		return fmt.Errorf("repository.max_segment_size: must be greater than zero")
	}
	if _, err := parseSize("repository.spill_threshold", cfg.SpillThreshold); err != nil {
		return err
	}
	return nil
}

func validateRegistry(cfg *RegistryConfig) error {
	if len(cfg.Shards) == 0 {
		return fmt.Errorf("registry.shards: at least one shard must be configured")
	}
	if len(cfg.Shards) > cfg.MaxShards {
		return fmt.Errorf("registry.shards: %d shards configured but max_shards is %d",
			len(cfg.Shards), cfg.MaxShards)
	}

	keys := make(map[string]bool)
	paths := make(map[string]bool)
	for i, shard := range cfg.Shards {
		if keys[shard.Key] {
			return fmt.Errorf("registry.shards[%d]: duplicate shard key %q", i, shard.Key)
		}
		keys[shard.Key] = true

		// Two badger instances cannot share a directory
		if paths[shard.Path] {
			return fmt.Errorf("registry.shards[%d]: path %q is used by another shard", i, shard.Path)
		}
		paths[shard.Path] = true
	}
	return nil
}

func validateS3(cfg *S3Config) error {
	if cfg.Bucket == "" {
		return fmt.Errorf("archive.s3.bucket: required when archiving is enabled")
	}
	if cfg.Region == "" {
		return fmt.Errorf("archive.s3.region: required when archiving is enabled")
	}
	if (cfg.AccessKeyID == "") != (cfg.SecretAccessKey == "") {
		return fmt.Errorf("archive.s3: access_key_id and secret_access_key must be set together")
	}

	partSize, err := parseSize("archive.s3.part_size", cfg.PartSize)
	if err != nil {
		return err
	}
	if partSize < minPartSize {
		return fmt.Errorf("archive.s3.part_size: %s is below the S3 minimum of %s",
			humanize.IBytes(partSize), humanize.IBytes(minPartSize))
	}
	if _, err := parseSize("archive.s3.bytes_per_second", cfg.BytesPerSecond); err != nil {
		return err
	}
	return nil
}

// parseSize parses a human readable size such as "1GiB" or "512MB".
func parseSize(field, value string) (uint64, error) {
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid size %q: %w", field, value, err)
	}
	return n, nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
