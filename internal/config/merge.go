package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Top-level YAML config key names used for shallow merge.
const (
	keyLogging    = "logging"
	keyScheduler  = "scheduler"
	keyPagination = "pagination"
	keyRemote     = "remote"
	keyIdentity   = "identity"
	keyBackend    = "backend"
)

// ShallowMergeYAML loads a YAML file and merges its top-level keys onto
// the target Config. Keys present in the overlay replace entire sections
// in the target. Keys absent in the overlay are left unchanged; unknown keys
// are ignored.
func ShallowMergeYAML(target *Config, overlayPath string) error {
	if target == nil {
		return errors.New("nil target *Config in ShallowMergeYAML")
	}

	data, err := os.ReadFile(overlayPath)
	if err != nil {
		return fmt.Errorf("reading overlay file %s: %w", overlayPath, err)
	}

	var overlay map[string]yaml.Node
	if err = yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parsing overlay YAML from %s: %w", overlayPath, err)
	}

	for key, node := range overlay {
		if err = mergeSection(target, key, &node); err != nil {
			return fmt.Errorf("applying overlay section %q: %w", key, err)
		}
	}
	return nil
}

// mergeSection decodes node into a fresh zero value so the section is replaced,
// not merged field by field.
func mergeSection(target *Config, key string, node *yaml.Node) error {
	switch key {
	case keyLogging:
		var v LoggingConfig
		if err := node.Decode(&v); err != nil {
			return err
		}
		target.Logging = v
	case keyScheduler:
		var v SchedulerConfig
		if err := node.Decode(&v); err != nil {
			return err
		}
		target.Scheduler = v
	case keyPagination:
		var v PaginationConfig
		if err := node.Decode(&v); err != nil {
			return err
		}
		target.Pagination = v
	case keyRemote:
		var v RemoteConfig
		if err := node.Decode(&v); err != nil {
			return err
		}
		target.Remote = v
	case keyIdentity:
		var v IdentityConfig
		if err := node.Decode(&v); err != nil {
			return err
		}
		target.Identity = v
	case keyBackend:
		var v BackendConfig
		if err := node.Decode(&v); err != nil {
			return err
		}
		target.Backend = v
	}
	return nil
}
