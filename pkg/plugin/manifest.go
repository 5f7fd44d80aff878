package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// Entry point schemes recognized by the runtime.
const (
	EntryPointBuiltin = "builtin"
	EntryPointBinary  = "binary"
)

const manifestFileName = "manifest.json"

var (
	// pluginIDRegex validates plugin ID format (lowercase alphanumeric with hyphens)
	pluginIDRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

	// toolNameRegex validates tool short names; dots are reserved as the
	// full-name separator
	toolNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
)

// supportedParamTypes are the input_schema types a tool may declare.
var supportedParamTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"integer": true,
	"boolean": true,
	"array":   true,
	"object":  true,
}

// Validator checks parsed manifests against the document schema, the
// semantic rules, and the host API compatibility range. Validation is
// side-effect-free and may be re-run idempotently.
type Validator struct {
	logger       zerolog.Logger
	schemaLoader gojsonschema.JSONLoader
	hostVersion  *semver.Version
}

// NewValidator creates a manifest validator bound to HostAPIVersion.
func NewValidator(logger zerolog.Logger) *Validator {
	return &Validator{
		logger:       logger.With().Str("component", "manifest-validator").Logger(),
		schemaLoader: gojsonschema.NewStringLoader(ManifestSchema),
		hostVersion:  semver.MustParse(HostAPIVersion),
	}
}

// Validate checks one parsed manifest. Rule violations are collected and
// returned together; a manifest is never partially accepted.
func (v *Validator) Validate(manifest *Manifest) error {
	if manifest == nil {
		return fmt.Errorf("%w: manifest is nil", ErrValidation)
	}

	if err := v.validateSchema(manifest); err != nil {
		return err
	}
	if errs := v.validateRules(manifest); len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(errs, "; "))
	}
	return v.validateCompatibility(manifest)
}

// validateSchema validates the manifest shape against the JSON schema.
func (v *Validator) validateSchema(manifest *Manifest) error {
	documentLoader := gojsonschema.NewGoLoader(manifest)
	result, err := gojsonschema.Validate(v.schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("%w: schema check: %v", ErrValidation, err)
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, resultErr := range result.Errors() {
			msgs = append(msgs, resultErr.String())
		}
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
	}

	return nil
}

// validateRules performs the semantic checks beyond the JSON schema and
// collects every violation.
func (v *Validator) validateRules(manifest *Manifest) []string {
	var errs []string

	if !pluginIDRegex.MatchString(manifest.ID) {
		errs = append(errs, fmt.Sprintf("invalid plugin id %q (lowercase alphanumeric with hyphens)", manifest.ID))
	}
	if _, err := semver.NewVersion(manifest.Version); err != nil {
		errs = append(errs, fmt.Sprintf("invalid version %q: %v", manifest.Version, err))
	}
	if manifest.Category != "" && !ValidCategories[manifest.Category] {
		errs = append(errs, fmt.Sprintf("unrecognized category %q", manifest.Category))
	}

	scheme, _, ok := strings.Cut(manifest.EntryPoint, ":")
	if !ok || (scheme != EntryPointBuiltin && scheme != EntryPointBinary) {
		errs = append(errs, fmt.Sprintf("entry point %q must use the %s: or %s: scheme", manifest.EntryPoint, EntryPointBuiltin, EntryPointBinary))
	} else if strings.TrimSpace(manifest.EntryPoint[len(scheme)+1:]) == "" {
		errs = append(errs, fmt.Sprintf("entry point %q names nothing after the scheme", manifest.EntryPoint))
	}

	seenDeps := make(map[string]bool)
	for i, dep := range manifest.Dependencies {
		if !pluginIDRegex.MatchString(dep.PluginID) {
			errs = append(errs, fmt.Sprintf("dependency %d: invalid plugin id %q", i, dep.PluginID))
			continue
		}
		if dep.PluginID == manifest.ID {
			errs = append(errs, fmt.Sprintf("dependency %d: plugin depends on itself", i))
		}
		if seenDeps[dep.PluginID] {
			errs = append(errs, fmt.Sprintf("dependency %d: duplicate dependency on %q", i, dep.PluginID))
		}
		seenDeps[dep.PluginID] = true
		if dep.Version != "" {
			if _, err := semver.NewConstraint(dep.Version); err != nil {
				errs = append(errs, fmt.Sprintf("dependency %d: invalid version constraint %q: %v", i, dep.Version, err))
			}
		}
	}

	for i, perm := range manifest.Permissions {
		if !ValidPermissions[perm] {
			errs = append(errs, fmt.Sprintf("permission %d: unrecognized permission %q", i, perm))
		}
	}

	if res := manifest.Resources; res != nil {
		if res.MemoryMB < 0 || res.DiskMB < 0 || res.CPUCores < 0 || res.TimeoutSeconds < 0 {
			errs = append(errs, "resources: values must not be negative")
		}
	}

	errs = append(errs, v.validateTools(manifest)...)
	return errs
}

// validateTools checks the declared tool list: short names valid and unique
// within the manifest, invocation descriptors present, and input schemas
// limited to the supported types.
func (v *Validator) validateTools(manifest *Manifest) []string {
	var errs []string

	seen := make(map[string]bool)
	for i, tool := range manifest.Tools {
		if !toolNameRegex.MatchString(tool.Name) {
			errs = append(errs, fmt.Sprintf("tool %d: invalid name %q (lowercase alphanumeric, hyphens, underscores)", i, tool.Name))
			continue
		}
		if seen[tool.Name] {
			errs = append(errs, fmt.Sprintf("tool %d: duplicate tool name %q", i, tool.Name))
		}
		seen[tool.Name] = true

		if strings.TrimSpace(tool.Command) == "" {
			errs = append(errs, fmt.Sprintf("tool %q: command is required", tool.Name))
		}
		if tool.TimeoutSeconds < 0 {
			errs = append(errs, fmt.Sprintf("tool %q: timeout must not be negative", tool.Name))
		}

		for param, spec := range tool.InputSchema {
			if !supportedParamTypes[spec.Type] {
				errs = append(errs, fmt.Sprintf("tool %q: parameter %q has unsupported type %q", tool.Name, param, spec.Type))
			}
		}
	}

	return errs
}

// validateCompatibility checks min_api_version <= host <= max_api_version.
// Version strings are schema-checked before this runs; parse failures here
// still reject the manifest.
func (v *Validator) validateCompatibility(manifest *Manifest) error {
	if manifest.MinAPIVersion != "" {
		min, err := semver.NewVersion(manifest.MinAPIVersion)
		if err != nil {
			return fmt.Errorf("%w: invalid min_api_version %q: %v", ErrValidation, manifest.MinAPIVersion, err)
		}
		if v.hostVersion.LessThan(min) {
			return fmt.Errorf("%w: plugin %s requires api >= %s, host is %s",
				ErrIncompatibleVersion, manifest.ID, manifest.MinAPIVersion, HostAPIVersion)
		}
	}
	if manifest.MaxAPIVersion != "" {
		max, err := semver.NewVersion(manifest.MaxAPIVersion)
		if err != nil {
			return fmt.Errorf("%w: invalid max_api_version %q: %v", ErrValidation, manifest.MaxAPIVersion, err)
		}
		if v.hostVersion.GreaterThan(max) {
			return fmt.Errorf("%w: plugin %s requires api <= %s, host is %s",
				ErrIncompatibleVersion, manifest.ID, manifest.MaxAPIVersion, HostAPIVersion)
		}
	}
	return nil
}

// Loader reads manifest files from disk and runs them through a Validator.
type Loader struct {
	logger    zerolog.Logger
	validator *Validator
}

// NewLoader creates a manifest loader.
func NewLoader(logger zerolog.Logger, validator *Validator) *Loader {
	return &Loader{
		logger:    logger.With().Str("component", "manifest-loader").Logger(),
		validator: validator,
	}
}

// LoadFile reads, parses, and validates a single manifest file.
func (l *Loader) LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("%w: failed to parse manifest JSON: %v", ErrValidation, err)
	}

	if err := l.validator.Validate(&manifest); err != nil {
		return nil, err
	}

	l.logger.Debug().
		Str("id", manifest.ID).
		Str("version", manifest.Version).
		Int("tools", len(manifest.Tools)).
		Msg("Loaded manifest")

	return &manifest, nil
}

// Discover scans plugin directories for manifests. Each immediate
// subdirectory may carry a manifest.json; flat *.manifest.json files are
// accepted for plugins that ship no payload of their own. Failures are
// reported per path and never abort the scan.
func (l *Loader) Discover(dirs []string) ([]DiscoveredManifest, map[string]error) {
	var discovered []DiscoveredManifest
	failures := make(map[string]error)
	seen := make(map[string]string) // plugin id -> manifest path

	for _, dir := range dirs {
		if dir == "" {
			continue
		}

		info, err := os.Stat(dir)
		if err != nil {
			if os.IsNotExist(err) {
				l.logger.Debug().Str("dir", dir).Msg("Plugin directory does not exist, skipping")
				continue
			}
			failures[dir] = fmt.Errorf("failed to stat directory: %w", err)
			continue
		}
		if !info.IsDir() {
			failures[dir] = fmt.Errorf("%s is not a directory", dir)
			continue
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			failures[dir] = fmt.Errorf("failed to read directory: %w", err)
			continue
		}

		for _, entry := range entries {
			var manifestPath, pluginDir string
			switch {
			case entry.IsDir():
				pluginDir = filepath.Join(dir, entry.Name())
				manifestPath = filepath.Join(pluginDir, manifestFileName)
				if _, err := os.Stat(manifestPath); err != nil {
					continue
				}
			case strings.HasSuffix(entry.Name(), ".manifest.json"):
				pluginDir = dir
				manifestPath = filepath.Join(dir, entry.Name())
			default:
				continue
			}

			manifest, err := l.LoadFile(manifestPath)
			if err != nil {
				failures[manifestPath] = err
				l.logger.Warn().Err(err).Str("path", manifestPath).Msg("Rejected manifest")
				continue
			}

			if prior, dup := seen[manifest.ID]; dup {
				failures[manifestPath] = fmt.Errorf("%w: duplicate plugin id %q (already defined by %s)",
					ErrValidation, manifest.ID, prior)
				continue
			}
			seen[manifest.ID] = manifestPath

			discovered = append(discovered, DiscoveredManifest{
				Dir:          pluginDir,
				ManifestPath: manifestPath,
				Manifest:     manifest,
			})
			l.logger.Debug().
				Str("id", manifest.ID).
				Str("path", manifestPath).
				Msg("Discovered plugin")
		}
	}

	l.logger.Info().
		Int("count", len(discovered)).
		Int("rejected", len(failures)).
		Msg("Plugin discovery completed")

	return discovered, failures
}
