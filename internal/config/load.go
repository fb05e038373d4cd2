package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	fferrors "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/errors"
)

// SupportedSchemaVersionConstraint defines the SemVer constraint that loaded
// playbooks must satisfy. A v1 engine only accepts v1 playbooks.
const SupportedSchemaVersionConstraint = "v1"

// LoadPlaybook reads the specified YAML file bytes, validates against the
// embedded JSON schema, unmarshals into a Playbook struct, checks schema
// version compatibility, performs logical validation, and assigns internal IDs.
func LoadPlaybook(playbookYAML []byte, filePathHint string) (*Playbook, error) {
	if len(playbookYAML) == 0 {
		return nil, fferrors.NewConfigError("playbook content cannot be empty", nil)
	}

	// Step 1: Validate against the JSON Schema for basic structure and types.
	if err := ValidateWithSchema(playbookYAML); err != nil {
		return nil, fferrors.NewConfigError(fmt.Sprintf("playbook '%s' failed schema validation", filePathHint), err)
	}

	// Step 2: Unmarshal into Go struct using strict decoding to catch unknown fields.
	var playbook Playbook
	if err := yamlUnmarshalStrict(playbookYAML, &playbook); err != nil {
		return nil, fferrors.NewConfigError(fmt.Sprintf("failed to parse playbook YAML '%s'", filePathHint), err)
	}
	playbook.FilePath = filePathHint

	// Step 3: Check schema version compatibility.
	if playbook.SchemaVersion == "" {
		return nil, fferrors.NewValidationError(fmt.Sprintf("playbook '%s' is missing required 'schemaVersion' field", filePathHint), nil)
	}
	playbookSemVer := playbook.SchemaVersion
	if !strings.HasPrefix(playbookSemVer, "v") {
		playbookSemVer = "v" + playbookSemVer
	}
	if !semver.IsValid(playbookSemVer) {
		return nil, fferrors.NewValidationError(fmt.Sprintf("playbook '%s' has invalid 'schemaVersion' format: '%s'", filePathHint, playbook.SchemaVersion), nil)
	}
	if semver.Major(playbookSemVer) != SupportedSchemaVersionConstraint {
		return nil, fferrors.NewValidationError(
			fmt.Sprintf("playbook '%s' schemaVersion '%s' is not compatible with engine requirement '%s'",
				filePathHint, playbook.SchemaVersion, SupportedSchemaVersionConstraint),
			nil,
		)
	}

	// Step 4: Perform detailed logical validation on the Go struct.
	validationErrs := ValidatePlaybookStructure(&playbook)
	if len(validationErrs) > 0 {
		var errorMessages []string
		for _, vErr := range validationErrs {
			errorMessages = append(errorMessages, vErr.Error())
		}
		combinedMessage := fmt.Sprintf("playbook '%s' has %d validation error(s):\n- %s",
			filePathHint, len(errorMessages), strings.Join(errorMessages, "\n- "))
		return nil, fferrors.NewValidationError(combinedMessage, validationErrs[0])
	}

	// Step 5: Assign internal IDs to tasks after all validation has passed.
	assignInternalTaskIDs(&playbook)

	return &playbook, nil
}

// LoadPlaybookFromFile is a convenience function to read a playbook from disk.
func LoadPlaybookFromFile(filePath string) (*Playbook, error) {
	if filePath == "" {
		return nil, fferrors.NewConfigError("playbook file path cannot be empty", nil)
	}
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fferrors.NewConfigError(fmt.Sprintf("failed to get absolute path for '%s'", filePath), err)
	}
	yamlFile, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fferrors.NewConfigError(fmt.Sprintf("failed to read playbook file '%s'", absPath), err)
	}
	return LoadPlaybook(yamlFile, absPath)
}

// assignInternalTaskIDs assigns a unique InternalID to each task and handler.
// It prefers the user-defined name but generates a stable, index-based ID when
// the name is absent. The prefix is guaranteed not to clash with user names
// because the name validation pass forbids leading underscores.
func assignInternalTaskIDs(playbook *Playbook) {
	for pi := range playbook.Plays {
		play := &playbook.Plays[pi]
		for ti := range play.Tasks {
			task := &play.Tasks[ti]
			if task.Name != "" {
				task.InternalID = task.Name
			} else {
				task.InternalID = fmt.Sprintf("__play_%d_task_%d", pi, ti)
			}
		}
		for hi := range play.Handlers {
			handler := &play.Handlers[hi]
			handler.InternalID = handler.Name
		}
	}
}

// yamlUnmarshalStrict provides stricter YAML unmarshalling by disallowing
// unknown fields. This helps users catch typos or unsupported configuration
// options in their playbooks early.
func yamlUnmarshalStrict(in []byte, out interface{}) error {
	decoder := yaml.NewDecoder(strings.NewReader(string(in)))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("YAML parsing error: %w", err)
	}
	return nil
}
