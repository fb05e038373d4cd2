package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/fleetforge-labs/fleetforge/internal/inventory"
	fferrors "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/errors"
)

// HostConfig is the body of one host entry in an inventory file.
type HostConfig struct {
	Address string                 `yaml:"address,omitempty"`
	Port    int                    `yaml:"port,omitempty"`
	User    string                 `yaml:"user,omitempty"`
	Vars    map[string]interface{} `yaml:"vars,omitempty"`
	Options map[string]string      `yaml:"options,omitempty"`
}

// GroupConfig is the body of one group entry in an inventory file.
type GroupConfig struct {
	Hosts    []string               `yaml:"hosts,omitempty"`
	Children []string               `yaml:"children,omitempty"`
	Vars     map[string]interface{} `yaml:"vars,omitempty"`
}

// LoadInventory parses inventory YAML and builds the host/group index. The
// file is a mapping with two optional sections, 'hosts' and 'groups'. Host
// definition order in the document is preserved as the inventory order, so
// the parse walks the YAML node tree instead of decoding into Go maps.
func LoadInventory(inventoryYAML []byte, filePathHint string) (*inventory.Inventory, error) {
	if len(inventoryYAML) == 0 {
		return nil, fferrors.NewConfigError("inventory content cannot be empty", nil)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(inventoryYAML, &doc); err != nil {
		return nil, fferrors.NewConfigError(fmt.Sprintf("failed to parse inventory YAML '%s'", filePathHint), err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fferrors.NewConfigError(fmt.Sprintf("inventory '%s' is empty", filePathHint), nil)
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fferrors.NewValidationError(fmt.Sprintf("inventory '%s' must be a mapping with 'hosts' and 'groups' sections", filePathHint), nil)
	}

	inv := inventory.New()
	hostNames := make(map[string]bool)
	groupNames := map[string]bool{"all": true}
	var groups []*inventory.Group

	for i := 0; i+1 < len(root.Content); i += 2 {
		section := root.Content[i].Value
		body := root.Content[i+1]
		switch section {
		case "hosts":
			if err := requireMapping(body, "hosts", filePathHint); err != nil {
				return nil, err
			}
			for j := 0; j+1 < len(body.Content); j += 2 {
				name := body.Content[j].Value
				var hc HostConfig
				if body.Content[j+1].Tag != "!!null" {
					if err := body.Content[j+1].Decode(&hc); err != nil {
						return nil, fferrors.NewConfigError(fmt.Sprintf("inventory '%s': invalid definition for host '%s'", filePathHint, name), err)
					}
				}
				host := &inventory.Host{
					Name:    name,
					Address: hc.Address,
					Port:    hc.Port,
					User:    hc.User,
					Vars:    hc.Vars,
					Options: hc.Options,
				}
				if err := inv.AddHost(host); err != nil {
					return nil, err
				}
				hostNames[name] = true
			}
		case "groups":
			if err := requireMapping(body, "groups", filePathHint); err != nil {
				return nil, err
			}
			for j := 0; j+1 < len(body.Content); j += 2 {
				name := body.Content[j].Value
				var gc GroupConfig
				if body.Content[j+1].Tag != "!!null" {
					if err := body.Content[j+1].Decode(&gc); err != nil {
						return nil, fferrors.NewConfigError(fmt.Sprintf("inventory '%s': invalid definition for group '%s'", filePathHint, name), err)
					}
				}
				group := &inventory.Group{
					Name:     name,
					Hosts:    gc.Hosts,
					Children: gc.Children,
					Vars:     gc.Vars,
				}
				groups = append(groups, group)
				groupNames[name] = true
			}
		default:
			return nil, fferrors.NewValidationError(fmt.Sprintf("inventory '%s': unknown top-level section '%s'", filePathHint, section), nil)
		}
	}

	// Reference checks happen after the walk so groups can list hosts and
	// child groups defined later in the file.
	for _, group := range groups {
		for _, member := range group.Hosts {
			if !hostNames[member] {
				return nil, fferrors.NewValidationError(fmt.Sprintf("inventory '%s': group '%s' lists undefined host '%s'", filePathHint, group.Name, member), nil)
			}
		}
		for _, child := range group.Children {
			if child == "all" {
				return nil, fferrors.NewValidationError(fmt.Sprintf("inventory '%s': group '%s' cannot list 'all' as a child", filePathHint, group.Name), nil)
			}
			if !groupNames[child] {
				return nil, fferrors.NewValidationError(fmt.Sprintf("inventory '%s': group '%s' lists undefined child group '%s'", filePathHint, group.Name, child), nil)
			}
		}
	}
	for _, group := range groups {
		if err := inv.AddGroup(group); err != nil {
			return nil, err
		}
	}

	return inv, nil
}

// LoadInventoryFromFile is a convenience function to read an inventory from disk.
func LoadInventoryFromFile(filePath string) (*inventory.Inventory, error) {
	if filePath == "" {
		return nil, fferrors.NewConfigError("inventory file path cannot be empty", nil)
	}
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fferrors.NewConfigError(fmt.Sprintf("failed to get absolute path for '%s'", filePath), err)
	}
	yamlFile, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fferrors.NewConfigError(fmt.Sprintf("failed to read inventory file '%s'", absPath), err)
	}
	return LoadInventory(yamlFile, absPath)
}

func requireMapping(node *yaml.Node, section, filePathHint string) error {
	if node.Kind != yaml.MappingNode {
		return fferrors.NewValidationError(fmt.Sprintf("inventory '%s': '%s' must be a mapping", filePathHint, section), nil)
	}
	return nil
}
