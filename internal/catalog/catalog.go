// Package catalog loads and validates the YAML procedure catalog: the
// schema-in-data document that drives header parsing, manifest-column
// extraction, and light-detection classification for every procedure the
// engine knows about.
package catalog

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/Joaquim-mph/optothermal/internal/engineerr"
)

// FieldType is one of the catalog's closed set of declared value types.
type FieldType string

const (
	TypeFloat    FieldType = "float"
	TypeInt      FieldType = "int"
	TypeString   FieldType = "str"
	TypeBool     FieldType = "bool"
	TypeDatetime FieldType = "datetime"
)

func (t FieldType) valid() bool {
	switch t {
	case TypeFloat, TypeInt, TypeString, TypeBool, TypeDatetime:
		return true
	}
	return false
}

// LightMode selects how has_light is derived for a procedure's measurements.
type LightMode string

const (
	LightStandard    LightMode = "standard"
	LightCalibration LightMode = "calibration"
	LightNone        LightMode = "none"
)

// ProcedureSpec is the schema record for one measurement procedure.
type ProcedureSpec struct {
	Name            string
	Parameters      map[string]FieldType
	Metadata        map[string]FieldType
	Data            map[string]FieldType
	ManifestColumns map[string][]string // manifest column -> ordered alias list
	LightDetection  LightMode
}

// rawCatalog mirrors the YAML document shape (root key "procedures").
type rawCatalog struct {
	Procedures map[string]rawProcedure `yaml:"procedures"`
}

type rawProcedure struct {
	Parameters      map[string]string   `yaml:"Parameters"`
	Metadata        map[string]string   `yaml:"Metadata"`
	Data            map[string]string   `yaml:"Data"`
	ManifestColumns map[string][]string `yaml:"ManifestColumns"`
	Config          struct {
		LightDetection string `yaml:"light_detection"`
	} `yaml:"Config"`
}

// Catalog is the read-only, loaded-once set of procedure specs.
type Catalog struct {
	procedures map[string]ProcedureSpec
}

// Load reads and validates the catalog document at path. Duplicate procedure
// names (which yaml.v3 would otherwise silently let the last one win),
// unknown type tags, and malformed alias lists are rejected.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.KindCatalogError, "read catalog file", err, map[string]string{"path": path})
	}

	// Decode with yaml.Node first so we can detect duplicate top-level
	// procedure keys; yaml.v3's map decode silently keeps the last one.
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, engineerr.Wrap(engineerr.KindCatalogError, "parse catalog yaml", err, map[string]string{"path": path})
	}
	if dupErr := checkDuplicateProcedureKeys(&doc); dupErr != nil {
		return nil, dupErr
	}

	var raw rawCatalog
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, engineerr.Wrap(engineerr.KindCatalogError, "decode catalog document", err, map[string]string{"path": path})
	}

	procedures := make(map[string]ProcedureSpec, len(raw.Procedures))
	for name, rp := range raw.Procedures {
		spec, err := compileProcedure(name, rp)
		if err != nil {
			return nil, err
		}
		procedures[name] = spec
	}
	return &Catalog{procedures: procedures}, nil
}

func compileProcedure(name string, rp rawProcedure) (ProcedureSpec, error) {
	spec := ProcedureSpec{
		Name:            name,
		Parameters:      make(map[string]FieldType, len(rp.Parameters)),
		Metadata:        make(map[string]FieldType, len(rp.Metadata)),
		Data:            make(map[string]FieldType, len(rp.Data)),
		ManifestColumns: rp.ManifestColumns,
	}
	if err := compileTypes(name, "Parameters", rp.Parameters, spec.Parameters); err != nil {
		return ProcedureSpec{}, err
	}
	if err := compileTypes(name, "Metadata", rp.Metadata, spec.Metadata); err != nil {
		return ProcedureSpec{}, err
	}
	if err := compileTypes(name, "Data", rp.Data, spec.Data); err != nil {
		return ProcedureSpec{}, err
	}
	for column, aliases := range rp.ManifestColumns {
		if len(aliases) == 0 {
			return ProcedureSpec{}, engineerr.New(engineerr.KindCatalogError,
				fmt.Sprintf("procedure %q: manifest column %q has an empty alias list", name, column),
				map[string]string{"procedure": name, "column": column})
		}
	}

	switch LightMode(rp.Config.LightDetection) {
	case LightStandard, LightCalibration, LightNone:
		spec.LightDetection = LightMode(rp.Config.LightDetection)
	case "":
		spec.LightDetection = LightNone
	default:
		return ProcedureSpec{}, engineerr.New(engineerr.KindCatalogError,
			fmt.Sprintf("procedure %q: unknown light_detection mode %q", name, rp.Config.LightDetection),
			map[string]string{"procedure": name, "light_detection": rp.Config.LightDetection})
	}
	return spec, nil
}

func compileTypes(procedure, section string, raw map[string]string, into map[string]FieldType) error {
	for field, tag := range raw {
		ft := FieldType(tag)
		if !ft.valid() {
			return engineerr.New(engineerr.KindCatalogError,
				fmt.Sprintf("procedure %q: %s.%s has unknown type tag %q", procedure, section, field, tag),
				map[string]string{"procedure": procedure, "field": field, "type": tag})
		}
		into[field] = ft
	}
	return nil
}

// checkDuplicateProcedureKeys walks the raw YAML node tree looking for a
// repeated key directly under the "procedures" mapping.
func checkDuplicateProcedureKeys(doc *yaml.Node) error {
	if len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value != "procedures" {
			continue
		}
		proceduresNode := root.Content[i+1]
		if proceduresNode.Kind != yaml.MappingNode {
			return nil
		}
		seen := make(map[string]struct{}, len(proceduresNode.Content)/2)
		for j := 0; j+1 < len(proceduresNode.Content); j += 2 {
			key := proceduresNode.Content[j].Value
			if _, ok := seen[key]; ok {
				return engineerr.New(engineerr.KindCatalogError,
					fmt.Sprintf("duplicate procedure name %q", key), map[string]string{"procedure": key})
			}
			seen[key] = struct{}{}
		}
	}
	return nil
}

// Get returns the spec for procedure, or UnknownProcedure.
func (c *Catalog) Get(procedure string) (ProcedureSpec, error) {
	spec, ok := c.procedures[procedure]
	if !ok {
		return ProcedureSpec{}, engineerr.New(engineerr.KindUnknownProcedure,
			fmt.Sprintf("unknown procedure %q", procedure), map[string]string{"procedure": procedure})
	}
	return spec, nil
}

// Names returns the known procedure names, sorted for deterministic iteration.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.procedures))
	for name := range c.procedures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
