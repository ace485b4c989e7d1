// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package catalog

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
	"pin.256lights.llc/pkg/pinspec"
)

// Format is a catalog file syntax.
type Format string

// Supported catalog formats.
const (
	// JSON is JSON with comments and trailing commas (HuJSON).
	JSON Format = "json"
	TOML Format = "toml"
	YAML Format = "yaml"
)

// FormatForPath returns the catalog format implied by a file's extension.
func FormatForPath(path string) (_ Format, ok bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc", ".hujson":
		return JSON, true
	case ".toml":
		return TOML, true
	case ".yaml", ".yml":
		return YAML, true
	default:
		return "", false
	}
}

// LoadDir returns a repository with the declarations
// from every catalog file in the given directories.
// Directories are read in order and files in lexical order,
// so later files override packages declared in earlier ones.
func LoadDir(dirs ...string) (*Repo, error) {
	r := NewRepo()
	for _, dir := range dirs {
		if err := r.LoadDir(dir); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// LoadDir adds the declarations from every catalog file in dir to r.
func (r *Repo) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if _, ok := FormatForPath(ent.Name()); !ok {
			continue
		}
		if err := r.LoadFile(filepath.Join(dir, ent.Name())); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile adds the declarations in a catalog file to r.
func (r *Repo) LoadFile(path string) error {
	format, ok := FormatForPath(path)
	if !ok {
		return fmt.Errorf("load catalog %s: unknown file type", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	if err := r.LoadDocument(data, format); err != nil {
		return fmt.Errorf("load catalog %s: %v", path, err)
	}
	return nil
}

// LoadDocument adds the declarations in a catalog document to r.
// All formats share one schema:
// a "packages" array and a "compilers" array.
func (r *Repo) LoadDocument(data []byte, format Format) error {
	jsonData, err := toJSON(data, format)
	if err != nil {
		return err
	}
	var doc document
	if err := jsonv2.Unmarshal(jsonData, &doc, jsonv2.RejectUnknownMembers(true)); err != nil {
		return err
	}
	for _, pd := range doc.Packages {
		pkg, err := pd.toPackage()
		if err != nil {
			return err
		}
		if err := r.Add(pkg); err != nil {
			return err
		}
	}
	for _, cd := range doc.Compilers {
		c, err := cd.toCompiler()
		if err != nil {
			return err
		}
		r.AddCompiler(c)
	}
	return nil
}

// toJSON converts a document to standard JSON.
// TOML and YAML documents are decoded generically and re-encoded
// so that a single JSON schema serves all formats.
func toJSON(data []byte, format Format) ([]byte, error) {
	var generic any
	switch format {
	case JSON:
		return hujson.Standardize(slices.Clone(data))
	case TOML:
		m := make(map[string]any)
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		generic = m
	case YAML:
		if len(bytes.TrimSpace(data)) == 0 {
			return []byte("{}"), nil
		}
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
	return jsonv2.Marshal(generic, jsonv2.Deterministic(true))
}

type document struct {
	Packages  []*packageDoc  `json:"packages"`
	Compilers []*compilerDoc `json:"compilers"`
}

type packageDoc struct {
	Name         string           `json:"name"`
	Versions     []*versionDoc    `json:"versions"`
	Variants     []*variantDoc    `json:"variants"`
	Dependencies []*dependencyDoc `json:"dependencies"`
	Conflicts    []*conflictDoc   `json:"conflicts"`
	Provides     []*providesDoc   `json:"provides"`
	Build        []string         `json:"build"`
	Test         []string         `json:"test"`
	Externals    []*externalDoc   `json:"externals"`
	Buildable    *bool            `json:"buildable"`
}

type externalDoc struct {
	Spec   string `json:"spec"`
	Prefix string `json:"prefix"`
}

type versionDoc struct {
	Version    scalar `json:"version"`
	Preferred  bool   `json:"preferred"`
	Deprecated bool   `json:"deprecated"`
}

type variantDoc struct {
	Name        string   `json:"name"`
	Values      []string `json:"values"`
	Default     scalar   `json:"default"`
	Multi       bool     `json:"multi"`
	When        string   `json:"when"`
	Description string   `json:"description"`
}

type dependencyDoc struct {
	Spec  string `json:"spec"`
	Types string `json:"types"`
	When  string `json:"when"`
}

type conflictDoc struct {
	Spec    string `json:"spec"`
	When    string `json:"when"`
	Message string `json:"message"`
}

type providesDoc struct {
	Virtual string `json:"virtual"`
	When    string `json:"when"`
}

type compilerDoc struct {
	Name    string   `json:"name"`
	Version scalar   `json:"version"`
	OS      string   `json:"os"`
	Targets []string `json:"targets"`
}

// scalar is a string that may be written as a bare boolean or number,
// as YAML and TOML authors tend to do for defaults and versions.
type scalar string

func (s *scalar) UnmarshalJSONFrom(dec *jsontext.Decoder) error {
	tok, err := dec.ReadToken()
	if err != nil {
		return err
	}
	switch tok.Kind() {
	case 'n':
		*s = ""
	case '"', '0', 't', 'f':
		*s = scalar(tok.String())
	default:
		return fmt.Errorf("expected string, number, or boolean (got %v)", tok.Kind())
	}
	return nil
}

func (pd *packageDoc) toPackage() (*Package, error) {
	pkg := &Package{
		Name:         pd.Name,
		Build:        pd.Build,
		Test:         pd.Test,
		NotBuildable: pd.Buildable != nil && !*pd.Buildable,
	}
	for _, ed := range pd.Externals {
		ext, err := ed.toExternal()
		if err != nil {
			return nil, fmt.Errorf("package %s: %v", pd.Name, err)
		}
		pkg.Externals = append(pkg.Externals, ext)
	}
	for _, vd := range pd.Versions {
		v, err := pinspec.ParseVersion(string(vd.Version))
		if err != nil {
			return nil, fmt.Errorf("package %s: %v", pd.Name, err)
		}
		pkg.Versions = append(pkg.Versions, VersionDecl{
			Version:    v,
			Preferred:  vd.Preferred,
			Deprecated: vd.Deprecated,
		})
	}
	for _, vd := range pd.Variants {
		v, err := vd.toVariant()
		if err != nil {
			return nil, fmt.Errorf("package %s: %v", pd.Name, err)
		}
		pkg.Variants = append(pkg.Variants, v)
	}
	for _, dd := range pd.Dependencies {
		spec, err := pinspec.Parse(dd.Spec)
		if err != nil {
			return nil, fmt.Errorf("package %s: dependency: %v", pd.Name, err)
		}
		types := pinspec.DefaultDepTypes
		if dd.Types != "" {
			types, err = pinspec.ParseDepTypes(dd.Types)
			if err != nil {
				return nil, fmt.Errorf("package %s: dependency %s: %v", pd.Name, spec.Name, err)
			}
		}
		when, err := parseWhen(dd.When)
		if err != nil {
			return nil, fmt.Errorf("package %s: dependency %s: %v", pd.Name, spec.Name, err)
		}
		pkg.Dependencies = append(pkg.Dependencies, &DependencyDecl{
			Spec:  spec,
			Types: types,
			When:  when,
		})
	}
	for _, cd := range pd.Conflicts {
		spec, err := pinspec.ParseCondition(cd.Spec)
		if err != nil {
			return nil, fmt.Errorf("package %s: conflict: %v", pd.Name, err)
		}
		when, err := parseWhen(cd.When)
		if err != nil {
			return nil, fmt.Errorf("package %s: conflict: %v", pd.Name, err)
		}
		pkg.Conflicts = append(pkg.Conflicts, &ConflictDecl{
			Spec:    spec,
			When:    when,
			Message: cd.Message,
		})
	}
	for _, pv := range pd.Provides {
		virtual, err := pinspec.Parse(pv.Virtual)
		if err != nil {
			return nil, fmt.Errorf("package %s: provides: %v", pd.Name, err)
		}
		when, err := parseWhen(pv.When)
		if err != nil {
			return nil, fmt.Errorf("package %s: provides %s: %v", pd.Name, virtual.Name, err)
		}
		pkg.Provides = append(pkg.Provides, &ProvidesDecl{
			Virtual: virtual,
			When:    when,
		})
	}
	return pkg, nil
}

func (ed *externalDoc) toExternal() (*External, error) {
	spec, err := pinspec.Parse(ed.Spec)
	if err != nil {
		return nil, fmt.Errorf("external: %v", err)
	}
	return &External{Spec: spec, Prefix: ed.Prefix}, nil
}

func (vd *variantDoc) toVariant() (*VariantDecl, error) {
	v := &VariantDecl{
		Name:        vd.Name,
		Values:      vd.Values,
		Multi:       vd.Multi,
		Description: vd.Description,
	}
	if v.Name == "" {
		return nil, fmt.Errorf("variant without a name")
	}
	switch def := string(vd.Default); {
	case v.IsBool():
		if v.Multi {
			return nil, fmt.Errorf("variant %s: boolean variants cannot be multi-valued", v.Name)
		}
		switch def {
		case "", pinspec.False:
			v.Default = pinspec.Bool(false)
		case pinspec.True:
			v.Default = pinspec.Bool(true)
		default:
			return nil, fmt.Errorf("variant %s: default %q is not a boolean", v.Name, def)
		}
	case def == "":
		if len(v.Values) == 0 {
			return nil, fmt.Errorf("variant %s: empty list of values", v.Name)
		}
		v.Default = pinspec.NewVariantValue(v.Values[0])
	default:
		v.Default = pinspec.NewVariantValue(strings.Split(def, ",")...)
	}
	var err error
	v.When, err = parseWhen(vd.When)
	if err != nil {
		return nil, fmt.Errorf("variant %s: %v", v.Name, err)
	}
	return v, nil
}

func (cd *compilerDoc) toCompiler() (*Compiler, error) {
	v, err := pinspec.ParseVersion(string(cd.Version))
	if err != nil {
		return nil, fmt.Errorf("compiler %s: %v", cd.Name, err)
	}
	if cd.Name == "" {
		return nil, fmt.Errorf("compiler without a name")
	}
	return &Compiler{
		Name:    cd.Name,
		Version: v,
		OS:      cd.OS,
		Targets: cd.Targets,
	}, nil
}

func parseWhen(s string) (*pinspec.Spec, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	return pinspec.ParseCondition(s)
}
