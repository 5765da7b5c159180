// Package kernel maps a running kernel release to the task_struct layout
// offsets the locator and walker depend on. Layout cannot be introspected
// through the debug stub, so the offsets come from a versioned table.
package kernel

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

var (
	// ErrUnsupportedVersion means no profile covers the kernel release
	ErrUnsupportedVersion = errors.New("unsupported kernel version")

	// ErrBadRelease means the release string has no major.minor prefix
	ErrBadRelease = errors.New("malformed kernel release")
)

//go:embed profiles.yaml
var defaultProfiles []byte

// Profile is the layout resolved for one kernel. It does not change for
// the rest of a run.
type Profile struct {
	Name    string
	Version Version
	// OffsetToName is the offset of the process name inside a descriptor
	OffsetToName uint32
	// OffsetToParent is the distance from the name field back to the
	// parent-descriptor pointer
	OffsetToParent uint32
}

// tableFile is the on-disk shape of a profile table
type tableFile struct {
	Schema   int `yaml:"schema"`
	Profiles []struct {
		Name           string `yaml:"name"`
		MaxVersion     string `yaml:"max_version"`
		OffsetToName   uint32 `yaml:"offset_to_name"`
		OffsetToParent uint32 `yaml:"offset_to_parent"`
	} `yaml:"profiles"`
}

type entry struct {
	name           string
	max            Version
	offsetToName   uint32
	offsetToParent uint32
}

// Table is an ordered set of profiles keyed by upper version bound
type Table struct {
	entries []entry
}

// DefaultTable returns the built-in profile table
func DefaultTable() *Table {
	t, err := ParseTable(defaultProfiles)
	if err != nil {
		panic(fmt.Sprintf("built-in kernel profiles: %v", err))
	}
	return t
}

// LoadTable reads a YAML profile table from path
func LoadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open profile table: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile table: %w", err)
	}
	return ParseTable(data)
}

// ParseTable decodes a YAML profile table
func ParseTable(data []byte) (*Table, error) {
	var file tableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse profile table: %w", err)
	}
	if file.Schema != 1 {
		return nil, fmt.Errorf("unsupported profile table schema %d", file.Schema)
	}
	if len(file.Profiles) == 0 {
		return nil, errors.New("profile table is empty")
	}

	t := &Table{}
	for i, p := range file.Profiles {
		max, err := ParseVersion(p.MaxVersion)
		if err != nil {
			return nil, fmt.Errorf("profile %d (%s): %w", i, p.Name, err)
		}
		if p.OffsetToName == 0 || p.OffsetToParent == 0 {
			return nil, fmt.Errorf("profile %d (%s): offsets must be non-zero", i, p.Name)
		}
		if p.OffsetToParent > p.OffsetToName {
			return nil, fmt.Errorf("profile %d (%s): parent offset %#x exceeds name offset %#x",
				i, p.Name, p.OffsetToParent, p.OffsetToName)
		}
		t.entries = append(t.entries, entry{
			name:           p.Name,
			max:            max,
			offsetToName:   p.OffsetToName,
			offsetToParent: p.OffsetToParent,
		})
	}

	sort.SliceStable(t.entries, func(i, j int) bool {
		return t.entries[i].max.Compare(t.entries[j].max) < 0
	})
	for i := 1; i < len(t.entries); i++ {
		if t.entries[i].max.Compare(t.entries[i-1].max) == 0 {
			return nil, fmt.Errorf("profiles %s and %s share max_version %s",
				t.entries[i-1].name, t.entries[i].name, t.entries[i].max)
		}
	}
	return t, nil
}

// Resolve selects the profile for a kernel release string such as the
// output of uname -r
func (t *Table) Resolve(release string) (Profile, error) {
	v, err := ParseVersion(release)
	if err != nil {
		return Profile{}, err
	}

	for _, e := range t.entries {
		if v.Compare(e.max) <= 0 {
			return Profile{
				Name:           e.name,
				Version:        v,
				OffsetToName:   e.offsetToName,
				OffsetToParent: e.offsetToParent,
			}, nil
		}
	}
	return Profile{}, fmt.Errorf("%w: %s", ErrUnsupportedVersion, v)
}

// Resolve selects a profile from the built-in table
func Resolve(release string) (Profile, error) {
	return DefaultTable().Resolve(release)
}
