package transcript

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Fixture is one recorded or synthetic conversation with its expected verdict.
type Fixture struct {
	Name       string `yaml:"name"`
	ExpectPass bool   `yaml:"expectPass"`
	Input      `yaml:",inline"`
}

// FixtureFile is the top-level layout of a fixtures YAML file.
type FixtureFile struct {
	Fixtures []Fixture `yaml:"fixtures"`
}

// FixtureResult pairs a fixture with its evaluation.
type FixtureResult struct {
	Name   string
	Result Result
	OK     bool // Result.Passed matched ExpectPass
}

// LoadFixtures reads a fixtures YAML file.
func LoadFixtures(path string) ([]Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixtures: %w", err)
	}
	var f FixtureFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse fixtures %s: %w", path, err)
	}
	for i, fx := range f.Fixtures {
		if fx.Name == "" {
			f.Fixtures[i].Name = fmt.Sprintf("fixture-%d", i+1)
		}
		if len(fx.Turns) == 0 {
			return nil, fmt.Errorf("fixture %q has no turns", f.Fixtures[i].Name)
		}
	}
	return f.Fixtures, nil
}

// RunFixtures evaluates every fixture and reports how many verdicts were unexpected.
func RunFixtures(fixtures []Fixture) ([]FixtureResult, int) {
	out := make([]FixtureResult, 0, len(fixtures))
	mismatches := 0
	for _, fx := range fixtures {
		res := Evaluate(fx.Input)
		ok := res.Passed == fx.ExpectPass
		if !ok {
			mismatches++
		}
		out = append(out, FixtureResult{Name: fx.Name, Result: res, OK: ok})
	}
	return out, mismatches
}
