// Package mapping loads translation tables from a YAML file and keeps the
// active translation pipeline current as that file changes.
//
// A mapping file looks like:
//
//	words:
//	  string_agg: listagg
//	  now: getdate
//	idioms:
//	  - name: warehouse-freshness
//	    head:
//	      - "SELECT assert_fresh('warehouse.fact_orders');"
//	      - "SELECT assert_fresh('warehouse.dim_customers');"
//	    replacement:
//	      - "CALL etl.assert_fact_orders_fresh();"
//	      - "CALL etl.assert_dim_customers_fresh();"
//
// Word order in the file is the substitution order. A missing section falls
// back to the built-in table; an empty section disables that stage.
package mapping

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/ha1tch/pgshift/pkg/errors"
	"github.com/ha1tch/pgshift/pkg/translate"
)

// Tables is the parsed content of a mapping file.
type Tables struct {
	Words  []translate.WordPair
	Idioms []translate.AssertIdiom
}

type fileSpec struct {
	Words  *yaml.MapSlice `yaml:"words"`
	Idioms *[]idiomSpec   `yaml:"idioms"`
}

type idiomSpec struct {
	Name        string   `yaml:"name"`
	Head        []string `yaml:"head"`
	Replacement []string `yaml:"replacement"`
}

// DefaultTables returns the built-in word and idiom tables.
func DefaultTables() Tables {
	return Tables{
		Words:  translate.DefaultWordPairs(),
		Idioms: translate.DefaultAssertIdioms(),
	}
}

// LoadFile reads and parses a mapping file.
func LoadFile(path string) (Tables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tables{}, errors.Wrap(err, errors.ErrCodeMappingRead, "read mapping file").
			WithOp("Mapping.LoadFile").
			WithField("path", path).
			Err()
	}
	t, err := Parse(data)
	if err != nil {
		return Tables{}, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Parse decodes mapping file content.
func Parse(data []byte) (Tables, error) {
	var spec fileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return Tables{}, errors.Wrap(err, errors.ErrCodeMappingParse, "parse mapping file").
			WithOp("Mapping.Parse").
			Err()
	}

	t := DefaultTables()

	if spec.Words != nil {
		t.Words = make([]translate.WordPair, 0, len(*spec.Words))
		for i, item := range *spec.Words {
			source, ok := item.Key.(string)
			if !ok {
				return Tables{}, invalid("words entry %d: key %v is not a string", i, item.Key)
			}
			target, ok := item.Value.(string)
			if !ok {
				return Tables{}, invalid("words entry %q: value %v is not a string", source, item.Value)
			}
			t.Words = append(t.Words, translate.WordPair{Source: source, Target: target})
		}
	}

	if spec.Idioms != nil {
		t.Idioms = make([]translate.AssertIdiom, 0, len(*spec.Idioms))
		for i, s := range *spec.Idioms {
			if len(s.Head) != 2 || len(s.Replacement) != 2 {
				return Tables{}, invalid("idiom %d (%s): head and replacement need exactly two lines", i, s.Name)
			}
			name := s.Name
			if name == "" {
				name = fmt.Sprintf("idiom-%d", i)
			}
			t.Idioms = append(t.Idioms, translate.AssertIdiom{
				Name:        name,
				Head:        [2]string{s.Head[0], s.Head[1]},
				Replacement: [2]string{s.Replacement[0], s.Replacement[1]},
			})
		}
	}

	return t, nil
}

// Build compiles tables into a pipeline.
func (t Tables) Build(opts ...translate.Option) (*translate.Pipeline, error) {
	m, err := translate.NewMapping(t.Words)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeMappingInvalid, "invalid word table").
			WithOp("Mapping.Build").
			Err()
	}
	opts = append([]translate.Option{translate.WithIdioms(t.Idioms)}, opts...)
	return translate.New(m, opts...), nil
}

// Marshal renders tables in mapping file form, preserving word order.
func (t Tables) Marshal() ([]byte, error) {
	words := make(yaml.MapSlice, 0, len(t.Words))
	for _, p := range t.Words {
		words = append(words, yaml.MapItem{Key: p.Source, Value: p.Target})
	}
	idioms := make([]idiomSpec, 0, len(t.Idioms))
	for _, id := range t.Idioms {
		idioms = append(idioms, idiomSpec{
			Name:        id.Name,
			Head:        []string{id.Head[0], id.Head[1]},
			Replacement: []string{id.Replacement[0], id.Replacement[1]},
		})
	}
	return yaml.Marshal(fileSpec{Words: &words, Idioms: &idioms})
}

func invalid(format string, args ...interface{}) error {
	return errors.Newf(errors.ErrCodeMappingInvalid, format, args...).
		WithOp("Mapping.Parse").
		Err()
}
