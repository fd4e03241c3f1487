package featureflag

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalidDatafile is returned for datafiles that cannot be published.
var ErrInvalidDatafile = errors.New("invalid datafile")

// Datafile is the YAML form of a full datafile version.
//
//	version: 1
//	features:
//	  sorting_enabled:
//	    - tags: {browser_type: "Apple iPhone"}
//	      rollout: 50
//	      enabled: true
//	      variables:
//	        welcome_message: "Hello iPhone users"
//	    - enabled: false
type Datafile struct {
	Version  int                       `yaml:"version"`
	Features map[string][]DatafileRule `yaml:"features"`
}

// DatafileRule is one rule of a feature in a Datafile.
type DatafileRule struct {
	Tags      map[string]any    `yaml:"tags,omitempty"`
	Rollout   int               `yaml:"rollout,omitempty"`
	Enabled   bool              `yaml:"enabled"`
	Variables map[string]string `yaml:"variables,omitempty"`
}

// LoadDatafile reads and parses a YAML datafile.
func LoadDatafile(path string) (*Datafile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read datafile: %w", err)
	}
	return ParseDatafile(data)
}

// ParseDatafile parses a YAML datafile and validates it.
func ParseDatafile(data []byte) (*Datafile, error) {
	var df Datafile
	if err := yaml.Unmarshal(data, &df); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDatafile, err)
	}
	if df.Version <= 0 {
		return nil, fmt.Errorf("%w: version must be positive, got %d", ErrInvalidDatafile, df.Version)
	}
	for key, rules := range df.Features {
		if key == "" {
			return nil, fmt.Errorf("%w: empty feature key", ErrInvalidDatafile)
		}
		for i, r := range rules {
			if r.Rollout < 0 || r.Rollout > 100 {
				return nil, fmt.Errorf("%w: feature %s rule %d: rollout %d out of range 0-100",
					ErrInvalidDatafile, key, i, r.Rollout)
			}
		}
	}
	return &df, nil
}

// PublishRequest converts the datafile into a full-replace publish.
func (df *Datafile) PublishRequest() PublishRequest {
	features := make(map[string][]RuleInput, len(df.Features))
	for key, rules := range df.Features {
		inputs := make([]RuleInput, 0, len(rules))
		for _, r := range rules {
			inputs = append(inputs, RuleInput{
				Tags:    stringTags(r.Tags),
				Rollout: r.Rollout,
				Decision: Decision{
					Enabled:   r.Enabled,
					Variables: r.Variables,
				},
			})
		}
		features[key] = inputs
	}
	return PublishRequest{
		FullReplace: true,
		Features:    features,
	}
}

// stringTags renders tag values as strings; request attributes are strings,
// so an unquoted YAML number must still match.
func stringTags(tags map[string]any) map[string]any {
	if tags == nil {
		return nil
	}
	out := make(map[string]any, len(tags))
	for k, v := range tags {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}
