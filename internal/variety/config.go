package variety

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// LoadConfig reads quota configuration from a YAML file of the form:
//
//	variety:
//	  default_total: 10
//	  quotas:
//	    category:
//	      max_fraction: 0.4
//	      min_floor: 1
//	    sentiment:
//	      max_fraction: 0.6
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, eris.Wrapf(err, "variety: read config %s", path)
	}

	var wrapper struct {
		Variety Config `yaml:"variety"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return Config{}, eris.Wrap(err, "variety: parse config")
	}
	return wrapper.Variety.withDefaults(), nil
}
