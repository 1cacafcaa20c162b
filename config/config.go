// Package config loads the YAML configuration file and decodes its named
// sections into the section structs the subsystems declare.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidFormat = errors.New("invalid config format")
	ErrDecode        = errors.New("config decode error")
)

// Section is one named configuration block. Absent sections fall back to
// their defaults; present ones are decoded, defaulted and validated.
type Section interface {
	GetName() string
	Defaults()
	Validate() error
}

// Load reads the file at path and populates every given section.
func Load(path string, sections ...Section) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(raw, sections...)
}

// Parse decodes YAML bytes into the given sections.
func Parse(raw []byte, sections ...Section) error {
	var root map[string]any
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	for _, s := range sections {
		block, ok := root[s.GetName()]
		if ok {
			decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
				DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
				Result:     s,
			})
			if err != nil {
				return fmt.Errorf("%w: section %s: %v", ErrDecode, s.GetName(), err)
			}
			if err := decoder.Decode(block); err != nil {
				return fmt.Errorf("%w: section %s: %v", ErrDecode, s.GetName(), err)
			}
		}
		s.Defaults()
		if err := s.Validate(); err != nil {
			return fmt.Errorf("section %s: %w", s.GetName(), err)
		}
	}
	return nil
}
