package nbd

import (
	"fmt"
	"os"
	"reflect"

	"github.com/mitchellh/mapstructure"
	"go.yaml.in/yaml/v3"
)

// configDecodeHook lets both the URI query-parameter bag and YAML
// connection profiles write list fields (MetaContexts) either as a
// list or as one comma-separated string. Scalar fields such as the TLS
// mode decode from plain strings through mapstructure's weak typing;
// the strict-mode and transport-mask bitmasks decode only from numbers
// (or numeric strings), not from flag names.
func configDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToSliceHookFunc(","),
		func(from, to reflect.Value) (interface{}, error) {
			return from.Interface(), nil
		},
	)
}

// decodeConfigMap merges values into base via mapstructure, used for
// both URI query parameters (already a map[string]string from
// net/url) and a YAML profile decoded into map[string]any.
func decodeConfigMap(base Config, values map[string]any) (Config, error) {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       configDecodeHook(),
		WeaklyTypedInput: true,
		Result:           &base,
		TagName:          "mapstructure",
	})
	if err != nil {
		return Config{}, fmt.Errorf("nbd: building config decoder: %w", err)
	}
	if err := decoder.Decode(values); err != nil {
		return Config{}, fmt.Errorf("nbd: decoding configuration values: %w", err)
	}
	return base, nil
}

// LoadProfile reads a YAML connection-profile file and decodes it on
// top of base (§10.2), so a caller can check in shared TLS/strict
// settings and layer per-environment overrides on the Go-side
// DefaultConfig().
func LoadProfile(base Config, path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("nbd: reading profile %s: %w", path, err)
	}

	var values map[string]any
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return Config{}, fmt.Errorf("nbd: parsing profile %s: %w", path, err)
	}

	return decodeConfigMap(base, values)
}
