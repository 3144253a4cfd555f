// Relcache uses flags and a single config file for configuration.
// A config file is stored in .txtpb format and contains the values that can be set via flags, e.g.
//
//	lru_capacity: 5000
//	store_ttl: "336h"
//	log_handler_type: "json"
//
// Flags given on the command line win over the config file.

package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

var configFilePath = flag.String("config_file", "relcache.txtpb", "Path to the configuration file.")

// InitFlags parses the command line and then applies the config file specified by the -config_file flag.
// It should be called after defining all flags and before using them.
func InitFlags() {
	flag.Parse()

	if *configFilePath == "" {
		slog.Info("Config file not specified. Skipping config initialization.")
		return
	}
	err := LoadConfig(flag.CommandLine, *configFilePath)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("Config file does not exist.", "path", *configFilePath, "error", err)
		return
	}
	if err != nil { // Keep the flag values that were set so far.
		slog.Error("Failed to apply config file.", "path", *configFilePath, "error", err)
	}
}

// LoadConfig reads the txtpb file at `path` and sets the flags of `fs` it mentions, except for the flags that were
// already set explicitly.
func LoadConfig(fs *flag.FlagSet, path string) error {
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	schema, err := newConfigSchema(fs)
	if err != nil {
		return err
	}
	conf := dynamicpb.NewMessage(schema.message)
	if err := prototext.Unmarshal(configBytes, conf); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	explicitlySet := make(map[string]struct{})
	fs.Visit(func(f *flag.Flag) { explicitlySet[f.Name] = struct{}{} })
	conf.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		flagName := schema.flags[fd.Name()]
		if _, skip := explicitlySet[flagName]; skip {
			slog.Debug("Ignoring config entry of a flag set on the command line.", "flag", flagName)
			return true
		}
		stringValue, convErr := protobufValueToString(fd, v)
		if convErr != nil {
			err = fmt.Errorf("failed to convert %s: %w", fd.FullName(), convErr)
			return false
		}
		if setErr := fs.Set(flagName, stringValue); setErr != nil {
			err = fmt.Errorf("failed to set flag %s: %w", flagName, setErr)
			return false
		}
		return true
	})
	return err
}
