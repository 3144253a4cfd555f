// The config file schema is derived from the registered flags: every flag becomes an optional field of a Config
// message named after the flag and typed after its value, so any flag can be set from the file without keeping a
// .proto file in sync.

package config

import (
	"flag"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// skippedConfigFlags is the list of command line flags that can't be set from the config file.
var skippedConfigFlags = []string{"print_version", "config_file"}

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// configSchema describes the config file accepted for the flags of `fs`.
type configSchema struct {
	message protoreflect.MessageDescriptor
	flags   map[protoreflect.Name] /*flagName*/ string
}

// isConfigurable reports whether the flag can be set from the config file.
func isConfigurable(f *flag.Flag) bool {
	return !strings.HasPrefix(f.Name, "test.") && !slices.Contains(skippedConfigFlags, f.Name) &&
		fieldNamePattern.MatchString(f.Name)
}

// fieldType maps a flag value to the protobuf type of its config field. Durations are written as strings, e.g. "5s".
func fieldType(f *flag.Flag) descriptorpb.FieldDescriptorProto_Type {
	getter, ok := f.Value.(flag.Getter)
	if !ok {
		return descriptorpb.FieldDescriptorProto_TYPE_STRING
	}
	switch getter.Get().(type) {
	case bool:
		return descriptorpb.FieldDescriptorProto_TYPE_BOOL
	case int, int64:
		return descriptorpb.FieldDescriptorProto_TYPE_INT64
	case uint, uint64:
		return descriptorpb.FieldDescriptorProto_TYPE_UINT64
	case float64:
		return descriptorpb.FieldDescriptorProto_TYPE_DOUBLE
	case time.Duration, string:
		return descriptorpb.FieldDescriptorProto_TYPE_STRING
	default:
		return descriptorpb.FieldDescriptorProto_TYPE_STRING
	}
}

// newConfigSchema builds the Config message with one optional field per configurable flag of `fs`.
func newConfigSchema(fs *flag.FlagSet) (*configSchema, error) {
	schema := &configSchema{flags: make(map[protoreflect.Name]string)}
	fields := make([]*descriptorpb.FieldDescriptorProto, 0)
	fs.VisitAll(func(f *flag.Flag) { // Visits in lexical order, so field numbers are stable.
		if !isConfigurable(f) {
			return
		}
		fields = append(fields, &descriptorpb.FieldDescriptorProto{
			Name:   proto.String(f.Name),
			Number: proto.Int32(int32(len(fields) + 1)),
			Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
			Type:   fieldType(f).Enum(),
		})
		schema.flags[protoreflect.Name(f.Name)] = f.Name
	})
	file, err := protodesc.NewFile(&descriptorpb.FileDescriptorProto{
		Name:        proto.String("relcache/config.proto"),
		Package:     proto.String("relcache"),
		Syntax:      proto.String("proto2"),
		MessageType: []*descriptorpb.DescriptorProto{{Name: proto.String("Config"), Field: fields}},
	}, new(protoregistry.Files))
	if err != nil {
		return nil, fmt.Errorf("failed to build config schema: %w", err)
	}
	schema.message = file.Messages().ByName("Config")
	return schema, nil
}

// protobufValueToString converts a config field value to its string representation suitable for flag setting.
func protobufValueToString(fd protoreflect.FieldDescriptor, v protoreflect.Value) (string, error) {
	switch fd.Kind() {
	case protoreflect.BoolKind:
		return strconv.FormatBool(v.Bool()), nil
	case protoreflect.Int64Kind:
		return strconv.FormatInt(v.Int(), 10), nil
	case protoreflect.Uint64Kind:
		return strconv.FormatUint(v.Uint(), 10), nil
	case protoreflect.DoubleKind:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64), nil
	case protoreflect.StringKind:
		return v.String(), nil
	default:
		return "", fmt.Errorf("unsupported kind: %v", fd.Kind())
	}
}

// CollectUnconfigurableFlags returns an error per flag of `fs` that the config file can't set, e.g. a flag whose name
// is not a valid field name.
func CollectUnconfigurableFlags(fs *flag.FlagSet) []error {
	errs := make([]error, 0)
	fs.VisitAll(func(f *flag.Flag) {
		if strings.HasPrefix(f.Name, "test.") || slices.Contains(skippedConfigFlags, f.Name) {
			return
		}
		if !fieldNamePattern.MatchString(f.Name) {
			errs = append(errs, fmt.Errorf("flag '%s' can't be set from the txtpb config", f.Name))
		}
	})
	return errs
}
