package importer

import (
	"fmt"
	"sort"
	"time"

	"github.com/inkwell-cms/inkwell/backend/internal/schema"
)

// MetadataValidation is the outcome of checking raw front-matter metadata
// against a collection schema.
type MetadataValidation struct {
	// Fields holds the metadata that survived validation, including unknown
	// fields passed through unchanged.
	Fields map[string]any
	// Errors lists every validation problem in field-name order.
	Errors []string
	// Rejected is set when a required field is absent; the document must not
	// be imported. Type mismatches alone drop the offending field instead.
	Rejected bool
}

// ValidateMetadata checks raw metadata against the declared schema. The
// schema is advisory, not exclusive: fields absent from it pass through
// untouched, and a type mismatch drops only that field. Only a missing
// required field rejects the document.
func ValidateMetadata(raw map[string]any, collection schema.CollectionSchema) MetadataValidation {
	result := MetadataValidation{Fields: make(map[string]any, len(raw))}

	names := make([]string, 0, len(collection.Fields))
	for name := range collection.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	validated := make(map[string]struct{}, len(names))
	for _, name := range names {
		spec := collection.Fields[name]
		validated[name] = struct{}{}

		value, present := raw[name]
		if !present || value == nil {
			if !spec.Optional {
				result.Errors = append(result.Errors, fmt.Sprintf("missing required field: %s", name))
				result.Rejected = true
			}
			continue
		}

		if matchesType(value, spec.Type) {
			result.Fields[name] = value
			continue
		}
		result.Errors = append(result.Errors,
			fmt.Sprintf("field %s: expected %s, got %T", name, spec.Type, value))
	}

	for name, value := range raw {
		if _, known := validated[name]; !known {
			result.Fields[name] = value
		}
	}
	return result
}

func matchesType(value any, fieldType schema.FieldType) bool {
	switch fieldType {
	case schema.FieldTypeString:
		_, ok := value.(string)
		return ok
	case schema.FieldTypeNumber:
		switch value.(type) {
		case int, int64, uint64, float32, float64:
			return true
		}
		return false
	case schema.FieldTypeBoolean:
		_, ok := value.(bool)
		return ok
	case schema.FieldTypeDate:
		// Dates are accepted permissively as native values or strings.
		switch value.(type) {
		case time.Time, string:
			return true
		}
		return false
	case schema.FieldTypeArray:
		_, ok := value.([]any)
		return ok
	case schema.FieldTypeObject:
		switch value.(type) {
		case map[string]any, map[any]any:
			return true
		}
		return false
	default:
		return true
	}
}
