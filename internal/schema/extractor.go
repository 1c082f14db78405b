package schema

import (
	"regexp"
	"strings"
)

// FieldType enumerates the closed set of declared field types.
type FieldType string

const (
	FieldTypeString  FieldType = "string"
	FieldTypeNumber  FieldType = "number"
	FieldTypeBoolean FieldType = "boolean"
	FieldTypeDate    FieldType = "date"
	FieldTypeArray   FieldType = "array"
	FieldTypeObject  FieldType = "object"
)

// FieldSpec describes one declared field of a collection schema.
type FieldSpec struct {
	Type     FieldType
	Optional bool
}

// CollectionSchema is the extracted shape of one content collection.
type CollectionSchema struct {
	Name   string
	Fields map[string]FieldSpec
}

// DefaultCollectionName is the collection used when extraction finds nothing.
const DefaultCollectionName = "posts"

var (
	declarationPattern = regexp.MustCompile(`(?m)^\s*(?:const\s+)?([A-Za-z_][A-Za-z0-9_]*)\s*[:=]\s*defineCollection\s*\(`)
	fieldLinePattern   = regexp.MustCompile(`(?m)^\s*([A-Za-z_][A-Za-z0-9_]*)\s*:\s*([^,\n]+?),?\s*$`)
	typePrefixPattern  = regexp.MustCompile(`^(?:z\.)?([A-Za-z_][A-Za-z0-9_]*)`)
)

var typeKeywords = map[string]FieldType{
	"string":  FieldTypeString,
	"number":  FieldTypeNumber,
	"bigint":  FieldTypeNumber,
	"boolean": FieldTypeBoolean,
	"date":    FieldTypeDate,
	"coerce":  FieldTypeDate,
	"array":   FieldTypeArray,
	"object":  FieldTypeObject,
	"record":  FieldTypeObject,
	"enum":    FieldTypeString,
	"literal": FieldTypeString,
	"union":   FieldTypeString,
}

// DefaultSchema returns the built-in fallback schema used when a content
// configuration file is absent or yields no recognizable declarations.
func DefaultSchema() CollectionSchema {
	return CollectionSchema{
		Name: DefaultCollectionName,
		Fields: map[string]FieldSpec{
			"title":       {Type: FieldTypeString, Optional: false},
			"description": {Type: FieldTypeString, Optional: true},
			"pubDate":     {Type: FieldTypeDate, Optional: true},
			"tags":        {Type: FieldTypeArray, Optional: true},
			"draft":       {Type: FieldTypeBoolean, Optional: true},
		},
	}
}

// Extract performs a best-effort structural scan of a content configuration
// file and returns the collection schemas it declares. It is not a compiler:
// declarations are located by pattern, and type expressions that cannot be
// classified degrade to a permissive string field. Extract never fails; when
// no declaration is recognizable it returns the single default schema so that
// a downstream import can always proceed.
func Extract(configText string) []CollectionSchema {
	schemas := make([]CollectionSchema, 0, 4)

	for _, match := range declarationPattern.FindAllStringSubmatchIndex(configText, -1) {
		name := configText[match[2]:match[3]]
		body := balancedBody(configText, match[1]-1)
		if body == "" {
			continue
		}
		fields := extractFields(body)
		schemas = append(schemas, CollectionSchema{Name: name, Fields: fields})
	}

	if len(schemas) == 0 {
		return []CollectionSchema{DefaultSchema()}
	}
	return schemas
}

// balancedBody returns the text between the opening parenthesis at openIndex
// and its matching close, or everything to the end of input when the
// declaration is unbalanced.
func balancedBody(text string, openIndex int) string {
	if openIndex < 0 || openIndex >= len(text) || text[openIndex] != '(' {
		return ""
	}
	depth := 0
	for i := openIndex; i < len(text); i++ {
		switch text[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return text[openIndex+1 : i]
			}
		}
	}
	return text[openIndex+1:]
}

// extractFields locates the innermost field-declaration block of a collection
// body and classifies each field line.
func extractFields(body string) map[string]FieldSpec {
	block := fieldBlock(body)
	fields := make(map[string]FieldSpec)

	for _, match := range fieldLinePattern.FindAllStringSubmatch(block, -1) {
		name := match[1]
		expr := strings.TrimSpace(match[2])
		if name == "schema" || strings.HasPrefix(expr, "defineCollection") {
			continue
		}
		fields[name] = classify(expr)
	}
	return fields
}

// fieldBlock narrows a collection body to the braces of its schema object.
// When no schema marker is present the whole body is scanned, which lets
// hand-written configs without the wrapper still yield fields.
func fieldBlock(body string) string {
	markerIndex := strings.Index(body, "schema")
	scan := body
	if markerIndex >= 0 {
		scan = body[markerIndex:]
	}
	open := strings.Index(scan, "{")
	if open < 0 {
		return body
	}
	depth := 0
	for i := open; i < len(scan); i++ {
		switch scan[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return scan[open+1 : i]
			}
		}
	}
	return scan[open+1:]
}

// classify maps the prefix of a type expression onto the closed field-type
// enum. Anything unrecognized, including aliased or deeply nested
// expressions, degrades to a required string rather than an error.
func classify(expr string) FieldSpec {
	spec := FieldSpec{Type: FieldTypeString, Optional: false}
	if strings.Contains(expr, ".optional()") || strings.Contains(expr, ".nullish()") {
		spec.Optional = true
	}

	prefix := typePrefixPattern.FindStringSubmatch(expr)
	if prefix == nil {
		return spec
	}
	keyword := strings.ToLower(prefix[1])
	if keyword == "coerce" {
		// z.coerce.date() is the conventional way to declare dates.
		if !strings.Contains(expr, "date") {
			return spec
		}
	}
	if mapped, ok := typeKeywords[keyword]; ok {
		spec.Type = mapped
	}
	return spec
}
