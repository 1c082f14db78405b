package content

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/inkwell-cms/inkwell/backend/internal/schema"
)

const frontMatterDelimiter = "---"

// ErrMalformedFrontMatter indicates the front-matter block could not be
// parsed as YAML.
var ErrMalformedFrontMatter = errors.New("content: malformed front matter")

// SplitFrontMatter separates a content file into its YAML front-matter
// metadata and body text. A file without a leading front-matter block yields
// empty metadata and the full text as body.
func SplitFrontMatter(raw string) (map[string]any, string, error) {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	trimmed := strings.TrimLeft(normalized, "\uFEFF")
	if !strings.HasPrefix(trimmed, frontMatterDelimiter+"\n") {
		return map[string]any{}, raw, nil
	}

	rest := trimmed[len(frontMatterDelimiter)+1:]
	var block, body string
	if rest == frontMatterDelimiter || strings.HasPrefix(rest, frontMatterDelimiter+"\n") {
		// An empty block closes immediately after the opener.
		body = rest[len(frontMatterDelimiter):]
	} else {
		closing := strings.Index(rest, "\n"+frontMatterDelimiter)
		if closing < 0 {
			// An unterminated block is treated as metadata-less content.
			return map[string]any{}, raw, nil
		}
		block = rest[:closing]
		body = rest[closing+len(frontMatterDelimiter)+1:]
	}
	body = strings.TrimPrefix(body, "\n")

	metadata := map[string]any{}
	if err := yaml.Unmarshal([]byte(block), &metadata); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMalformedFrontMatter, err)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	return metadata, body, nil
}

// CollectionFromPath resolves the owning schema for a content file by
// matching path segments against collection names, falling back to the first
// schema when no segment matches.
func CollectionFromPath(filePath string, schemas []schema.CollectionSchema) schema.CollectionSchema {
	if len(schemas) == 0 {
		return schema.DefaultSchema()
	}

	segments := strings.Split(strings.Trim(filePath, "/"), "/")
	for _, candidate := range schemas {
		for _, segment := range segments {
			if segment == candidate.Name {
				return candidate
			}
		}
	}
	return schemas[0]
}
