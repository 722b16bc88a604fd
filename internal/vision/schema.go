package vision

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hyperjump/kioku/internal/models"
	"github.com/xeipuuv/gojsonschema"
)

// tagSchema is the JSON schema a tag reply must satisfy. It is sent to the
// model as the structured output format and checked again on the reply.
func tagSchema(vocabulary []string, maxTags int) map[string]any {
	item := map[string]any{"type": "string", "minLength": 1}
	if len(vocabulary) > 0 {
		item = map[string]any{"type": "string", "enum": vocabulary}
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"names": map[string]any{
				"type":     "array",
				"items":    item,
				"maxItems": maxTags,
			},
		},
		"required": []string{"names"},
	}
}

type tagReply struct {
	Names []string `json:"names"`
}

// parseTags validates reply against the tag schema and returns the names.
func parseTags(reply string, vocabulary []string, maxTags int) ([]string, error) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return nil, fmt.Errorf("%w: empty tag reply", models.ErrValidation)
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(tagSchema(vocabulary, maxTags)),
		gojsonschema.NewStringLoader(reply),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: tag reply is not JSON: %v", models.ErrValidation, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: tag reply violates schema: %s", models.ErrValidation, strings.Join(msgs, "; "))
	}
	var parsed tagReply
	if err := json.Unmarshal([]byte(reply), &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode tag reply: %v", models.ErrValidation, err)
	}
	return parsed.Names, nil
}
