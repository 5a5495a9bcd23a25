package generator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// OUTPUT SCHEMAS
// =============================================================================

// Schema is the minimal JSON-schema subset every provider understands. It is
// serialized verbatim into the gemini responseSchema and the openai
// json_schema body, and drives the in-process structural check that runs
// before each function's semantic validator.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
	Minimum     *float64           `json:"minimum,omitempty"`
	Maximum     *float64           `json:"maximum,omitempty"`
}

func floatPtr(f float64) *float64 { return &f }

var queryPlanSchema = &Schema{
	Type: "object",
	Properties: map[string]*Schema{
		"refined_text": {Type: "string", Description: "Search-optimized rewrite of the query"},
		"entities":     {Type: "array", Items: &Schema{Type: "string"}, Description: "Named entities mentioned or implied"},
		"locations":    {Type: "array", Items: &Schema{Type: "string"}, Description: "Geographic locations, lowercase"},
		"time_range": {
			Type:        "object",
			Description: "Time window implied by the query, RFC3339; omit when unbounded",
			Properties: map[string]*Schema{
				"from": {Type: "string"},
				"to":   {Type: "string"},
			},
		},
	},
	Required: []string{"refined_text"},
}

var timelineSchema = &Schema{
	Type: "object",
	Properties: map[string]*Schema{
		"topic": {Type: "string"},
		"events": {
			Type: "array",
			Items: &Schema{
				Type: "object",
				Properties: map[string]*Schema{
					"timestamp":         {Type: "string", Description: "RFC3339"},
					"summary":           {Type: "string"},
					"sources":           {Type: "array", Items: &Schema{Type: "string"}, Description: "post_id values from the context"},
					"location":          {Type: "string"},
					"credibility_score": {Type: "number", Minimum: floatPtr(0), Maximum: floatPtr(1)},
				},
				Required: []string{"timestamp", "summary", "sources", "credibility_score"},
			},
		},
		"predictions": {Type: "array", Items: &Schema{Type: "string"}},
	},
	Required: []string{"topic", "events"},
}

var misinfoSchema = &Schema{
	Type: "object",
	Properties: map[string]*Schema{
		"is_suspicious":       {Type: "boolean"},
		"suspicious_patterns": {Type: "array", Items: &Schema{Type: "string"}},
		"risk_level":          {Type: "string", Enum: []string{"low", "medium", "high"}},
		"recommendation":      {Type: "string"},
	},
	Required: []string{"is_suspicious", "suspicious_patterns", "risk_level", "recommendation"},
}

var followUpsSchema = &Schema{
	Type: "object",
	Properties: map[string]*Schema{
		"questions": {
			Type: "array",
			Items: &Schema{
				Type: "object",
				Properties: map[string]*Schema{
					"question": {Type: "string"},
					"category": {Type: "string", Enum: []string{"deep_dive", "related_topic", "verification", "prediction", "comparison"}},
					"priority": {Type: "integer", Minimum: floatPtr(1), Maximum: floatPtr(5)},
				},
				Required: []string{"question", "category", "priority"},
			},
		},
	},
	Required: []string{"questions"},
}

var credibilitySchema = &Schema{
	Type: "object",
	Properties: map[string]*Schema{
		"credibility_score": {Type: "number", Minimum: floatPtr(0), Maximum: floatPtr(1)},
		"factors":           {Type: "array", Items: &Schema{Type: "string"}},
		"reasoning":         {Type: "string"},
	},
	Required: []string{"credibility_score", "factors", "reasoning"},
}

var recommendationsSchema = &Schema{
	Type: "object",
	Properties: map[string]*Schema{
		"recommendations": {
			Type: "array",
			Items: &Schema{
				Type: "object",
				Properties: map[string]*Schema{
					"action": {Type: "string"},
					"reason": {Type: "string"},
				},
				Required: []string{"action", "reason"},
			},
		},
	},
	Required: []string{"recommendations"},
}

var visualContextSchema = &Schema{
	Type: "object",
	Properties: map[string]*Schema{
		"visual_context": {Type: "string", Description: "One or two sentences describing what the image shows"},
		"entities":       {Type: "array", Items: &Schema{Type: "string"}},
	},
	Required: []string{"visual_context", "entities"},
}

// =============================================================================
// STRUCTURAL VALIDATION
// =============================================================================

// ValidateSchema checks a raw provider response against the declared schema.
// It catches the cheap failure modes (wrong type, missing required field,
// out-of-enum value, out-of-range number) so the retry prompt can name them
// precisely; semantic rules live in the per-function validators.
func ValidateSchema(schema *Schema, raw json.RawMessage) error {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("response is not valid JSON: %v", err)
	}
	return checkSchema(schema, value, "$")
}

func checkSchema(schema *Schema, value any, path string) error {
	if schema == nil {
		return nil
	}
	switch schema.Type {
	case "object":
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: expected object, got %s", path, jsonTypeName(value))
		}
		for _, req := range schema.Required {
			if _, present := obj[req]; !present {
				return fmt.Errorf("%s: missing required field %q", path, req)
			}
		}
		// Deterministic order keeps retry feedback stable.
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			prop, declared := schema.Properties[k]
			if !declared {
				continue
			}
			if obj[k] == nil {
				continue
			}
			if err := checkSchema(prop, obj[k], path+"."+k); err != nil {
				return err
			}
		}
	case "array":
		arr, ok := value.([]any)
		if !ok {
			return fmt.Errorf("%s: expected array, got %s", path, jsonTypeName(value))
		}
		for i, item := range arr {
			if err := checkSchema(schema.Items, item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case "string":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s: expected string, got %s", path, jsonTypeName(value))
		}
		if len(schema.Enum) > 0 && !containsFold(schema.Enum, s) {
			return fmt.Errorf("%s: %q is not one of [%s]", path, s, strings.Join(schema.Enum, ", "))
		}
	case "number", "integer":
		n, ok := value.(float64)
		if !ok {
			return fmt.Errorf("%s: expected %s, got %s", path, schema.Type, jsonTypeName(value))
		}
		if schema.Type == "integer" && n != float64(int64(n)) {
			return fmt.Errorf("%s: expected integer, got %v", path, n)
		}
		if schema.Minimum != nil && n < *schema.Minimum {
			return fmt.Errorf("%s: %v is below minimum %v", path, n, *schema.Minimum)
		}
		if schema.Maximum != nil && n > *schema.Maximum {
			return fmt.Errorf("%s: %v is above maximum %v", path, n, *schema.Maximum)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%s: expected boolean, got %s", path, jsonTypeName(value))
		}
	}
	return nil
}

func jsonTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

func containsFold(values []string, s string) bool {
	for _, v := range values {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
