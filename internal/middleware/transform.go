package middleware

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// TextReplacement is one literal or regex find/replace pair applied to a
// body before any JSON-specific transform.
type TextReplacement struct {
	Find         string
	Replace      string
	RegexEnabled bool
}

// TransformConfig describes the body-transform stage for one direction
// (request or response): ordered text replacements, then, for JSON bodies
// only, field insertions and deletions (spec §4.6 "Body transform").
type TransformConfig struct {
	Replacements []TextReplacement
	AddFields    map[string]any
	RemoveFields []string
}

// TransformError marks a body transform failure (invalid JSON when JSON
// field edits were configured).
type TransformError struct {
	Err error
}

func (e *TransformError) Error() string { return "transform error: " + e.Err.Error() }
func (e *TransformError) Unwrap() error { return e.Err }

// TransformBody applies cfg to body. contentType is used to decide whether
// the JSON field-edit stage runs; plain literal/regex replacement always
// runs regardless of content type.
func TransformBody(body []byte, contentType string, cfg TransformConfig) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}

	text := string(body)
	for _, r := range cfg.Replacements {
		if r.RegexEnabled {
			re, err := regexp.Compile(r.Find)
			if err != nil {
				continue // an invalid pattern is skipped, not fatal
			}
			text = re.ReplaceAllString(text, r.Replace)
		} else {
			text = strings.ReplaceAll(text, r.Find, r.Replace)
		}
	}

	if strings.Contains(contentType, "application/json") && (len(cfg.AddFields) > 0 || len(cfg.RemoveFields) > 0) {
		transformed, err := transformJSON(text, cfg.AddFields, cfg.RemoveFields)
		if err != nil {
			return nil, &TransformError{Err: err}
		}
		text = transformed
	}

	return []byte(text), nil
}

func transformJSON(body string, add map[string]any, remove []string) (string, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(body), &obj); err != nil {
		return "", fmt.Errorf("invalid JSON body: %w", err)
	}
	for k, v := range add {
		obj[k] = v
	}
	for _, k := range remove {
		delete(obj, k)
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("failed to serialize JSON: %w", err)
	}
	return string(out), nil
}
