package provider

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Content is a streamed content fragment. Providers emit plain text, lists
// of parts, or objects carrying a text field; Normalize flattens every
// variant to a string.
type Content interface {
	isContent()
}

// Text is a plain text fragment.
type Text string

// Parts is an ordered list of fragments.
type Parts []Content

// Object is a structured fragment; its "text" field (or "content") is used.
type Object map[string]any

// Raw holds a value of any other shape.
type Raw struct {
	Value any
}

func (Text) isContent()   {}
func (Parts) isContent()  {}
func (Object) isContent() {}
func (Raw) isContent()    {}

// Normalize converts a fragment into text. Nil yields "".
func Normalize(c Content) string {
	switch v := c.(type) {
	case nil:
		return ""
	case Text:
		return string(v)
	case Parts:
		var b strings.Builder
		for _, p := range v {
			b.WriteString(Normalize(p))
		}
		return b.String()
	case Object:
		for _, key := range []string{"text", "content"} {
			if field, ok := v[key]; ok {
				return Normalize(ContentFrom(field))
			}
		}
		return coerce(map[string]any(v))
	case Raw:
		return coerce(v.Value)
	default:
		return coerce(v)
	}
}

// ContentFrom classifies a decoded JSON value into a Content variant.
func ContentFrom(v any) Content {
	switch t := v.(type) {
	case nil:
		return nil
	case Content:
		return t
	case string:
		return Text(t)
	case []any:
		parts := make(Parts, 0, len(t))
		for _, p := range t {
			parts = append(parts, ContentFrom(p))
		}
		return parts
	case map[string]any:
		return Object(t)
	default:
		return Raw{Value: v}
	}
}

func coerce(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}
