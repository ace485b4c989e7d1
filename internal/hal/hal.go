// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

// Package hal provides the subset of the
// [JSON Hypertext Application Language] (HAL)
// used by buildcache documents.
//
// [JSON Hypertext Application Language]: https://datatracker.ietf.org/doc/html/draft-kelly-json-hal-11
package hal

import (
	"fmt"
	"maps"
	"net/url"
	"slices"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"zombiezen.com/go/uritemplate"
)

// MediaType is the MIME media type of a HAL document.
const MediaType = "application/hal+json"

// SelfRelationType is the link relation of a resource's own URL.
const SelfRelationType = "self"

const linksPropertyName = "_links"

// Resource is a HAL resource object.
// The zero value is an empty resource object.
// Embedded resources are not supported.
type Resource struct {
	// Links maps link relation types to links.
	Links map[string]ArrayOrObject[*Link]
	// Properties are the other top-level properties of the resource object.
	Properties map[string]jsontext.Value
}

// Link returns the single link object for the relation type
// or nil if there is none or the relation uses an array.
func (r *Resource) Link(rel string) *Link {
	if r == nil {
		return nil
	}
	l, _ := r.Links[rel].Get()
	return l
}

// SetLink sets the relation type to the single link l.
func (r *Resource) SetLink(rel string, l *Link) {
	if r.Links == nil {
		r.Links = make(map[string]ArrayOrObject[*Link])
	}
	r.Links[rel] = Object(l)
}

// SetProperty marshals v as the named property.
func (r *Resource) SetProperty(name string, v any) error {
	if name == linksPropertyName {
		return fmt.Errorf("set hal property %s: reserved", name)
	}
	data, err := jsonv2.Marshal(v, jsonv2.Deterministic(true))
	if err != nil {
		return fmt.Errorf("set hal property %s: %w", name, err)
	}
	if r.Properties == nil {
		r.Properties = make(map[string]jsontext.Value)
	}
	r.Properties[name] = data
	return nil
}

// Property unmarshals the named property into v.
// It reports false if the property is absent.
func (r *Resource) Property(name string, v any) (bool, error) {
	data, ok := r.Properties[name]
	if !ok {
		return false, nil
	}
	if err := jsonv2.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("hal property %s: %w", name, err)
	}
	return true, nil
}

// MarshalJSONTo writes the resource as a JSON object.
// Properties are written in sorted order when the encoder is deterministic.
func (r *Resource) MarshalJSONTo(enc *jsontext.Encoder) error {
	if r == nil {
		return enc.WriteToken(jsontext.Null)
	}
	if _, ok := r.Properties[linksPropertyName]; ok {
		return fmt.Errorf("marshal hal resource: %s property is reserved", linksPropertyName)
	}
	if err := enc.WriteToken(jsontext.BeginObject); err != nil {
		return fmt.Errorf("marshal hal resource: %w", err)
	}
	if len(r.Links) > 0 {
		if err := enc.WriteToken(jsontext.String(linksPropertyName)); err != nil {
			return fmt.Errorf("marshal hal resource: %w", err)
		}
		if err := jsonv2.MarshalEncode(enc, r.Links); err != nil {
			return fmt.Errorf("marshal hal resource: %s: %w", linksPropertyName, err)
		}
	}
	keys := maps.Keys(r.Properties)
	if deterministic, _ := jsonv2.GetOption(enc.Options(), jsonv2.Deterministic); deterministic {
		keys = slices.Values(slices.Sorted(keys))
	}
	for k := range keys {
		if err := enc.WriteToken(jsontext.String(k)); err != nil {
			return fmt.Errorf("marshal hal resource: %s: %w", k, err)
		}
		if err := enc.WriteValue(r.Properties[k]); err != nil {
			return fmt.Errorf("marshal hal resource: %s: %w", k, err)
		}
	}
	if err := enc.WriteToken(jsontext.EndObject); err != nil {
		return fmt.Errorf("marshal hal resource: %w", err)
	}
	return nil
}

// UnmarshalJSONFrom reads a JSON object into the resource.
// An _embedded property is kept as an ordinary property.
func (r *Resource) UnmarshalJSONFrom(dec *jsontext.Decoder) error {
	if tok, err := dec.ReadToken(); err != nil {
		return fmt.Errorf("unmarshal hal resource: %w", err)
	} else if got := tok.Kind(); got != '{' {
		return fmt.Errorf("unmarshal hal resource: unexpected %v token (want object)", got)
	}
	for {
		keyToken, err := dec.ReadToken()
		if err != nil {
			return fmt.Errorf("unmarshal hal resource: %w", err)
		}
		if keyToken.Kind() == '}' {
			return nil
		}
		key := keyToken.String()
		if key == linksPropertyName {
			if err := jsonv2.UnmarshalDecode(dec, &r.Links); err != nil {
				return fmt.Errorf("unmarshal hal resource: %s: %w", key, err)
			}
			continue
		}
		value, err := dec.ReadValue()
		if err != nil {
			return fmt.Errorf("unmarshal hal resource: %s: %w", key, err)
		}
		if r.Properties == nil {
			r.Properties = make(map[string]jsontext.Value)
		}
		r.Properties[key] = value.Clone()
	}
}

// ArrayOrObject is either a single T or an array of T.
// The zero value is an empty array.
type ArrayOrObject[T any] struct {
	Objects []T
	Single  bool
}

// Object returns an [ArrayOrObject] holding the single object x.
func Object[T any](x T) ArrayOrObject[T] {
	return ArrayOrObject[T]{Objects: []T{x}, Single: true}
}

// Array returns an [ArrayOrObject] wrapping the slice x.
func Array[T any](x []T) ArrayOrObject[T] {
	return ArrayOrObject[T]{Objects: x}
}

// Get returns the object if arr holds exactly one object in single form.
func (arr ArrayOrObject[T]) Get() (_ T, ok bool) {
	if len(arr.Objects) != 1 || !arr.Single {
		var zero T
		return zero, false
	}
	return arr.Objects[0], true
}

// MarshalJSONTo writes arr as an object or an array.
func (arr ArrayOrObject[T]) MarshalJSONTo(enc *jsontext.Encoder) error {
	if obj, ok := arr.Get(); ok {
		return jsonv2.MarshalEncode(enc, obj)
	}
	return jsonv2.MarshalEncode(enc, arr.Objects)
}

// UnmarshalJSONFrom reads an array as an array of T
// and any other value as a single T.
func (arr *ArrayOrObject[T]) UnmarshalJSONFrom(dec *jsontext.Decoder) error {
	arr.Single = dec.PeekKind() != '['
	if arr.Single {
		arr.Objects = make([]T, 1)
		return jsonv2.UnmarshalDecode(dec, &arr.Objects[0])
	}
	return jsonv2.UnmarshalDecode(dec, &arr.Objects)
}

// Link is a HAL link object.
type Link struct {
	// HRef is a URI, or a URI template if Templated is true.
	HRef      string `json:"href"`
	Templated bool   `json:"templated,omitzero"`
	Title     string `json:"title,omitempty"`
	// Type hints at the media type of the target resource.
	Type string `json:"type,omitempty"`
}

// Expand expands the link's URI template with data
// and resolves the result against base, if base is not nil.
// Untemplated links ignore data.
func (l *Link) Expand(base *url.URL, data any) (*url.URL, error) {
	href := l.HRef
	if l.Templated {
		var err error
		href, err = uritemplate.Expand(href, data)
		if err != nil {
			return nil, fmt.Errorf("expand %s: %v", l.HRef, err)
		}
	}
	u, err := url.Parse(href)
	if err != nil {
		return nil, err
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	return u, nil
}
