package server

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const captureSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["packageId", "postedAt"],
	"properties": {
		"packageId": {"type": "string", "minLength": 1, "maxLength": 255},
		"title":     {"type": "string", "maxLength": 1024},
		"text":      {"type": "string", "maxLength": 8192},
		"bigText":   {"type": "string", "maxLength": 8192},
		"textLines": {"type": "array", "items": {"type": "string"}, "maxItems": 50},
		"postedAt":  {"type": "integer", "minimum": 0}
	}
}`

const credentialSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["token"],
	"properties": {
		"token": {"type": "string", "minLength": 1, "maxLength": 4096}
	}
}`

const sourcesSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["packages"],
	"properties": {
		"packages": {"type": "array", "items": {"type": "string", "minLength": 1}, "maxItems": 64}
	}
}`

type validators struct {
	capture    *jsonschema.Schema
	credential *jsonschema.Schema
	sources    *jsonschema.Schema
}

func compileSchemas() (*validators, error) {
	c := jsonschema.NewCompiler()
	compile := func(name, src string) (*jsonschema.Schema, error) {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s schema: %w", name, err)
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("failed to add %s schema: %w", name, err)
		}
		sch, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s schema: %w", name, err)
		}
		return sch, nil
	}

	var v validators
	var err error
	if v.capture, err = compile("capture.json", captureSchema); err != nil {
		return nil, err
	}
	if v.credential, err = compile("credential.json", credentialSchema); err != nil {
		return nil, err
	}
	if v.sources, err = compile("sources.json", sourcesSchema); err != nil {
		return nil, err
	}
	return &v, nil
}

// validate checks body against sch before it is decoded into a struct
func validate(sch *jsonschema.Schema, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return sch.Validate(inst)
}
