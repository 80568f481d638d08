package schema

import _ "embed"

// OpenAPI holds the embedded OpenAPI document for the lumens supply API.
//
//go:embed openapi.yaml
var OpenAPI []byte
