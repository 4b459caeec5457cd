// Package observability provides metrics for the trainer worker.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrModel   = "model"
	attrOutcome = "outcome"
	attrSuccess = "success"
	attrReason  = "reason"
	attrBackend = "backend"
	attrField   = "field"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func modelAttr(model string) attribute.KeyValue {
	if model == "" {
		model = "unknown"
	}
	return attribute.String(attrModel, model)
}

func outcomeAttr(status string) attribute.KeyValue {
	return attribute.String(attrOutcome, status)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String(attrReason, reason)
}

func backendAttr(backend string) attribute.KeyValue {
	return attribute.String(attrBackend, backend)
}

func fieldAttr(field string) attribute.KeyValue {
	if field == "" {
		field = "envelope"
	}
	return attribute.String(attrField, field)
}

// normalizePath keeps path cardinality bounded. Only the fixed routes are
// reported as-is.
func normalizePath(path string) string {
	switch path {
	case "/livez", "/readyz", "/v1/jobs", "/v1/jobs/current":
		return path
	}
	if strings.HasPrefix(path, "/v1/jobs/") {
		return "/v1/jobs/{jobId}"
	}
	return "other"
}
