package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaRegistry holds compiled JSON Schemas keyed by event type.
// Event types without a registered schema are not validated.
// It is safe for concurrent use.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[EventType]*jsonschema.Schema
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{
		schemas: make(map[EventType]*jsonschema.Schema),
	}
}

// NewDefaultSchemaRegistry creates a registry preloaded with DefaultSchemas.
func NewDefaultSchemaRegistry() (*SchemaRegistry, error) {
	r := NewSchemaRegistry()
	for t, s := range DefaultSchemas() {
		if err := r.Register(t, s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register compiles schema and associates it with t, replacing any
// previous schema for t. An empty schema removes the entry.
func (r *SchemaRegistry) Register(t EventType, schema string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if schema == "" {
		delete(r.schemas, t)
		return nil
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://evcore.schemas.local/events/%s.schema.json", t)
	if err := c.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("schema load failed for %s: %w", t, err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("schema compile failed for %s: %w", t, err)
	}
	r.schemas[t] = compiled
	return nil
}

// Has reports whether a schema is registered for t.
func (r *SchemaRegistry) Has(t EventType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[t]
	return ok
}

// Validate checks payload against the schema registered for t.
// Returns nil if no schema is registered. Failures are returned as
// *SchemaValidationError.
func (r *SchemaRegistry) Validate(t EventType, payload json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.schemas[t]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	if len(payload) == 0 {
		return &SchemaValidationError{EventType: t, Reason: "missing payload"}
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return &SchemaValidationError{EventType: t, Reason: "invalid JSON: " + err.Error()}
	}
	if err := schema.Validate(doc); err != nil {
		return &SchemaValidationError{EventType: t, Reason: err.Error()}
	}
	return nil
}

// DefaultSchemas returns the JSON Schemas for the built-in domain events.
func DefaultSchemas() map[EventType]string {
	return map[EventType]string{
		EventAnalysisStateChanged: `{
			"type": "object",
			"required": ["symbol", "state"],
			"properties": {
				"symbol": {"type": "string", "minLength": 1},
				"state": {"type": "string", "enum": ["pending", "running", "completed", "failed"]},
				"score": {"type": "number"},
				"recommendation": {"type": "string"}
			}
		}`,
		EventPortfolioStateChanged: `{
			"type": "object",
			"required": ["portfolio_id"],
			"properties": {
				"portfolio_id": {"type": "string", "minLength": 1},
				"cash": {"type": "number"},
				"positions": {
					"type": ["array", "null"],
					"items": {
						"type": "object",
						"required": ["symbol", "quantity"],
						"properties": {
							"symbol": {"type": "string", "minLength": 1},
							"quantity": {"type": "number"},
							"price": {"type": "number"}
						}
					}
				}
			}
		}`,
		EventTradingStateChanged: `{
			"type": "object",
			"required": ["order_id", "symbol", "side", "status"],
			"properties": {
				"order_id": {"type": "string", "minLength": 1},
				"portfolio_id": {"type": "string"},
				"symbol": {"type": "string", "minLength": 1},
				"side": {"type": "string", "enum": ["buy", "sell"]},
				"quantity": {"type": "number", "minimum": 0},
				"price": {"type": "number", "minimum": 0},
				"status": {"type": "string", "enum": ["open", "filled", "cancelled", "rejected"]}
			}
		}`,
		EventSystemAlertRaised: `{
			"type": "object",
			"required": ["component", "severity", "message"],
			"properties": {
				"component": {"type": "string", "minLength": 1},
				"severity": {"type": "string", "enum": ["info", "warning", "critical"]},
				"message": {"type": "string"}
			}
		}`,
	}
}
