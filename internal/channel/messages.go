// Package channel carries signed messages between the agent and its controller.
package channel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"opsisagent/internal/domain"
	"opsisagent/internal/trust"
)

// Inbound message types.
const (
	TypeKeyRotation        = trust.MessageKeyRotation
	TypeExecutePlaybook    = "execute_playbook"
	TypeDiagnosticRequest  = "diagnostic_request"
	TypeEscalationResponse = "escalation_response"
	TypeUpdateConfig       = "update_config"
)

// Outbound message types.
const (
	TypeEscalation       = "escalation"
	TypeDiagnosticResult = "diagnostic_result"
	TypeTelemetry        = "telemetry"
	TypeKeyRotationAck   = trust.MessageKeyRotationAck
	TypeExecutionResult  = "execution_result"
)

var (
	// ErrUnknownType is returned for inbound types with no schema.
	ErrUnknownType = errors.New("unknown message type")
	// ErrSchema wraps schema violations of verified messages.
	ErrSchema = errors.New("message does not match schema")
)

// ExecutePlaybook asks the agent to run a catalog or controller-supplied playbook.
type ExecutePlaybook struct {
	Type       string            `json:"type"`
	RequestID  string            `json:"request_id"`
	PlaybookID string            `json:"playbook_id,omitempty"`
	Playbook   *domain.Playbook  `json:"playbook,omitempty"`
	Vars       map[string]string `json:"vars,omitempty"`
	TicketID   string            `json:"ticket_id,omitempty"`
}

// DiagnosticRequest asks the agent to run one read-only command.
type DiagnosticRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Command   string `json:"command"`
}

// EscalationResponse is the controller decision on an escalated ticket.
type EscalationResponse struct {
	Type       string `json:"type"`
	TicketID   string `json:"ticket_id"`
	Action     string `json:"action"`
	PlaybookID string `json:"playbook_id,omitempty"`
	Note       string `json:"note,omitempty"`
}

// Escalation response actions.
const (
	ActionAcknowledge = "acknowledge"
	ActionRemediate   = "remediate"
	ActionDismiss     = "dismiss"
)

// UpdateConfig carries runtime-tunable settings.
type UpdateConfig struct {
	Type                string   `json:"type"`
	EscalationThreshold *float64 `json:"escalation_threshold,omitempty"`
}

const stepSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "name": {"type": "string"},
    "target": {"type": "string"},
    "command": {"type": "string"},
    "params": {"type": "object", "additionalProperties": {"type": "string"}},
    "timeout_sec": {"type": "integer", "minimum": 0, "maximum": 3600}
  },
  "additionalProperties": false
}`

var inboundSchemas = map[string]string{
	TypeKeyRotation: `{
  "type": "object",
  "required": ["type", "rotation_id"],
  "properties": {
    "type": {"const": "key_rotation"},
    "rotation_id": {"type": "string", "minLength": 1},
    "new_api_key": {"type": "string", "minLength": 1},
    "new_hmac_secret": {"type": "string", "minLength": 1}
  },
  "anyOf": [{"required": ["new_api_key"]}, {"required": ["new_hmac_secret"]}]
}`,
	TypeExecutePlaybook: `{
  "type": "object",
  "required": ["type", "request_id"],
  "properties": {
    "type": {"const": "execute_playbook"},
    "request_id": {"type": "string", "minLength": 1},
    "playbook_id": {"type": "string", "minLength": 1},
    "ticket_id": {"type": "string"},
    "vars": {"type": "object", "additionalProperties": {"type": "string"}},
    "playbook": {
      "type": "object",
      "required": ["id", "steps"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "steps": {"type": "array", "minItems": 1, "items": ` + stepSchema + `}
      }
    }
  },
  "oneOf": [{"required": ["playbook_id"]}, {"required": ["playbook"]}]
}`,
	TypeDiagnosticRequest: `{
  "type": "object",
  "required": ["type", "request_id", "command"],
  "properties": {
    "type": {"const": "diagnostic_request"},
    "request_id": {"type": "string", "minLength": 1},
    "command": {"type": "string", "minLength": 1, "maxLength": 4096}
  }
}`,
	TypeEscalationResponse: `{
  "type": "object",
  "required": ["type", "ticket_id", "action"],
  "properties": {
    "type": {"const": "escalation_response"},
    "ticket_id": {"type": "string", "minLength": 1},
    "action": {"enum": ["acknowledge", "remediate", "dismiss"]},
    "playbook_id": {"type": "string"},
    "note": {"type": "string"}
  }
}`,
	TypeUpdateConfig: `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"const": "update_config"},
    "escalation_threshold": {"type": "number", "minimum": 0, "maximum": 100}
  },
  "minProperties": 2
}`,
}

// Schemas validates verified inbound payloads by message type.
type Schemas struct {
	byType map[string]*gojsonschema.Schema
}

// NewSchemas compiles the inbound schema table.
func NewSchemas() (*Schemas, error) {
	out := &Schemas{byType: make(map[string]*gojsonschema.Schema, len(inboundSchemas))}
	for msgType, body := range inboundSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(body))
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", msgType, err)
		}
		out.byType[msgType] = schema
	}
	return out, nil
}

// Validate checks verified payload against its type schema.
// Params: verified message.
// Returns: ErrUnknownType, ErrSchema with details, or nil.
func (s *Schemas) Validate(msg trust.Verified) error {
	schema, ok := s.byType[msg.Type()]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownType, msg.Type())
	}
	body, err := msg.JSON()
	if err != nil {
		return err
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return fmt.Errorf("%w: %s", ErrSchema, strings.Join(details, "; "))
	}
	return nil
}
