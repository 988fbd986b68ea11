package agents

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/callrelay/internal/voiceagent"
)

// Function names the agents may call.
const (
	FuncHandoff          = "handoff_to_next_agent"
	FuncEndConversation  = "end_conversation"
	FuncScheduleFollowup = "schedule_followup"
	FuncRecordSatisfy    = "record_satisfaction"
)

// ErrSchemaViolation marks arguments that decoded to an object but do not
// match the declared schema. Validate still returns the decoded arguments.
var ErrSchemaViolation = errors.New("arguments do not match schema")

// EndReasons are the accepted end_conversation reasons.
var EndReasons = []string{"customer_goodbye", "task_complete", "customer_request", "not_interested"}

var handoffFunction = voiceagent.Function{
	Name: FuncHandoff,
	Description: `Transfer the caller to the next specialist.

Call this only after the customer has agreed to be connected, and call it right away without saying anything else. Never call it in the same turn you ask for permission, and never narrate the transfer.`,
	Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "reason": {"type": "string", "description": "Short reason for the transfer, such as 'lead qualified' or 'consultation complete'"},
    "notes": {"type": "string", "description": "Anything the next specialist should know"}
  },
  "required": ["reason"]
}`),
}

var endConversationFunction = voiceagent.Function{
	Name: FuncEndConversation,
	Description: `Hang up after your final goodbye.

Use it when the customer says goodbye, asks to end the call, declines to continue, or your last task is done. Say goodbye first, then call this with no further text. A mid-conversation "thanks" is not a goodbye.`,
	Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "reason": {
      "type": "string",
      "description": "Why the call is ending",
      "enum": ["customer_goodbye", "task_complete", "customer_request", "not_interested"]
    }
  },
  "required": ["reason"]
}`),
}

var scheduleFollowupFunction = voiceagent.Function{
	Name: FuncScheduleFollowup,
	Description: `Record when the customer wants to be contacted for a full consultation.

Pass the timeframe in the customer's words, for example "Tuesday afternoon" or "next week". Call it in the same response that confirms their choice and do not announce it.`,
	Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "preferred_timeframe": {"type": "string", "description": "The timeframe the customer chose"},
    "notes": {"type": "string", "description": "Scheduling requests or constraints"}
  },
  "required": ["preferred_timeframe"]
}`),
}

var recordSatisfactionFunction = voiceagent.Function{
	Name: FuncRecordSatisfy,
	Description: `Record the customer's satisfaction score from 1 to 5.

Convert a spoken number to an integer and call this in the same response that thanks them. Do not announce it.`,
	Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "rating": {"type": "integer", "minimum": 1, "maximum": 5, "description": "1 is very dissatisfied, 5 is very satisfied"},
    "feedback": {"type": "string", "description": "Optional comments"}
  },
  "required": ["rating"]
}`),
}

// stageFunctions lists the functions declared to each stage, in order.
var stageFunctions = map[Stage][]voiceagent.Function{
	StageQualifier: {handoffFunction, endConversationFunction},
	StageAdvisor:   {handoffFunction, endConversationFunction},
	StageCloser:    {scheduleFollowupFunction, recordSatisfactionFunction, endConversationFunction},
}

// FunctionsFor returns the functions declared to stage.
func FunctionsFor(stage Stage) []voiceagent.Function {
	fns := stageFunctions[stage]
	out := make([]voiceagent.Function, len(fns))
	copy(out, fns)
	return out
}

// Validator checks function-call arguments against the declared parameter schemas.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the parameter schema of every declared function.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*jsonschema.Schema)}
	for _, stage := range Stages() {
		for _, fn := range stageFunctions[stage] {
			if _, ok := v.schemas[fn.Name]; ok {
				continue
			}
			compiled, err := jsonschema.CompileString("function_"+fn.Name, string(fn.Parameters))
			if err != nil {
				return nil, fmt.Errorf("compile %s parameters: %w", fn.Name, err)
			}
			v.schemas[fn.Name] = compiled
		}
	}
	return v, nil
}

// Known reports whether name has a declared schema.
func (v *Validator) Known(name string) bool {
	_, ok := v.schemas[name]
	return ok
}

// Validate decodes arguments and checks them against name's schema. Unknown
// functions are only checked for well-formed JSON. An empty argument string
// is treated as an empty object. A schema mismatch returns the decoded
// arguments along with an error wrapping ErrSchemaViolation.
func (v *Validator) Validate(name, arguments string) (map[string]any, error) {
	if len(bytes.TrimSpace([]byte(arguments))) == 0 {
		arguments = "{}"
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader([]byte(arguments)))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid arguments for %s: %w", name, err)
	}
	args, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("invalid arguments for %s: expected an object", name)
	}
	if schema, ok := v.schemas[name]; ok {
		if err := schema.Validate(doc); err != nil {
			return args, fmt.Errorf("%w for %s: %v", ErrSchemaViolation, name, err)
		}
	}
	return args, nil
}
