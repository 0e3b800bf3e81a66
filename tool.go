package numina

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ExecutionMeta is the side-channel handed to every tool execution. It is
// the canonical carrier for caller identity and continuation signalling; a
// legacy "request_heartbeat" property on tool inputs is stripped before
// validation and ignored.
type ExecutionMeta struct {
	CallerAgentID  AgentID
	ConversationID string
	CallID         string
	Deadline       time.Time
}

// ToolOutput is the outcome of a tool execution. RequestHeartbeat asks the
// runtime to schedule another turn after the batch finalizes.
type ToolOutput struct {
	Content          string          `json:"content"`
	IsError          bool            `json:"is_error,omitempty"`
	RequestHeartbeat bool            `json:"request_heartbeat,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
}

// ToolExample documents one representative invocation.
type ToolExample struct {
	Description string          `json:"description"`
	Input       json.RawMessage `json:"input"`
	Output      string          `json:"output,omitempty"`
}

// Tool is a named capability with a JSON-schema input contract. Inputs are
// validated against InputSchema before Execute runs.
type Tool interface {
	Name() string
	Description() string
	// InputSchema returns the JSON Schema for the tool's input object.
	InputSchema() json.RawMessage
	Execute(ctx context.Context, input json.RawMessage, meta ExecutionMeta) (ToolOutput, error)
}

// UsageRuler is an optional Tool extension contributing a usage directive
// to the system prompt alongside the rule engine's descriptions.
type UsageRuler interface {
	UsageRule() string
}

// Exampler is an optional Tool extension documenting invocations.
type Exampler interface {
	Examples() []ToolExample
}

// ToolDescriptor is the schema-level view of a registered tool, as handed
// to providers and rendered into the prompt's tool catalog.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// ToolRegistry holds an agent's tools and dispatches execution. The tool
// list is copy-on-write: readers take a snapshot without locking writers
// out, so descriptor listing during a turn never blocks registration.
type ToolRegistry struct {
	mu    sync.Mutex
	tools map[string]registeredTool
	list  []Tool // registration order, replaced wholesale on change
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]registeredTool)}
}

// Register adds a tool, compiling its input schema. Fails on a duplicate
// name or an invalid schema.
func (r *ToolRegistry) Register(t Tool) error {
	schema, err := compileSchema(t.Name(), t.InputSchema())
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name()]; ok {
		return &ErrValidation{Field: t.Name(), Reason: "tool already registered"}
	}
	r.tools[t.Name()] = registeredTool{tool: t, schema: schema}
	next := make([]Tool, len(r.list), len(r.list)+1)
	copy(next, r.list)
	r.list = append(next, t)
	return nil
}

// Get returns the tool registered under name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return rt.tool, true
}

// All returns a snapshot of the registered tools in registration order.
func (r *ToolRegistry) All() []Tool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list
}

// Descriptors returns the schema-level view of every registered tool.
func (r *ToolRegistry) Descriptors() []ToolDescriptor {
	tools := r.All()
	out := make([]ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		out = append(out, ToolDescriptor{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return out
}

// UsageRules collects the usage directives of tools that declare one.
func (r *ToolRegistry) UsageRules() []string {
	var out []string
	for _, t := range r.All() {
		if ur, ok := t.(UsageRuler); ok {
			if rule := ur.UsageRule(); rule != "" {
				out = append(out, rule)
			}
		}
	}
	return out
}

// Execute validates args against the tool's schema and runs it. Unknown
// tools and validation failures come back as error outputs, not Go errors,
// so the model sees them and can recover.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage, meta ExecutionMeta) ToolOutput {
	r.mu.Lock()
	rt, ok := r.tools[name]
	r.mu.Unlock()
	if !ok {
		return ToolOutput{Content: fmt.Sprintf("unknown tool: %s", name), IsError: true}
	}

	args = stripLegacyHeartbeat(args)
	if err := validateInput(rt.schema, args); err != nil {
		return ToolOutput{Content: "invalid input: " + err.Error(), IsError: true}
	}

	if !meta.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, meta.Deadline)
		defer cancel()
	}

	out, err := rt.tool.Execute(ctx, args, meta)
	if err != nil {
		if ctx.Err() != nil {
			return ToolOutput{Content: "cancelled", IsError: true}
		}
		return ToolOutput{Content: err.Error(), IsError: true}
	}
	return out
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, &ErrValidation{Field: name, Reason: "tool has no input schema"}
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, &ErrValidation{Field: name, Reason: "bad schema json: " + err.Error()}
	}
	compiler := jsonschema.NewCompiler()
	url := "tool://" + name + "/input"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, &ErrValidation{Field: name, Reason: "schema resource: " + err.Error()}
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, &ErrValidation{Field: name, Reason: "schema compile: " + err.Error()}
	}
	return schema, nil
}

func validateInput(schema *jsonschema.Schema, args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return fmt.Errorf("arguments are not valid json: %w", err)
	}
	return schema.Validate(doc)
}

// stripLegacyHeartbeat removes the legacy request_heartbeat property from
// a tool input object so schemas without it still validate.
func stripLegacyHeartbeat(args json.RawMessage) json.RawMessage {
	if !bytes.Contains(args, []byte(`"request_heartbeat"`)) {
		return args
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(args, &obj); err != nil {
		return args
	}
	if _, ok := obj["request_heartbeat"]; !ok {
		return args
	}
	delete(obj, "request_heartbeat")
	cleaned, err := json.Marshal(obj)
	if err != nil {
		return args
	}
	return cleaned
}
