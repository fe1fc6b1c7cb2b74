// Package plugin defines the sub-agent contract: plugins register
// explicitly at startup with a typed descriptor, and the dispatcher
// resolves task targets against the registry. There is no directory
// scanning or reflection-based discovery.
package plugin

import (
	"context"
	"time"

	"github.com/kelicblan/seerlord-ai/pkg/core"
	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
	"github.com/kelicblan/seerlord-ai/pkg/flow"
)

// Descriptor identifies a plugin and tells the planner what it can do.
type Descriptor struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities,omitempty"`

	// CritiqueInstructions is optional plugin-specific guidance for the
	// critic. Empty means the generic standard applies.
	CritiqueInstructions string `json:"critique_instructions,omitempty"`
}

// Request is one dispatched task as seen by a plugin.
type Request struct {
	ThreadID string
	TaskID   int
	// Action is the planner's free-text intent for this task.
	Action string
	// Input is the original user request.
	Input string
	// Feedback carries the critic's notes on a retry, empty otherwise.
	Feedback string
	Params   map[string]any
	// Tools resolves MCP-backed tools the plugin may call. Nil when the
	// kernel runs without tool servers.
	Tools core.ToolProvider
}

// Result is a plugin's output for one task.
type Result struct {
	Output string         `json:"output"`
	Data   map[string]any `json:"data,omitempty"`
}

// Plugin is an independently developed sub-agent invoked by the
// dispatcher.
type Plugin interface {
	Descriptor() Descriptor
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Handler executes a plugin's behavior directly, without a flow graph.
type Handler func(ctx context.Context, req Request) (*Result, error)

// Option configures a plugin under construction.
type Option func(*options) error

type options struct {
	description  string
	capabilities []string
	critique     string
	timeout      time.Duration
	handlers     map[string]flow.Handler
	handlersByID map[string]flow.Handler
	maxSteps     int
}

// WithDescription sets the descriptor text the planner sees.
func WithDescription(description string) Option {
	return func(o *options) error {
		o.description = description
		return nil
	}
}

// WithCapabilities lists short capability tags for the planner prompt.
func WithCapabilities(capabilities ...string) Option {
	return func(o *options) error {
		o.capabilities = append([]string(nil), capabilities...)
		return nil
	}
}

// WithCritiqueInstructions sets plugin-specific critic guidance.
func WithCritiqueInstructions(instructions string) Option {
	return func(o *options) error {
		o.critique = instructions
		return nil
	}
}

// WithTimeout bounds a single Execute call.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) error {
		o.timeout = timeout
		return nil
	}
}

// WithNodeHandler binds a handler to a node type of a flow-backed
// plugin's graph.
func WithNodeHandler(nodeType string, handler flow.Handler) Option {
	return func(o *options) error {
		if o.handlers == nil {
			o.handlers = make(map[string]flow.Handler)
		}
		o.handlers[nodeType] = handler
		return nil
	}
}

// WithNodeHandlerByID binds a handler to a single node of a
// flow-backed plugin's graph, overriding its type handler.
func WithNodeHandlerByID(nodeID string, handler flow.Handler) Option {
	return func(o *options) error {
		if o.handlersByID == nil {
			o.handlersByID = make(map[string]flow.Handler)
		}
		o.handlersByID[nodeID] = handler
		return nil
	}
}

// WithMaxSteps bounds the node count of one flow-backed execution.
func WithMaxSteps(maxSteps int) Option {
	return func(o *options) error {
		o.maxSteps = maxSteps
		return nil
	}
}

func buildOptions(opts []Option) (*options, error) {
	o := &options{}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// FuncPlugin wraps a Handler as a Plugin. Used for builtin helpers and
// tests.
type FuncPlugin struct {
	desc    Descriptor
	handler Handler
	timeout time.Duration
}

// NewFunc creates a plugin from a handler function.
func NewFunc(id string, handler Handler, opts ...Option) (*FuncPlugin, error) {
	if id == "" {
		return nil, kerrors.New(kerrors.CodeConfiguration, "plugin id is required", nil)
	}
	if handler == nil {
		return nil, kerrors.New(kerrors.CodeConfiguration, "plugin handler is required: "+id, nil)
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return &FuncPlugin{
		desc: Descriptor{
			ID:                   id,
			Description:          o.description,
			Capabilities:         o.capabilities,
			CritiqueInstructions: o.critique,
		},
		handler: handler,
		timeout: o.timeout,
	}, nil
}

// Descriptor implements Plugin.
func (p *FuncPlugin) Descriptor() Descriptor { return p.desc }

// Execute implements Plugin.
func (p *FuncPlugin) Execute(ctx context.Context, req Request) (*Result, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	return p.handler(ctx, req)
}

var _ Plugin = (*FuncPlugin)(nil)
