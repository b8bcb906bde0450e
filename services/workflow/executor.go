package workflow

import (
	"context"
	"time"
)

// Category groups node kinds for catalog/UI purposes only; the dispatch
// boundary is uniform across categories.
type Category string

const (
	CategoryTrigger   Category = "trigger"
	CategoryLogic     Category = "logic"
	CategoryTransform Category = "transform"
	CategoryAction    Category = "action"
)

// ExecRequest carries everything a node executor may consult: the node being
// run, its resolved and normalized config, the input object assembled from
// upstream outputs, and the run's execution context.
type ExecRequest struct {
	Node   Node
	Config map[string]any
	Input  map[string]any
	Run    *ExecutionContext
}

// NodeExecutor is the one shared contract every node kind implements.
type NodeExecutor interface {
	Execute(ctx context.Context, req ExecRequest) (map[string]any, error)
}

// Registration binds an executor to its dispatch metadata.
type Registration struct {
	Executor NodeExecutor
	Category Category
	// Required lists config fields that must be non-empty after template
	// resolution; an empty resolution escalates to a ValidationError.
	Required []string
	// Raw lists config fields handed to the executor with templates intact
	// (expression fields the executor evaluates against the scope itself).
	Raw []string
	// NoPassthrough opts the kind out of the framework's input-into-output
	// merge.
	NoPassthrough bool
	// Timeout bounds a single dispatch; zero means no default. Overridable
	// per node via the "timeoutMs" config field.
	Timeout time.Duration
}

// Registry maps node kind strings to registrations. The registry is open:
// new kinds register without touching engine internals.
type Registry map[string]Registration

// Register adds or replaces the registration for a kind.
func (r Registry) Register(kind string, reg Registration) {
	r[kind] = reg
}

// Dispatch resolves config against the scope, enforces required fields and
// timeouts, runs the executor, classifies any failure, and merges the input
// object into the returned output unless the kind opted out. The input layer
// is pushed onto the scope for the duration of the call so config templates
// and expression fields can reference {{input.*}}.
func (r Registry) Dispatch(ctx context.Context, node Node, input map[string]any, rc *ExecutionContext) (map[string]any, error) {
	reg, ok := r[node.Kind]
	if !ok {
		return nil, newError(ErrValidation, node.ID, "no executor registered for node kind %q", node.Kind)
	}

	scope := rc.Scope()
	scope.Push(map[string]any{"input": input})
	defer scope.Pop()

	config := ResolveConfig(node.Config, scope, reg.Raw...)
	for _, field := range reg.Required {
		v, present := config[field]
		if !present || v == "" {
			return nil, newError(ErrValidation, node.ID, "required config field %q is empty after resolution", field)
		}
	}

	timeout := reg.Timeout
	if ms, ok := toFloat64(config["timeoutMs"]); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	output, err := reg.Executor.Execute(ctx, ExecRequest{
		Node:   node,
		Config: config,
		Input:  input,
		Run:    rc,
	})
	if err != nil {
		return nil, Classify(err, node.ID)
	}
	if output == nil {
		output = map[string]any{}
	}

	if reg.NoPassthrough {
		return output, nil
	}
	merged := make(map[string]any, len(input)+len(output))
	for k, v := range input {
		merged[k] = v
	}
	for k, v := range output {
		merged[k] = v
	}
	return merged, nil
}

// Default dispatch timeout for action kinds performing I/O.
const defaultActionTimeout = 10 * time.Second

// NewRegistry creates a registry populated with every built-in node kind.
// External calls go through the injected HTTP client.
func NewRegistry(client HTTPDoer) Registry {
	r := Registry{}

	for _, kind := range []string{KindManualTrigger, KindWebhookTrigger, KindScheduleTrigger} {
		r.Register(kind, Registration{Executor: &TriggerExecutor{}, Category: CategoryTrigger})
	}
	r.Register(KindErrorTrigger, Registration{Executor: &ErrorTriggerExecutor{}, Category: CategoryTrigger})

	r.Register(KindIfElse, Registration{
		Executor: &IfElseExecutor{},
		Category: CategoryLogic,
		Required: []string{"condition"},
		Raw:      []string{"condition"},
	})
	r.Register(KindSwitch, Registration{
		Executor: &SwitchExecutor{},
		Category: CategoryLogic,
		Required: []string{"expression"},
		Raw:      []string{"expression"},
	})
	r.Register(KindLoop, Registration{
		Executor: &LoopExecutor{},
		Category: CategoryLogic,
		Raw:      []string{"items"},
	})
	r.Register(KindMerge, Registration{
		Executor:      &MergeExecutor{},
		Category:      CategoryLogic,
		NoPassthrough: true,
	})
	r.Register(KindStopError, Registration{Executor: &StopErrorExecutor{}, Category: CategoryLogic})

	r.Register("set", Registration{Executor: &SetExecutor{}, Category: CategoryTransform})
	r.Register("log", Registration{Executor: &LogExecutor{}, Category: CategoryTransform})
	r.Register(KindNoop, Registration{Executor: &NoopExecutor{}, Category: CategoryTransform})

	r.Register("http_request", Registration{
		Executor: &HTTPRequestExecutor{client: client},
		Category: CategoryAction,
		Required: []string{"url"},
		Timeout:  defaultActionTimeout,
	})
	r.Register("email", Registration{
		Executor: &EmailExecutor{},
		Category: CategoryAction,
		Required: []string{"to"},
	})

	return r
}
