// Package codec encodes and decodes job callables. A callable is stored as a
// tagged variant: a named function, a (type, method) pair with an optional
// encoded receiver, or a closure reference with captured state guarded by an
// HMAC. The codec is the only place that knows how to materialize each
// variant into something the runtime can invoke.
//
// Go has no dynamic evaluation, so the closure variant carries a registered
// function reference plus its captured variables rather than source text. The
// HMAC gate is kept: a worker never invokes a closure whose stored reference
// and captured state fail verification against the process-stable secret.
package codec

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/glamboyosa/queued/schema"
)

// ErrTamperedClosure is returned when a stored closure fails HMAC
// verification. It is always a terminal failure; tampered payloads are never
// retried.
var ErrTamperedClosure = errors.New("closure integrity check failed")

// ErrInvalidCallable is returned when a dispatched value cannot be classified
// into one of the callable variants.
var ErrInvalidCallable = errors.New("invalid callable")

// ErrNotRegistered is returned when decoding references a name the registry
// does not know.
var ErrNotRegistered = errors.New("callable not registered")

// JobFunc is the invocable shape of every materialized callable.
type JobFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Func is a named function callable.
type Func struct {
	Name string
}

// Method is a (type, method) callable. Receiver is nil for static-style
// calls; otherwise it is the instance whose state is encoded alongside the
// job.
type Method struct {
	TypeName string
	Method   string
	Receiver interface{}
}

// Closure is a registered function reference with captured state. Captured is
// handed to the function merged under the "captured" key of its params.
type Closure struct {
	Ref      string
	Captured interface{}
}

// Encoded is the persisted form of a callable, split across the job row's
// callable columns.
type Encoded struct {
	Type           schema.CallableType
	Callable       string
	Namespace      string
	ObjectInstance string
}

// closureEnvelope is the stored JSON for the closure variant.
type closureEnvelope struct {
	Ref      string          `json:"ref"`
	Captured json.RawMessage `json:"captured"`
	MAC      string          `json:"hmac"`
}

// Registry maps names to invocable functions and receiver factories. The
// producer and the worker must build it identically; a name the producer
// dispatched that the worker never registered fails decode.
type Registry struct {
	funcs     map[string]JobFunc
	factories map[string]func() interface{}
}

func NewRegistry() *Registry {
	return &Registry{
		funcs:     make(map[string]JobFunc),
		factories: make(map[string]func() interface{}),
	}
}

// RegisterFunc adds a named function. Used by both the function and closure
// variants.
func (r *Registry) RegisterFunc(name string, fn JobFunc) error {
	if name == "" {
		return errors.New("function name cannot be empty")
	}
	if fn == nil {
		return errors.New("function cannot be nil")
	}
	if _, ok := r.funcs[name]; ok {
		return fmt.Errorf("function %q already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

// RegisterType adds a receiver type by name. The factory returns a fresh
// pointer value; instance state is JSON-decoded into it before the method is
// invoked.
func (r *Registry) RegisterType(name string, factory func() interface{}) error {
	if name == "" {
		return errors.New("type name cannot be empty")
	}
	if factory == nil {
		return errors.New("factory cannot be nil")
	}
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("type %q already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// Codec encodes callables for storage and materializes them on the worker
// side. The secret must be identical in every process that touches the queue.
type Codec struct {
	registry *Registry
	secret   []byte
}

func New(registry *Registry, secret []byte) *Codec {
	return &Codec{registry: registry, secret: secret}
}

// Classify maps a dispatched value onto its callable variant.
func Classify(callable interface{}) (schema.CallableType, error) {
	switch callable.(type) {
	case Func, *Func:
		return schema.CallableFunction, nil
	case Method, *Method:
		return schema.CallableClassMethod, nil
	case Closure, *Closure:
		return schema.CallableClosure, nil
	default:
		return "", fmt.Errorf("%w: %T", ErrInvalidCallable, callable)
	}
}

// Encode persists a callable into its stored columns.
func (c *Codec) Encode(callable interface{}) (Encoded, error) {
	switch v := callable.(type) {
	case Func:
		return c.encodeFunc(v)
	case *Func:
		return c.encodeFunc(*v)
	case Method:
		return c.encodeMethod(v)
	case *Method:
		return c.encodeMethod(*v)
	case Closure:
		return c.encodeClosure(v)
	case *Closure:
		return c.encodeClosure(*v)
	default:
		return Encoded{}, fmt.Errorf("%w: %T", ErrInvalidCallable, callable)
	}
}

func (c *Codec) encodeFunc(f Func) (Encoded, error) {
	if f.Name == "" {
		return Encoded{}, fmt.Errorf("%w: empty function name", ErrInvalidCallable)
	}
	return Encoded{Type: schema.CallableFunction, Callable: f.Name}, nil
}

func (c *Codec) encodeMethod(m Method) (Encoded, error) {
	if m.TypeName == "" || m.Method == "" {
		return Encoded{}, fmt.Errorf("%w: method requires type and method names", ErrInvalidCallable)
	}
	enc := Encoded{
		Type:      schema.CallableClassMethod,
		Callable:  m.Method,
		Namespace: m.TypeName,
	}
	if m.Receiver != nil {
		state, err := json.Marshal(m.Receiver)
		if err != nil {
			return Encoded{}, fmt.Errorf("failed to encode receiver state: %w", err)
		}
		enc.ObjectInstance = string(state)
	}
	return enc, nil
}

func (c *Codec) encodeClosure(cl Closure) (Encoded, error) {
	if cl.Ref == "" {
		return Encoded{}, fmt.Errorf("%w: empty closure reference", ErrInvalidCallable)
	}
	captured, err := json.Marshal(cl.Captured)
	if err != nil {
		return Encoded{}, fmt.Errorf("failed to encode captured variables: %w", err)
	}
	env := closureEnvelope{
		Ref:      cl.Ref,
		Captured: captured,
		MAC:      c.sign(cl.Ref, captured),
	}
	body, err := json.Marshal(env)
	if err != nil {
		return Encoded{}, fmt.Errorf("failed to encode closure: %w", err)
	}
	return Encoded{Type: schema.CallableClosure, Callable: string(body)}, nil
}

// sign computes the integrity tag over the reference and captured state.
func (c *Codec) sign(ref string, captured []byte) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(ref))
	mac.Write([]byte{0x1f})
	mac.Write(captured)
	return hex.EncodeToString(mac.Sum(nil))
}

// Decode materializes a stored callable into an invocable function.
// Closures are verified before the registry is consulted; a bad tag returns
// ErrTamperedClosure without resolving anything.
func (c *Codec) Decode(job *schema.Job) (JobFunc, error) {
	switch job.CallableType {
	case schema.CallableFunction:
		fn, ok := c.registry.funcs[job.Callable]
		if !ok {
			return nil, fmt.Errorf("%w: function %q", ErrNotRegistered, job.Callable)
		}
		return fn, nil

	case schema.CallableClosure:
		return c.decodeClosure(job.Callable)

	case schema.CallableClassMethod:
		instance := ""
		if job.ObjectInstance.Valid {
			instance = job.ObjectInstance.String
		}
		return c.decodeMethod(job.Namespace.String, job.Callable, instance)

	default:
		return nil, fmt.Errorf("%w: unknown callable type %q", ErrInvalidCallable, job.CallableType)
	}
}

func (c *Codec) decodeClosure(stored string) (JobFunc, error) {
	var env closureEnvelope
	if err := json.Unmarshal([]byte(stored), &env); err != nil {
		return nil, fmt.Errorf("%w: undecodable envelope", ErrTamperedClosure)
	}

	want, err := hex.DecodeString(env.MAC)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed tag", ErrTamperedClosure)
	}
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(env.Ref))
	mac.Write([]byte{0x1f})
	mac.Write(env.Captured)
	if !hmac.Equal(mac.Sum(nil), want) {
		return nil, ErrTamperedClosure
	}

	fn, ok := c.registry.funcs[env.Ref]
	if !ok {
		return nil, fmt.Errorf("%w: closure ref %q", ErrNotRegistered, env.Ref)
	}

	captured := env.Captured
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return fn(ctx, mergeCaptured(params, captured))
	}, nil
}

func (c *Codec) decodeMethod(typeName, method, instance string) (JobFunc, error) {
	factory, ok := c.registry.factories[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: type %q", ErrNotRegistered, typeName)
	}

	receiver := factory()
	if instance != "" {
		if err := json.Unmarshal([]byte(instance), receiver); err != nil {
			return nil, fmt.Errorf("failed to decode receiver state for %s: %w", typeName, err)
		}
	}

	m := reflect.ValueOf(receiver).MethodByName(method)
	if !m.IsValid() {
		return nil, fmt.Errorf("%w: method %s.%s", ErrNotRegistered, typeName, method)
	}
	fn, ok := m.Interface().(func(context.Context, json.RawMessage) (interface{}, error))
	if !ok {
		return nil, fmt.Errorf("%w: method %s.%s has wrong signature", ErrInvalidCallable, typeName, method)
	}
	return fn, nil
}

// mergeCaptured attaches the closure's captured state to the call parameters
// under the "captured" key. Params that are not a JSON object are passed
// through under "params".
func mergeCaptured(params, captured json.RawMessage) json.RawMessage {
	var obj map[string]json.RawMessage
	if len(params) > 0 && json.Unmarshal(params, &obj) == nil && obj != nil {
		obj["captured"] = captured
	} else {
		obj = map[string]json.RawMessage{"captured": captured}
		if len(params) > 0 {
			obj["params"] = params
		}
	}
	merged, err := json.Marshal(obj)
	if err != nil {
		return params
	}
	return merged
}

// EncodeParams encodes dispatch arguments with the same scheme as captured
// variables; decoding is symmetric and restartable across processes.
func EncodeParams(params interface{}) (string, error) {
	if params == nil {
		return "null", nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return string(raw), nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode params: %w", err)
	}
	return string(b), nil
}

// CallableName returns the human label used when the producer does not name
// the job explicitly.
func CallableName(callable interface{}) string {
	switch v := callable.(type) {
	case Func:
		return v.Name
	case *Func:
		return v.Name
	case Method:
		return v.TypeName + "." + v.Method
	case *Method:
		return v.TypeName + "." + v.Method
	case Closure:
		return v.Ref
	case *Closure:
		return v.Ref
	default:
		return fmt.Sprintf("%T", callable)
	}
}
