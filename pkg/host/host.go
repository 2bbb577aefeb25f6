// Package host keeps the functions loaded through the HTTP surface
// and feeds their invocations to the dispatcher.
package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tass-io/langworker/pkg/function"
	"github.com/tass-io/langworker/pkg/workerconfig"
	"go.uber.org/zap"
)

var (
	ErrFunctionNotFound = errors.New("function is not loaded")
	ErrFunctionExists   = errors.New("function is already loaded")
	ErrFunctionName     = errors.New("function name is required")
)

// inputsBuffer is how many invocations of a function may wait for its router
const inputsBuffer = 16

// Dispatcher is the part of the dispatcher the host relies on
type Dispatcher interface {
	Initialize(workerRuntime string, functions []function.Metadata)
	Register(reg *function.Registration)
}

type loaded struct {
	reg    *function.Registration
	inputs chan *function.Invocation
}

// Host maps function names to their registrations
type Host struct {
	sync.Locker
	dispatcher Dispatcher
	// configs resolve the runtime of functions loaded without one
	configs   []workerconfig.Config
	functions map[string]*loaded
}

func New(d Dispatcher, configs []workerconfig.Config) *Host {
	return &Host{
		Locker:     &sync.Mutex{},
		dispatcher: d,
		configs:    configs,
		functions:  map[string]*loaded{},
	}
}

// Load initializes the runtime of the function and registers the function on it.
// Without a runtime, the one configured for the extension of the script file is used.
// It waits for the worker to load the function or for ctx.
// A function whose registration failed can be loaded again.
func (h *Host) Load(ctx context.Context, metadata function.Metadata) (map[string]interface{}, error) {
	if metadata.Name == "" {
		return nil, ErrFunctionName
	}
	if metadata.Runtime == "" {
		metadata.Runtime = workerconfig.RuntimeOfScript(metadata.ScriptFile, h.configs)
	}
	h.Lock()
	if l, ok := h.functions[metadata.Name]; ok && l.reg.Result.Err() == nil {
		h.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrFunctionExists, metadata.Name)
	}
	inputs := make(chan *function.Invocation, inputsBuffer)
	l := &loaded{
		reg:    function.NewRegistration(metadata, inputs),
		inputs: inputs,
	}
	h.functions[metadata.Name] = l
	// every loaded function keeps the worker of its runtime wanted
	functions := make([]function.Metadata, 0, len(h.functions))
	for _, fn := range h.functions {
		functions = append(functions, fn.reg.Metadata)
	}
	h.Unlock()

	zap.S().Infow("load function", "function", metadata.Name, "runtime", metadata.Runtime)
	h.dispatcher.Initialize(metadata.Runtime, functions)
	h.dispatcher.Register(l.reg)
	return l.reg.Result.Wait(ctx)
}

// Invoke calls a loaded function and waits for its result or for ctx
func (h *Host) Invoke(ctx context.Context, name string, parameters map[string]interface{}) (map[string]interface{}, error) {
	h.Lock()
	l, ok := h.functions[name]
	h.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, name)
	}
	if err := l.reg.Result.Err(); err != nil {
		return nil, err
	}
	inv := function.NewInvocation(name, parameters)
	select {
	case l.inputs <- inv:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return inv.Result.Wait(ctx)
}

// Functions returns the names of the loaded functions, sorted
func (h *Host) Functions() []string {
	h.Lock()
	defer h.Unlock()
	names := make([]string, 0, len(h.functions))
	for name := range h.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
