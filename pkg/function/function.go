package function

import (
	"strings"

	"github.com/rs/xid"
)

// Metadata is the static description of a user function.
// The dispatcher only reads it.
type Metadata struct {
	Name       string `json:"name" yaml:"name"`
	Runtime    string `json:"runtime" yaml:"runtime"`
	ScriptFile string `json:"scriptFile,omitempty" yaml:"scriptFile"`
	EntryPoint string `json:"entryPoint,omitempty" yaml:"entryPoint"`
}

// Invocation is one call of a registered function
type Invocation struct {
	ID           string
	FunctionName string
	Parameters   map[string]interface{}
	Result       *Promise
}

// NewInvocation returns an invocation with a unique id and a fresh result promise
func NewInvocation(functionName string, parameters map[string]interface{}) *Invocation {
	return &Invocation{
		ID:           xid.New().String(),
		FunctionName: functionName,
		Parameters:   parameters,
		Result:       NewPromise(),
	}
}

// Registration binds one function to the worker of its runtime.
// Invocations for the function arrive on Inputs once it is registered,
// the outcome of the registration itself is reported through Result.
type Registration struct {
	Metadata Metadata
	Inputs   <-chan *Invocation
	Result   *Promise
}

// NewRegistration returns a registration with a fresh result promise
func NewRegistration(metadata Metadata, inputs <-chan *Invocation) *Registration {
	return &Registration{
		Metadata: metadata,
		Inputs:   inputs,
		Result:   NewPromise(),
	}
}

// SameRuntime compares two runtime identifiers, ignoring case
func SameRuntime(a, b string) bool {
	return strings.EqualFold(a, b)
}

// RuntimeKey is the normalized form of a runtime identifier used as a map key
func RuntimeKey(runtime string) string {
	return strings.ToLower(strings.TrimSpace(runtime))
}

// Names returns the function names of the registrations, in order
func Names(registrations []*Registration) []string {
	names := make([]string, 0, len(registrations))
	for _, reg := range registrations {
		names = append(names, reg.Metadata.Name)
	}
	return names
}
