package mtest

import (
	"go.mongodb.org/mongo-driver/mongo/options"
)

// RunOnBlock describes a server-version constraint for a test.
type RunOnBlock struct {
	MinServerVersion string `json:"minServerVersion"`
	MaxServerVersion string `json:"maxServerVersion"`
}

// optionFunc is a function type that configures a T instance.
type optionFunc func(*T)

// Options is the type used to configure a new T instance.
type Options struct {
	optFuncs []optionFunc
}

// NewOptions creates an empty Options instance.
func NewOptions() *Options {
	return &Options{}
}

// Constraints specifies environmental constraints for a test to run. If the deployment
// meets at least one of the given constraints, the test will be run. Otherwise, it will be
// skipped. This option will be propagated to all sub-tests.
func (op *Options) Constraints(constraints ...RunOnBlock) *Options {
	op.optFuncs = append(op.optFuncs, func(t *T) {
		t.constraints = append(t.constraints, constraints...)
	})
	return op
}

// CollectionName specifies the name of the collection created for a sub-test. By default
// the sub-test's name is used.
func (op *Options) CollectionName(name string) *Options {
	op.optFuncs = append(op.optFuncs, func(t *T) {
		t.collName = name
	})
	return op
}

// ClientOptions specifies the options used to create a sub-test's client, replacing the
// default majority read/write concern options. The connection string from the test context
// is always applied.
func (op *Options) ClientOptions(clientOpts *options.ClientOptions) *Options {
	op.optFuncs = append(op.optFuncs, func(t *T) {
		t.clientOpts = clientOpts
	})
	return op
}
