// Package ruleengine names the rule-engine (Prolog/Datalog backend) spec.md
// §1 explicitly scopes out of this module: "the rule engine ... used by
// certain method handlers" is a host collaborator, not something the
// resolver, compiler, or VM implement.
//
// No built-in in pkg/method calls an Engine. The interface exists so a host
// can RegisterHandler a custom selector method backed by a real Datalog or
// Prolog engine — e.g. github.com/google/mangle, the shape this interface
// is grounded on (its Engine/FactStore/ast.Atom split, as driven by
// other_examples' codenerd kernel and differential-evaluation wrapper).
// Wiring a concrete github.com/google/mangle adapter here would mean
// implementing query planning and stratified evaluation neither spec.md nor
// its original source describe; see DESIGN.md for why that's out of this
// module's scope.
package ruleengine

// Atom is one ground fact or query term, named the way mangle's ast.Atom
// is shaped: a predicate applied to a fixed argument list. The core never
// constructs an Atom itself; it only ever flows one from a method handler's
// arguments into Engine.Query.
type Atom struct {
	Predicate string
	Args      []interface{}
}

// Engine is the contract a host-supplied rule engine must satisfy to back a
// custom method handler. Assert/Retract let a handler keep the engine's
// database in step with fact-store mutations; Query runs a goal and returns
// every matching binding set, the shape a Prolog/Datalog solve step takes.
type Engine interface {
	// Assert adds a fact to the engine's database.
	Assert(fact Atom) error

	// Retract removes every fact matching pattern (nil Args elements act as
	// wildcards).
	Retract(pattern Atom) error

	// Query solves goal and returns one map per successful binding, each
	// keyed by the goal's variable names.
	Query(goal Atom) ([]map[string]interface{}, error)
}
