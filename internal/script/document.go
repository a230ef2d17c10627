// Package script holds the parsed form of an automation script: a tree of
// action, loop and condition nodes plus the variables a run starts with.
package script

// Node kinds as they appear in the "type" field of a script document.
const (
	KindAction    = "action"
	KindLoop      = "loop"
	KindCondition = "condition"
)

// Failure modes for on_failure and validate.on_failure.
const (
	FailAbort     = "abort"
	FailIgnore    = "ignore"
	FailRetryStep = "retry_step"
)

const (
	// LoopCount is the only supported loop type
	LoopCount = "count"

	// CondImageExists is the only supported condition type
	CondImageExists = "if_image_exists"

	// ValidateImageExists is the only supported validation type
	ValidateImageExists = "image_exists"

	// DefaultValidateTimeout is used when a validate clause has no timeout, in seconds
	DefaultValidateTimeout = 10
)

// Document is a parsed script. It is never mutated after Parse returns,
// so concurrent runs may share one.
type Document struct {
	Variables map[string]any
	Steps     []Node
}

// Node is one of Action, Loop, Condition or Unknown.
type Node interface {
	// Kind is the node's "type" tag
	Kind() string
	// Label is the human description, or a placeholder when none was given
	Label() string
	node()
}

// Action performs exactly one device operation.
type Action struct {
	Description string
	Action      string
	Params      map[string]any
	OnFailure   FailurePolicy
	Validate    *Validation
}

// Loop repeats Steps Count times.
type Loop struct {
	Description string
	LoopType    string
	Count       int
	Steps       []Node
}

// Condition runs IfTrue or IfFalse depending on ConditionType.
type Condition struct {
	Description   string
	ConditionType string
	Params        map[string]any
	IfTrue        []Node
	IfFalse       []Node
}

// Unknown keeps a node whose type is not recognised; it is skipped at run time.
type Unknown struct {
	Description string
	Type        string
}

// FailurePolicy is an action's on_failure: either a mode string or a retry clause.
type FailurePolicy struct {
	Mode  string
	Retry *RetryPolicy
}

// Ignore reports whether failures of the action are logged and swallowed.
func (p FailurePolicy) Ignore() bool {
	return p.Retry == nil && p.Mode == FailIgnore
}

// RetryPolicy retries TargetNotFound failures Count more times, waiting Delay seconds between attempts.
type RetryPolicy struct {
	Count int
	Delay float64
}

// Attempts is the total number of tries, the first one included.
func (r RetryPolicy) Attempts() int {
	if r.Count < 0 {
		return 1
	}
	return r.Count + 1
}

// Validation is checked after an action completes.
type Validation struct {
	Type      string
	Target    any
	Timeout   float64
	OnFailure string
}

func (Action) Kind() string    { return KindAction }
func (Loop) Kind() string      { return KindLoop }
func (Condition) Kind() string { return KindCondition }
func (u Unknown) Kind() string { return u.Type }

func (a Action) Label() string    { return label(a.Description) }
func (l Loop) Label() string      { return label(l.Description) }
func (c Condition) Label() string { return label(c.Description) }
func (u Unknown) Label() string   { return label(u.Description) }

func (Action) node()    {}
func (Loop) node()      {}
func (Condition) node() {}
func (Unknown) node()   {}

func label(s string) string {
	if s == "" {
		return "no description"
	}
	return s
}

// CountActions returns the number of action nodes in the tree, loops counted once.
func (d *Document) CountActions() int {
	return countActions(d.Steps)
}

func countActions(nodes []Node) int {
	n := 0
	for _, node := range nodes {
		switch v := node.(type) {
		case *Action:
			n++
		case *Loop:
			n += countActions(v.Steps)
		case *Condition:
			n += countActions(v.IfTrue) + countActions(v.IfFalse)
		}
	}
	return n
}
