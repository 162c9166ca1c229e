package runner

import "context"

// Controller is the type-erased surface shared by every Runner instantiation.
// Registries and other collections hold runners through it.
type Controller interface {
	Name() string
	Fire(cmd Command, opts ...FireOption) *Run
	Start() *Run
	Stop(ctx context.Context) error
	Restart(ctx context.Context) *Run
	Pause()
	Resume()
	Toggle()
	Reset() bool

	Status() string
	StatusWait() string
	GetState() State
	Index() int
	Executed() int64
	Errors() []ErrorValue
	Handle() *Run
	Logs() []LogEntry

	Options() *Options
	UpdateOptions(o *Options) error

	BindAny(args ...any) error
	ProducesResults() bool
	ResultsAny() []any
	ClearResults()

	AddListener(fn func(StateChange)) func()
}

var _ Controller = (*Runner[None, None, None])(nil)
