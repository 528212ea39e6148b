package future

// Waitable is the read side of any future the dependency resolver can track:
// a bare Future, an AppFuture, or a DataFuture.
type Waitable interface {
	TaskID() int
	Done() bool
	Result() (any, error)
	Err() error
	Peek() (any, error, bool)
	AddDoneCallback(cb Callback)
}

var (
	_ Waitable = (*Future)(nil)
	_ Waitable = (*AppFuture)(nil)
	_ Waitable = (*DataFuture)(nil)
)
