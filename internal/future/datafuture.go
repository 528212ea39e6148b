package future

// FileRef is the minimal view of a file handle a data future carries. The
// staging package's File satisfies it.
type FileRef interface {
	Remote() bool
	Filepath() string
	String() string
}

// DataFuture represents the availability of a file produced or transferred
// by a task. It completes when the producing task's app future completes.
type DataFuture struct {
	*Future

	file FileRef
}

// NewDataFuture binds a data future to the app future that produces file.
// On the parent's success the data future resolves to the file handle
// itself; on failure it carries the parent's error.
func NewDataFuture(parent *AppFuture, file FileRef) *DataFuture {
	df := &DataFuture{
		Future: NewForTask(parent.TaskID()),
		file:   file,
	}
	parent.AddDoneCallback(func(f *Future) {
		if _, err, _ := f.Peek(); err != nil {
			if serr := df.SetError(err); serr != nil {
				df.logger.Error("data future double completion", "task_id", df.TaskID(), "error", serr)
			}
			return
		}
		if serr := df.SetResult(file); serr != nil {
			df.logger.Error("data future double completion", "task_id", df.TaskID(), "error", serr)
		}
	})
	return df
}

// File returns the file handle this future tracks.
func (d *DataFuture) File() FileRef { return d.file }

// Filepath returns the local path of the tracked file.
func (d *DataFuture) Filepath() string { return d.file.Filepath() }
