package staging

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/hashicorp/go-hclog"

	"github.com/tjdasso/dfk/internal/exec"
	"github.com/tjdasso/dfk/internal/future"
	"github.com/tjdasso/dfk/internal/task"
)

// Label is the reserved executor label for transfer tasks. It is never a
// submission target for user apps.
const Label = "data_manager"

// TaskSubmitter is the slice of the kernel the data manager needs: a way
// to run a transfer function as a first-class task on its own executor.
// Routing transfers through the kernel means staging failures propagate to
// consumers as ordinary dependency errors.
type TaskSubmitter interface {
	SubmitStaging(fn task.AppFunc, funcName string, args []any) (*future.AppFuture, error)
}

// Transferer moves one scheme's files in and out of the run. Additional
// providers (e.g. managed transfer services) plug in here.
type Transferer interface {
	Scheme() string
	StageIn(f *File) error
	StageOut(f *File) error
}

// DataManager is the staging executor: an in-process pool bounded by the
// configured transfer thread count, plus the scheme dispatch for stage-in
// and stage-out requests.
type DataManager struct {
	*exec.PoolExecutor

	logger      hclog.Logger
	submitter   TaskSubmitter
	transferers map[string]Transferer
}

// NewDataManager builds the staging executor with maxThreads transfer
// workers. The kernel installs itself as submitter before first use.
func NewDataManager(logger hclog.Logger, maxThreads int) (*DataManager, error) {
	if maxThreads <= 0 {
		maxThreads = 10
	}
	pool, err := exec.NewPoolExecutor(exec.PoolConfig{
		Label:        Label,
		TasksPerNode: maxThreads,
		Managed:      true,
		Scaling:      false,
		Provider:     &exec.Provider{MinBlocks: 1, MaxBlocks: 1, InitBlocks: 1, NodesPerBlock: 1, Parallelism: 1},
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	dm := &DataManager{
		PoolExecutor: pool,
		logger:       logger.Named("staging"),
		transferers:  make(map[string]Transferer),
	}
	dm.Register(&fileTransferer{})
	dm.Register(&httpTransferer{})
	dm.transferers["https"] = dm.transferers["http"]
	return dm, nil
}

// Register installs a transferer for its scheme, replacing any existing one.
func (dm *DataManager) Register(t Transferer) {
	dm.transferers[t.Scheme()] = t
}

// SetSubmitter wires the kernel in. Must be called before StageIn/StageOut.
func (dm *DataManager) SetSubmitter(s TaskSubmitter) { dm.submitter = s }

// StageIn submits a transfer task that makes file available locally and
// returns a data future that resolves to the file handle. executorLabel
// is the executor the consuming task will run on.
func (dm *DataManager) StageIn(file *File, executorLabel string) (*future.DataFuture, error) {
	t, ok := dm.transferers[file.Scheme()]
	if !ok {
		return nil, fmt.Errorf("no stage-in provider for scheme %q", file.Scheme())
	}
	fn := func(args []any, kwargs map[string]any) (any, error) {
		f := args[0].(*File)
		if err := t.StageIn(f); err != nil {
			return nil, fmt.Errorf("staging in %s: %w", f, err)
		}
		return f, nil
	}
	appFu, err := dm.submitter.SubmitStaging(fn, "_"+file.Scheme()+"_stage_in", []any{file})
	if err != nil {
		return nil, err
	}
	dm.logger.Debug("stage-in submitted", "file", file.String(), "for_executor", executorLabel)
	return future.NewDataFuture(appFu, file), nil
}

// StageOut submits a transfer task that pushes a produced file back to its
// remote location.
func (dm *DataManager) StageOut(file *File, executorLabel string) (*future.AppFuture, error) {
	t, ok := dm.transferers[file.Scheme()]
	if !ok {
		return nil, fmt.Errorf("no stage-out provider for scheme %q", file.Scheme())
	}
	fn := func(args []any, kwargs map[string]any) (any, error) {
		f := args[0].(*File)
		if err := t.StageOut(f); err != nil {
			return nil, fmt.Errorf("staging out %s: %w", f, err)
		}
		return f, nil
	}
	appFu, err := dm.submitter.SubmitStaging(fn, "_"+file.Scheme()+"_stage_out", []any{file})
	if err != nil {
		return nil, err
	}
	dm.logger.Debug("stage-out submitted", "file", file.String(), "from_executor", executorLabel)
	return appFu, nil
}

// fileTransferer handles local paths; both directions are no-ops since the
// file is already where the task expects it.
type fileTransferer struct{}

func (*fileTransferer) Scheme() string { return "file" }

func (*fileTransferer) StageIn(f *File) error { return nil }

func (*fileTransferer) StageOut(f *File) error { return nil }

// httpTransferer downloads over GET. Stage-out has no natural HTTP verb
// contract here and is rejected.
type httpTransferer struct{}

func (*httpTransferer) Scheme() string { return "http" }

func (*httpTransferer) StageIn(f *File) error {
	resp, err := http.Get(f.URL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", f.URL, resp.Status)
	}
	out, err := os.Create(f.Filepath())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, resp.Body)
	return err
}

func (*httpTransferer) StageOut(f *File) error {
	return fmt.Errorf("stage-out over http is not supported")
}
