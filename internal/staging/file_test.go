package staging

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"
)

func TestNewFile_LocalPath(t *testing.T) {
	f := NewFile("/tmp/data.csv")
	must.Eq(t, "file", f.Scheme())
	must.False(t, f.Remote())
	must.Eq(t, "/tmp/data.csv", f.Filepath())
}

func TestNewFile_FileScheme(t *testing.T) {
	f := NewFile("file:///tmp/data.csv")
	must.False(t, f.Remote())
}

func TestNewFile_RemoteSchemes(t *testing.T) {
	for _, url := range []string{
		"http://example.com/data.csv",
		"https://example.com/data.csv",
		"globus://endpoint/data.csv",
	} {
		f := NewFile(url)
		must.True(t, f.Remote(), must.Sprintf("%s should be remote", url))
		// Remote files stage to their basename in the working directory.
		must.Eq(t, "data.csv", f.Filepath())
	}
}

func TestDataManager_TransfererDispatch(t *testing.T) {
	dm, err := NewDataManager(hclog.NewNullLogger(), 2)
	must.NoError(t, err)
	t.Cleanup(func() { _ = dm.Shutdown() })

	must.Eq(t, Label, dm.Label())

	// Unknown schemes are rejected before any task is submitted.
	_, err = dm.StageIn(NewFile("ftp://example.com/a"), "local")
	must.Error(t, err)
	_, err = dm.StageOut(NewFile("ftp://example.com/a"), "local")
	must.Error(t, err)
}
