package batch

import (
	"fmt"
	"path"

	"github.com/spf13/afero"

	"github.com/ha1tch/pgshift/pkg/errors"
)

// workspace is the staging area of one batch:
//
//	<root>/<batch-id>/in/0000-<name>
//	<root>/<batch-id>/out/0000-<output>
type workspace struct {
	fs  afero.Fs
	dir string
}

func (p *Processor) newWorkspace(batchID string) (*workspace, error) {
	ws := &workspace{fs: p.fs, dir: path.Join(p.cfg.WorkspaceRoot, batchID)}
	for _, sub := range []string{"in", "out"} {
		if err := p.fs.MkdirAll(path.Join(ws.dir, sub), 0o755); err != nil {
			ws.remove()
			return nil, errors.Wrap(err, errors.ErrCodeWorkspace, "create batch workspace").
				WithOp("Batch.Process").
				WithField("dir", ws.dir).
				Err()
		}
	}
	return ws, nil
}

func (ws *workspace) stage(i int, in Input) (string, error) {
	p := path.Join(ws.dir, "in", fmt.Sprintf("%04d-%s", i, path.Base(in.Name)))
	if err := afero.WriteFile(ws.fs, p, in.Data, 0o644); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeFileWrite, "stage upload").
			WithField("file", in.Name).
			Err()
	}
	return p, nil
}

func (ws *workspace) writeOutput(stagedPath, output, content string) (string, error) {
	prefix := path.Base(stagedPath)[:5] // "0000-"
	p := path.Join(ws.dir, "out", prefix+output)
	if err := afero.WriteFile(ws.fs, p, []byte(content), 0o644); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeFileWrite, "write translated file").
			WithField("file", output).
			Err()
	}
	return p, nil
}

// readOutput loads a translated file back for the archive.
func (ws *workspace) readOutput(outPath string) ([]byte, error) {
	data, err := afero.ReadFile(ws.fs, outPath)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeFileRead, "read translated file").
			WithField("path", outPath).
			Err()
	}
	return data, nil
}

func (ws *workspace) remove() error {
	return ws.fs.RemoveAll(ws.dir)
}
