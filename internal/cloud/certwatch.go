package cloud

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"hearth.io/hearth/pkg/log"
)

// CertWatcher watches the active certificate files and triggers a callback
// when any of them is rewritten, so a rotated certificate set takes effect
// without a restart.
//
// The parent directories are watched rather than the files themselves
// because rotation tools typically replace files by rename, which would
// silently detach a per-file watch.
type CertWatcher struct {
	log      log.Logger
	watcher  *fsnotify.Watcher
	files    map[string]struct{}
	onChange func()
}

// NewCertWatcher watches the given files and calls onChange when one of
// them is written or recreated.
func NewCertWatcher(files []string, onChange func(), logger log.Logger) (*CertWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	cw := &CertWatcher{
		log:      logger.WithName("certwatch"),
		watcher:  w,
		files:    make(map[string]struct{}, len(files)),
		onChange: onChange,
	}

	dirs := make(map[string]struct{})
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			w.Close()
			return nil, err
		}
		cw.files[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, err
		}
	}
	return cw, nil
}

// Run processes filesystem events until ctx is done.
func (w *CertWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			if _, watched := w.files[abs]; !watched {
				continue
			}
			w.log.Info("Certificate file changed", "file", abs)
			w.onChange()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error(err, "Certificate watcher error")
		}
	}
}
