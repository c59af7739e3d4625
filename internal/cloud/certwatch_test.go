package cloud

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hearth.io/hearth/pkg/log"
)

func TestCertWatcherFiresOnRewrite(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "client.crt")
	otherFile := filepath.Join(dir, "unrelated.txt")
	require.NoError(t, os.WriteFile(certFile, []byte("v1"), 0o600))

	var changes atomic.Int32
	w, err := NewCertWatcher([]string{certFile}, func() { changes.Add(1) }, log.NewNopLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	// An unrelated file in the same directory must not trigger.
	require.NoError(t, os.WriteFile(otherFile, []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(certFile, []byte("v2"), 0o600))

	require.Eventually(t, func() bool {
		return changes.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestCertWatcherMissingDirectory(t *testing.T) {
	_, err := NewCertWatcher([]string{"/definitely/missing/dir/client.crt"}, func() {}, log.NewNopLogger())
	require.Error(t, err)
}
