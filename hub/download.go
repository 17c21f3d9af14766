package hub

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/clinical-nlp/clinicalqa/internal/downloader"
	"github.com/clinical-nlp/clinicalqa/internal/files"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// getDownloadManager returns current downloader.Manager, or creates a new one for this Repo.
func (r *Repo) getDownloadManager() *downloader.Manager {
	r.dmMu.Lock()
	defer r.dmMu.Unlock()
	if r.downloadManager == nil {
		r.downloadManager = downloader.New().MaxParallel(r.MaxParallelDownload).WithAuthToken(r.authToken)
	}
	return r.downloadManager
}

// lockedDownload url to the given filePath.
//
// If filePath exists and forceDownload is false, it is assumed to be complete and it returns
// immediately.
//
// The file is downloaded to filePath+".downloading" and then atomically moved to filePath.
// A filePath+".lock" file coordinates processes downloading the same file at the same time.
func (r *Repo) lockedDownload(ctx context.Context, url, filePath string, forceDownload bool, progressCallback downloader.ProgressCallback) error {
	if files.Exists(filePath) {
		if !forceDownload {
			return nil
		}
		if err := os.Remove(filePath); err != nil {
			return errors.Wrapf(err, "failed to remove %q while force-downloading %q", filePath, url)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), DefaultDirCreationPerm); err != nil {
		return errors.Wrapf(err, "failed to create directory for file %q", filePath)
	}

	lockPath := filePath + ".lock"
	var mainErr error
	errLock := execOnFileLock(ctx, lockPath, func() {
		if files.Exists(filePath) {
			// Another process (or goroutine) finished the download while we waited.
			return
		}

		tmpPath := filePath + ".downloading"
		mainErr = r.getDownloadManager().Download(ctx, url, tmpPath, progressCallback)
		if mainErr != nil {
			if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
				klog.Warningf("hub: failed removing temporary file %q: %v", tmpPath, err)
			}
			mainErr = errors.WithMessagef(mainErr, "while downloading %q to %q", url, tmpPath)
			return
		}
		if err := os.Rename(tmpPath, filePath); err != nil {
			mainErr = errors.Wrapf(err, "failed to move downloaded file %q to %q", tmpPath, filePath)
			return
		}

		// The file exists now, later callers return before taking the lock.
		if err := os.Remove(lockPath); err != nil {
			klog.Warningf("hub: error removing lock file %q: %v", lockPath, err)
		}
	})
	if mainErr != nil {
		return mainErr
	}
	if errLock != nil {
		return errors.WithMessagef(errLock, "while locking %q to download %q", lockPath, url)
	}
	return nil
}

// execOnFileLock locks lockPath (creating it if needed) and executes fn.
// If the lock is held elsewhere, it polls every 1 to 2 seconds (randomly) until it gets it or
// ctx is cancelled.
//
// The lockPath is not removed. It's safe to remove it from fn, if one knows that no new calls to
// execOnFileLock with the same lockPath are going to be made.
func execOnFileLock(ctx context.Context, lockPath string, fn func()) (err error) {
	fileLock := flock.New(lockPath)
	for {
		locked, err := fileLock.TryLock()
		if err != nil {
			return errors.Wrapf(err, "while trying to lock %q", lockPath)
		}
		if locked {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond * time.Duration(1000+rand.Intn(1000))):
		}
	}

	// Unlock even if fn panics.
	defer func() {
		unlockErr := fileLock.Unlock()
		if unlockErr != nil {
			if err == nil {
				err = errors.Wrapf(unlockErr, "unlocking file %q", lockPath)
			} else {
				klog.Errorf("hub: error unlocking file %q: %v", lockPath, unlockErr)
			}
		}
	}()

	fn()
	return
}
