package report

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
)

// SaveFileAtomic replaces the report at path with data. The bytes go to a
// unique temp file in the report directory, are synced, and are renamed over
// path, so a reader or the cleaner only ever sees a complete report.
func SaveFileAtomic(path string, data []byte, mode os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("report dir %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("report temp file: %w", err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			err = multierr.Append(err, ignoreMissing(os.Remove(tmp)))
		}
	}()

	if _, err := f.Write(data); err != nil {
		return multierr.Append(fmt.Errorf("write %s: %w", tmp, err), f.Close())
	}
	if err := f.Chmod(mode); err != nil {
		return multierr.Append(fmt.Errorf("chmod %s: %w", tmp, err), f.Close())
	}
	if err := f.Sync(); err != nil {
		return multierr.Append(fmt.Errorf("sync %s: %w", tmp, err), f.Close())
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish report %s: %w", path, err)
	}
	return nil
}

func ignoreMissing(err error) error {
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
