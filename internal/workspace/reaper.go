package workspace

import (
	"os"
	"path/filepath"
	"time"

	u "pdf2html/internal/utils"
)

// Sweep removes regular files in dir whose modification time is older than
// maxAge and returns how many were removed.
func Sweep(dir string, maxAge time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	cutoff := now.Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			u.Warn("Failed to remove expired artifact", "file", e.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// ReapPeriodically sweeps dir every interval until stop is closed. It never
// runs on the request path.
func ReapPeriodically(dir string, maxAge, interval time.Duration, stop <-chan struct{}) {
	if maxAge <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := Sweep(dir, maxAge, time.Now())
			if err != nil {
				u.Error("Workspace sweep failed", "dir", dir, "error", err)
				continue
			}
			if n > 0 {
				u.Info("Removed expired artifacts", "dir", dir, "count", n)
			}
		case <-stop:
			return
		}
	}
}
