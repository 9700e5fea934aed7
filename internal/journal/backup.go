package journal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// BackupConfig controls the periodic journal file copy.
type BackupConfig struct {
	Dir      string
	Schedule string        // cron expression, e.g. "@hourly"
	Lookback time.Duration // skip when the newest backup is younger than this
	Retain   int           // most recent copies kept by Prune
}

const backupTimeLayout = "20060102-150405"

// Backup copies the journal file into the backup directory unless a copy
// newer than the lookback already exists. Returns the written path, or ""
// when skipped.
func (s *Store) Backup(cfg BackupConfig) (string, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	if newest, ok := newestBackup(cfg.Dir); ok && cfg.Lookback > 0 {
		if time.Since(newest) < cfg.Lookback {
			return "", nil
		}
	}

	name := fmt.Sprintf("journal-%s.db", time.Now().UTC().Format(backupTimeLayout))
	dest := filepath.Join(cfg.Dir, name)

	if err := copyFile(s.path, dest); err != nil {
		return "", fmt.Errorf("backup journal: %w", err)
	}
	s.log.Info().Str("path", dest).Msg("Journal backup written")
	return dest, nil
}

// Prune removes all but the retain most recent backups.
func (s *Store) Prune(cfg BackupConfig) error {
	names, err := backupNames(cfg.Dir)
	if err != nil {
		return err
	}
	if cfg.Retain <= 0 || len(names) <= cfg.Retain {
		return nil
	}

	// Names sort chronologically; drop everything before the retained tail.
	sort.Strings(names)
	for _, name := range names[:len(names)-cfg.Retain] {
		if err := os.Remove(filepath.Join(cfg.Dir, name)); err != nil {
			return fmt.Errorf("prune backup %s: %w", name, err)
		}
	}
	return nil
}

// ScheduleBackups runs Backup+Prune on the configured cron schedule until
// the returned stop function is called.
func (s *Store) ScheduleBackups(cfg BackupConfig) (stop func(), err error) {
	c := cron.New()
	_, err = c.AddFunc(cfg.Schedule, func() {
		if _, err := s.Backup(cfg); err != nil {
			s.log.Error().Err(err).Msg("Scheduled backup failed")
			return
		}
		if err := s.Prune(cfg); err != nil {
			s.log.Error().Err(err).Msg("Backup prune failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule backups: %w", err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}

func backupNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "journal-") && strings.HasSuffix(e.Name(), ".db") {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func newestBackup(dir string) (time.Time, bool) {
	names, err := backupNames(dir)
	if err != nil || len(names) == 0 {
		return time.Time{}, false
	}
	sort.Strings(names)
	stamp := strings.TrimSuffix(strings.TrimPrefix(names[len(names)-1], "journal-"), ".db")
	ts, err := time.Parse(backupTimeLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
