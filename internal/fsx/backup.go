package fsx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const stampLayout = "20060102-150405"

// ErrNoBackup is returned when a target has no backup files.
var ErrNoBackup = errors.New("no backup found")

// clock is swapped in tests.
var clock = time.Now

// Backup is one timestamped copy of a target file. Tag names the fix that
// took it; untagged backups have an empty Tag.
type Backup struct {
	Path    string
	Tag     string
	Stamp   time.Time
	Seq     int
	ModTime time.Time
}

// Before orders backups by stamp, then sequence, then mtime.
func (b Backup) Before(o Backup) bool {
	if !b.Stamp.Equal(o.Stamp) {
		return b.Stamp.Before(o.Stamp)
	}
	if b.Seq != o.Seq {
		return b.Seq < o.Seq
	}
	return b.ModTime.Before(o.ModTime)
}

// BackupFile copies path to <base>.<tag>.<stamp>.bak in the same directory
// (<base>.<stamp>.bak when tag is empty). An existing backup is never
// overwritten: a second backup in the same second gets a -N suffix.
func BackupFile(path, tag string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if tag != "" {
		base += "." + tag
	}
	stamp := clock().Format(stampLayout)
	for seq := 0; seq < 1000; seq++ {
		name := fmt.Sprintf("%s.%s.bak", base, stamp)
		if seq > 0 {
			name = fmt.Sprintf("%s.%s-%d.bak", base, stamp, seq)
		}
		bak := filepath.Join(dir, name)
		f, err := os.OpenFile(bak, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(b); err != nil {
			_ = f.Close()
			_ = os.Remove(bak)
			return "", err
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			_ = os.Remove(bak)
			return "", err
		}
		return bak, f.Close()
	}
	return "", fmt.Errorf("too many backups for %s at %s", base, stamp)
}

// AllBackups returns every backup of path, whatever its tag, ordered oldest first.
// Names without a parseable stamp are ignored.
func AllBackups(path string) ([]Backup, error) {
	dir := filepath.Dir(path)
	prefix := filepath.Base(path) + "."
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []Backup
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".bak") {
			continue
		}
		rest := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".bak")
		var bk Backup
		if i := strings.LastIndex(rest, "."); i >= 0 {
			bk.Tag, rest = rest[:i], rest[i+1:]
		}
		bk.Stamp, bk.Seq = parseStamp(rest)
		if bk.Stamp.IsZero() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		bk.Path = filepath.Join(dir, name)
		bk.ModTime = info.ModTime()
		out = append(out, bk)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// ListBackups returns the backups of path taken under tag, oldest first.
func ListBackups(path, tag string) ([]Backup, error) {
	all, err := AllBackups(path)
	if err != nil {
		return nil, err
	}
	var out []Backup
	for _, bk := range all {
		if bk.Tag == tag {
			out = append(out, bk)
		}
	}
	return out, nil
}

// parseStamp splits "20060102-150405[-N]". Unparseable stamps return the zero time.
func parseStamp(s string) (time.Time, int) {
	if len(s) < len(stampLayout) {
		return time.Time{}, 0
	}
	t, err := time.ParseInLocation(stampLayout, s[:len(stampLayout)], time.Local)
	if err != nil {
		return time.Time{}, 0
	}
	rest := s[len(stampLayout):]
	if rest == "" {
		return t, 0
	}
	n, err := strconv.Atoi(strings.TrimPrefix(rest, "-"))
	if err != nil || !strings.HasPrefix(rest, "-") {
		return time.Time{}, 0
	}
	return t, n
}

// LatestBackup returns the most recent backup of path taken under tag.
func LatestBackup(path, tag string) (Backup, error) {
	list, err := ListBackups(path, tag)
	if err != nil {
		return Backup{}, err
	}
	if len(list) == 0 {
		if tag != "" {
			return Backup{}, fmt.Errorf("%s (%s): %w", path, tag, ErrNoBackup)
		}
		return Backup{}, fmt.Errorf("%s: %w", path, ErrNoBackup)
	}
	return list[len(list)-1], nil
}

// Restore overwrites path with the contents of the backup file bak.
func Restore(path, bak string) error {
	b, err := os.ReadFile(bak)
	if err != nil {
		return err
	}
	return AtomicWrite(path, b, ModeOf(bak, 0o644))
}

// RestoreLatest overwrites path with its most recent backup under tag.
func RestoreLatest(path, tag string) (Backup, error) {
	bk, err := LatestBackup(path, tag)
	if err != nil {
		return Backup{}, err
	}
	if err := Restore(path, bk.Path); err != nil {
		return Backup{}, err
	}
	return bk, nil
}

// PruneBackups removes all but the newest keep backups of path under tag and
// returns the removed paths. keep <= 0 keeps everything.
func PruneBackups(path, tag string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	list, err := ListBackups(path, tag)
	if err != nil {
		return nil, err
	}
	if len(list) <= keep {
		return nil, nil
	}
	var removed []string
	for _, bk := range list[:len(list)-keep] {
		if err := os.Remove(bk.Path); err != nil {
			return removed, err
		}
		removed = append(removed, bk.Path)
	}
	return removed, nil
}
