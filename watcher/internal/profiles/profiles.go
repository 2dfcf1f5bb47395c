// Package profiles loads saved searches and persists their seen-sets.
//
// The profile file is shared with an external editor, so Save merges three
// sources instead of overwriting: the current disk content, the in-memory
// profiles, and profiles that exist on only one side.
package profiles

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/hazyhaar/vintwatch/watcher/internal/filter"
	"github.com/hazyhaar/vintwatch/watcher/internal/item"
)

// ErrWouldTruncate is returned when a save would replace a non-empty file
// with an empty list.
var ErrWouldTruncate = errors.New("profiles: refusing to overwrite non-empty file with empty list")

// Profile is one saved search.
type Profile struct {
	Name    string
	URL     string
	Filters filter.Spec
	Enabled bool
	Seen    map[string]struct{}

	// raw holds the object as loaded so unknown keys survive a save.
	raw map[string]json.RawMessage
}

// Active reports whether the profile takes part in polling.
func (p *Profile) Active() bool {
	return p.URL != "" && p.Enabled
}

// HasSeen reports whether id was already surfaced.
func (p *Profile) HasSeen(id string) bool {
	_, ok := p.Seen[id]
	return ok
}

// Commit adds ids to the seen-set.
func (p *Profile) Commit(ids []string) {
	if p.Seen == nil {
		p.Seen = make(map[string]struct{}, len(ids))
	}
	for _, id := range ids {
		p.Seen[id] = struct{}{}
	}
}

// SortedSeen returns the seen-set as a sorted slice.
func (p *Profile) SortedSeen() []string {
	out := make([]string, 0, len(p.Seen))
	for id := range p.Seen {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Load reads the profile array at path. A missing file is created empty.
// Entries that are not objects are skipped; missing fields get defaults.
func Load(path string, logger *slog.Logger) ([]*Profile, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn("profiles: file not found, creating empty", "path", path)
		if err := os.WriteFile(path, []byte("[]"), 0o644); err != nil {
			logger.Error("profiles: create empty file", "path", path, "error", err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("profiles: read %s: %w", path, err)
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("profiles: parse %s: %w", path, err)
	}

	out := make([]*Profile, 0, len(entries))
	for i, e := range entries {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(e, &obj); err != nil || obj == nil {
			logger.Warn("profiles: entry is not an object, skipping", "index", i)
			continue
		}
		p := fromObject(obj, i, logger)
		out = append(out, p)
	}
	logger.Info("profiles: loaded", "path", path, "count", len(out))
	return out, nil
}

func fromObject(obj map[string]json.RawMessage, index int, logger *slog.Logger) *Profile {
	p := &Profile{
		Name:    fmt.Sprintf("Profil bez jména #%d", index+1),
		Enabled: true,
		Seen:    make(map[string]struct{}),
		raw:     obj,
	}
	if v, ok := obj["name"]; ok {
		var name string
		if json.Unmarshal(v, &name) == nil {
			p.Name = name
		}
	} else {
		p.raw["name"], _ = json.Marshal(p.Name)
	}
	if v, ok := obj["vinted_url"]; ok {
		json.Unmarshal(v, &p.URL)
	}
	if v, ok := obj["enabled"]; ok {
		json.Unmarshal(v, &p.Enabled)
	}
	if v, ok := obj["filters"]; ok {
		spec, err := filter.Decode(v)
		if err != nil {
			logger.Warn("profiles: filters unreadable, passing all titles", "profile", p.Name, "error", err)
			spec = filter.Spec{Kind: filter.Malformed}
		}
		p.Filters = spec
	}
	if p.Filters.Kind == filter.Malformed {
		logger.Warn("profiles: malformed must_have_keywords, filter fails open", "profile", p.Name)
	}
	if v, ok := obj["seen_ids"]; ok {
		var ids []json.RawMessage
		if json.Unmarshal(v, &ids) == nil {
			for _, id := range ids {
				if s := item.ParseID(id); s != "" {
					p.Seen[s] = struct{}{}
				}
			}
		}
	}
	return p
}

// object renders p for saving, starting from the loaded object.
func (p *Profile) object() map[string]json.RawMessage {
	obj := make(map[string]json.RawMessage, len(p.raw)+5)
	for k, v := range p.raw {
		obj[k] = v
	}
	if p.Name != "" {
		obj["name"], _ = json.Marshal(p.Name)
	}
	obj["vinted_url"], _ = json.Marshal(p.URL)
	if _, ok := obj["filters"]; !ok {
		obj["filters"], _ = json.Marshal(p.Filters)
	}
	obj["enabled"], _ = json.Marshal(p.Enabled)
	obj["seen_ids"], _ = json.Marshal(p.SortedSeen())
	return obj
}

// Save merges profiles into the file at path:
//
//   - on disk and in memory: the disk object, with seen_ids and enabled from memory
//   - only in memory: the memory profile
//   - only on disk: the disk object unchanged
//
// The previous file is kept as path+".bak" during the write and restored if
// the write fails. Save returns false without writing when the merged list
// is empty but the file is not.
func Save(path string, mem []*Profile, logger *slog.Logger) (bool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	disk, order := readDisk(path, logger)

	final := make([]map[string]json.RawMessage, 0, len(mem)+len(disk))
	done := make(map[string]bool, len(mem))
	for _, p := range mem {
		if p.Name == "" {
			final = append(final, p.object())
			continue
		}
		done[p.Name] = true
		d, ok := disk[p.Name]
		if !ok {
			logger.Info("profiles: saving profile not present on disk", "profile", p.Name)
			final = append(final, p.object())
			continue
		}
		merged := make(map[string]json.RawMessage, len(d)+2)
		for k, v := range d {
			merged[k] = v
		}
		merged["seen_ids"], _ = json.Marshal(p.SortedSeen())
		merged["enabled"], _ = json.Marshal(p.Enabled)
		final = append(final, merged)
	}
	for _, name := range order {
		if done[name] {
			continue
		}
		d := disk[name]
		if _, ok := d["seen_ids"]; !ok {
			d["seen_ids"] = json.RawMessage("[]")
		}
		logger.Debug("profiles: keeping disk-only profile", "profile", name)
		final = append(final, d)
	}

	if len(final) == 0 {
		if fi, err := os.Stat(path); err == nil && fi.Size() > 2 {
			logger.Warn("profiles: merged list empty but file has data, not saving", "path", path)
			return false, ErrWouldTruncate
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(final); err != nil {
		return false, fmt.Errorf("profiles: encode: %w", err)
	}

	backup := ""
	if _, err := os.Stat(path); err == nil {
		backup = path + ".bak"
		if err := copyFile(path, backup); err != nil {
			logger.Warn("profiles: backup failed", "path", backup, "error", err)
			backup = ""
		}
	}

	if err := writeAtomic(path, buf.Bytes()); err != nil {
		logger.Error("profiles: write failed", "path", path, "error", err)
		if backup != "" {
			if rerr := copyFile(backup, path); rerr != nil {
				logger.Error("profiles: restore from backup failed", "path", backup, "error", rerr)
			} else {
				logger.Info("profiles: restored from backup", "path", path)
			}
		}
		return false, fmt.Errorf("profiles: write %s: %w", path, err)
	}
	if backup != "" {
		if err := os.Remove(backup); err != nil {
			logger.Warn("profiles: remove backup", "path", backup, "error", err)
		}
	}
	logger.Info("profiles: saved", "path", path, "count", len(final))
	return true, nil
}

// readDisk returns named disk objects and their file order. An unreadable
// or malformed file counts as empty.
func readDisk(path string, logger *slog.Logger) (map[string]map[string]json.RawMessage, []string) {
	disk := make(map[string]map[string]json.RawMessage)
	var order []string

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Error("profiles: read for merge, saving memory only", "path", path, "error", err)
		}
		return disk, nil
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return disk, nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		logger.Error("profiles: file corrupt, overwriting with memory state", "path", path, "error", err)
		return disk, nil
	}
	for _, e := range entries {
		var obj map[string]json.RawMessage
		var name string
		if json.Unmarshal(e, &obj) != nil || obj == nil || json.Unmarshal(obj["name"], &name) != nil {
			logger.Warn("profiles: invalid disk entry ignored", "entry", string(e))
			continue
		}
		if _, dup := disk[name]; !dup {
			order = append(order, name)
		}
		disk[name] = obj
	}
	return disk, order
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, 0o644); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
