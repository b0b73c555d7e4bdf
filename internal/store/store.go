// internal/store/store.go
package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Rotation limits for JSONL logs. Tests shrink them.
var (
	MaxLinesPerFile       = 50000
	MaxBytesPerFile int64 = 16 << 20
	MaxRotations          = 3
)

const maxScanSize = 1 << 20

var (
	appendMu   sync.Mutex
	lineCounts = make(map[string]int)
)

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	return sc
}

func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

// WriteFileAtomic replaces path via tmp file + rename so readers never see
// a partial snapshot.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := syncFile(f); err != nil {
		_ = f.Close()
		return err
	}
	// close before rename for windows
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	syncDir(path)
	return nil
}

// ReadFile reports ok=false when path does not exist.
func ReadFile(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func rotatedName(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}

func countLines(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	n := 0
	sc := newScanner(f)
	for sc.Scan() {
		n++
	}
	return n
}

func rotate(path string) error {
	if MaxRotations <= 0 {
		return os.Remove(path)
	}
	_ = os.Remove(rotatedName(path, MaxRotations))
	for i := MaxRotations - 1; i >= 1; i-- {
		src := rotatedName(path, i)
		if _, err := os.Stat(src); err == nil {
			if err := os.Rename(src, rotatedName(path, i+1)); err != nil {
				return err
			}
		}
	}
	return os.Rename(path, rotatedName(path, 1))
}

// AppendJSONL writes v as one JSON line, rotating the file once it exceeds
// MaxLinesPerFile lines or MaxBytesPerFile bytes.
func AppendJSONL(path string, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if bytes.IndexByte(line, '\n') >= 0 {
		return fmt.Errorf("jsonl record contains newline")
	}
	line = append(line, '\n')

	appendMu.Lock()
	defer appendMu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	lines, ok := lineCounts[path]
	if !ok {
		lines = countLines(path)
	}
	if st, err := os.Stat(path); err == nil {
		if lines >= MaxLinesPerFile || st.Size()+int64(len(line)) > MaxBytesPerFile {
			if err := rotate(path); err != nil {
				return err
			}
			lines = 0
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return err
	}
	if err := syncFile(f); err != nil {
		return err
	}
	lineCounts[path] = lines + 1
	return nil
}

// ReadJSONL decodes every record across rotated files, oldest first.
// Undecodable lines are skipped.
func ReadJSONL[T any](path string, fn func(T)) error {
	files := make([]string, 0, MaxRotations+1)
	for i := MaxRotations; i >= 1; i-- {
		files = append(files, rotatedName(path, i))
	}
	files = append(files, path)
	for _, name := range files {
		if err := readOne(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func readOne[T any](name string, fn func(T)) error {
	f, err := os.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	sc := newScanner(f)
	for sc.Scan() {
		var v T
		if err := json.Unmarshal(sc.Bytes(), &v); err == nil {
			fn(v)
		}
	}
	return sc.Err()
}

// ReadLastN keeps only the newest n records.
func ReadLastN[T any](path string, n int) ([]T, error) {
	if n <= 0 {
		return nil, nil
	}
	out := make([]T, 0, n)
	err := ReadJSONL(path, func(v T) {
		if len(out) == n {
			copy(out, out[1:])
			out = out[:n-1]
		}
		out = append(out, v)
	})
	return out, err
}
