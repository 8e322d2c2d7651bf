// Copyright 2015 Matthew Holt and The RPCGate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package blacklist

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParseFormat(t *testing.T) {
	set := parse(`
# full-line comment
1.2.3.4
5.6.7.8   # inline comment
  9.9.9.9

::ffff:10.0.0.1
`)
	want := []string{"1.2.3.4", "5.6.7.8", "9.9.9.9", "10.0.0.1"}
	if len(set) != len(want) {
		t.Fatalf("got %d entries, want %d: %v", len(set), len(want), set)
	}
	for _, ip := range want {
		if _, ok := set[ip]; !ok {
			t.Errorf("missing %q", ip)
		}
	}
}

func TestContains(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deny.txt")
	writeFile(t, path, "1.2.3.4\n")

	l := New(path, nil)
	if !l.Contains("1.2.3.4") {
		t.Error("listed IP should be blocked")
	}
	if !l.Contains("::ffff:1.2.3.4") {
		t.Error("mapped form of a listed IP should be blocked")
	}
	if l.Contains("4.3.2.1") {
		t.Error("unlisted IP should not be blocked")
	}
}

func TestMissingFileIsNotAnError(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "nope.txt"), nil)
	if l.Len() != 0 {
		t.Errorf("expected empty set, got %d entries", l.Len())
	}
	if l.Contains("1.2.3.4") {
		t.Error("empty list must not block")
	}
}

func TestDisabledList(t *testing.T) {
	l := New("", nil)
	if l.Contains("1.2.3.4") {
		t.Error("disabled list must not block")
	}
	if err := l.Reload(); err != nil {
		t.Errorf("reload on disabled list: %v", err)
	}
}

func TestReloadOnModTimeChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deny.txt")
	writeFile(t, path, "1.2.3.4\n")

	l := New(path, nil)
	if !l.Contains("1.2.3.4") {
		t.Fatal("initial load failed")
	}

	writeFile(t, path, "5.6.7.8\n")
	// force a visible mtime change even on coarse filesystems
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	if err := l.Reload(); err != nil {
		t.Fatal(err)
	}
	if l.Contains("1.2.3.4") {
		t.Error("removed entry should no longer block")
	}
	if !l.Contains("5.6.7.8") {
		t.Error("added entry should block")
	}
}

func TestFileRemovalEmptiesSet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deny.txt")
	writeFile(t, path, "1.2.3.4\n")

	l := New(path, nil)
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := l.Reload(); err != nil {
		t.Fatal(err)
	}
	if l.Len() != 0 || l.Contains("1.2.3.4") {
		t.Error("vanished file should empty the set")
	}
}

func TestSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deny.txt")
	writeFile(t, path, "1.2.3.4\n5.6.7.8\n")

	s := New(path, nil).Snapshot()
	if !s.Enabled || s.Entries != 2 || len(s.IPs) != 2 {
		t.Errorf("unexpected snapshot: %+v", s)
	}
}
