//go:build linux

package dmax

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMapping_WordAccess(t *testing.T) {
	m := &Mapping{mem: make([]byte, 64)}
	m.Write32(0x8, 0xdeadbeef)
	if got := m.Read32(0x8); got != 0xdeadbeef {
		t.Fatalf("Read32 %#x", got)
	}
	m.Write64(0x10, 0x1_2345_6789)
	if lo, hi := m.Read32(0x10), m.Read32(0x14); lo != 0x2345_6789 || hi != 1 {
		// Little-endian hosts only; the target boards are all LE.
		t.Fatalf("Write64 split lo=%#x hi=%#x", lo, hi)
	}
}

func TestMapping_PanicsOutsideMap(t *testing.T) {
	m := &Mapping{mem: make([]byte, 16)}
	for name, fn := range map[string]func(){
		"past end":  func() { m.Read32(16) },
		"unaligned": func() { m.Write32(2, 0) },
		"wide tail": func() { m.Write64(12, 0) },
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Fatalf("%s: no panic", name)
				}
			}()
			fn()
		}()
	}
}

func TestUIO_MapInfoFromSysfs(t *testing.T) {
	dir := t.TempDir()
	m1 := filepath.Join(dir, "maps", "map1")
	if err := os.MkdirAll(m1, 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(m1, "addr"), []byte("0x43c00000\n"), 0o644)
	os.WriteFile(filepath.Join(m1, "size"), []byte("0x10000\n"), 0o644)

	u := &UIO{sysfs: dir}
	addr, size, err := u.MapInfo(1)
	if err != nil {
		t.Fatalf("MapInfo: %v", err)
	}
	if addr != 0x43c00000 || size != 0x10000 {
		t.Fatalf("addr=%#x size=%#x", addr, size)
	}
	if _, _, err := u.MapInfo(0); err == nil {
		t.Fatal("missing map reported no error")
	}
}
