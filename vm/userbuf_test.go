package vm

import (
	"testing"

	"acore/defs"
	"acore/mem"
	"acore/pgtbl"
)

func newTestAS(t *testing.T) *AddressSpace {
	t.Helper()
	a := mem.NewAllocator(0, 4096)
	pt, err := pgtbl.New(a)
	if err != 0 {
		t.Fatalf("new page table: %v", err)
	}
	return New(pt, User, 0)
}

func TestNewUserBufRejectsMisalignedPointer(t *testing.T) {
	as := newTestAS(t)
	if _, err := NewUserBuf(as, 0x1001, 16); err != defs.EINVAL {
		t.Fatalf("expected EINVAL for misaligned userva, got %v", err)
	}
}

func TestNewUserBufRejectsNegativeLength(t *testing.T) {
	as := newTestAS(t)
	if _, err := NewUserBuf(as, 0x1000, -1); err != defs.EINVAL {
		t.Fatalf("expected EINVAL for negative length, got %v", err)
	}
}

func TestNewUserBufRejectsSpanPastUserVirtAddrLimit(t *testing.T) {
	defer mem.Configure(mem.Config{})
	mem.Configure(mem.Config{UserVirtAddrLimit: 0x2000})

	as := newTestAS(t)
	if _, err := NewUserBuf(as, 0x1800, 0x1000); err != defs.EFAULT {
		t.Fatalf("expected EFAULT for span past the user limit, got %v", err)
	}
	if _, err := NewUserBuf(as, 0x1000, 0x1000); err != 0 {
		t.Fatalf("expected span ending exactly at the limit to be accepted, got %v", err)
	}
}
