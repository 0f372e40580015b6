package proc

import (
	"errors"
	"testing"
)

func TestBreakpointPendingThenMaterialized(t *testing.T) {
	bpmap := NewBreakpointMap()
	bp, err := bpmap.Set("main", 0x401000, nil)
	if err != nil {
		t.Fatal(err)
	}
	if bp.ID != 1 || bp.Patched || !bp.Enabled {
		t.Fatalf("unexpected pending breakpoint %#v", bp)
	}

	mem := newFakeMemory()
	mem.store(0x401000, 0x55, 0x48)
	if err := bpmap.MaterializeAll(mem); err != nil {
		t.Fatal(err)
	}
	if mem.data[0x401000] != BreakpointInstruction {
		t.Fatalf("trap not written: %#x", mem.data[0x401000])
	}
	if orig, ok := bpmap.PatchedAt(0x401000); !ok || orig != 0x55 {
		t.Fatalf("PatchedAt = %#x, %v", orig, ok)
	}

	// A second inferior gets the same patch.
	bpmap.ResetPatches()
	if _, ok := bpmap.PatchedAt(0x401000); ok {
		t.Fatal("breakpoint still patched after reset")
	}
	mem2 := newFakeMemory()
	mem2.store(0x401000, 0x55)
	if err := bpmap.MaterializeAll(mem2); err != nil {
		t.Fatal(err)
	}
	if mem2.data[0x401000] != BreakpointInstruction {
		t.Fatal("trap not written to the second inferior")
	}
}

func TestBreakpointInstallRemoveRestoresMemory(t *testing.T) {
	mem := newFakeMemory()
	orig := []byte{0x55, 0x48, 0x89, 0xe5}
	mem.store(0x1000, orig...)

	bpmap := NewBreakpointMap()
	bp, err := bpmap.Set("*0x1001", 0x1001, mem)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bpmap.Remove(bp.ID, mem); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(orig))
	if _, err := mem.ReadMemory(got, 0x1000); err != nil {
		t.Fatal(err)
	}
	for i := range orig {
		if got[i] != orig[i] {
			t.Fatalf("memory not restored: %x != %x", got, orig)
		}
	}
	if len(bpmap.M) != 0 {
		t.Fatalf("breakpoint table not empty: %v", bpmap.M)
	}
}

func TestBreakpointReuseSameAddress(t *testing.T) {
	mem := newFakeMemory()
	mem.store(0x2000, 0x90)
	bpmap := NewBreakpointMap()
	bp1, err := bpmap.Set("func1", 0x2000, mem)
	if err != nil {
		t.Fatal(err)
	}
	bp2, err := bpmap.Set("main.c:10", 0x2000, mem)
	if err != nil {
		t.Fatal(err)
	}
	if bp1 != bp2 || bp2.ID != 1 {
		t.Fatalf("expected breakpoint to be reused, got ids %d %d", bp1.ID, bp2.ID)
	}
	if bp2.OriginalByte != 0x90 {
		t.Fatalf("original byte overwritten with %#x", bp2.OriginalByte)
	}
}

func TestBreakpointUnknownID(t *testing.T) {
	bpmap := NewBreakpointMap()
	var ube *UnknownBreakpointError
	if _, err := bpmap.Remove(3, nil); !errors.As(err, &ube) || ube.ID != 3 {
		t.Fatalf("expected UnknownBreakpointError, got %v", err)
	}
	if _, err := bpmap.Enable(3, nil); !errors.As(err, &ube) {
		t.Fatalf("expected UnknownBreakpointError, got %v", err)
	}
	if _, err := bpmap.Disable(3, nil); !errors.As(err, &ube) {
		t.Fatalf("expected UnknownBreakpointError, got %v", err)
	}
}

func TestBreakpointPatchFailureKeepsConsistency(t *testing.T) {
	mem := newFakeMemory()
	mem.store(0x3000, 0xc3)
	mem.readOnly[0x3000] = true
	bpmap := NewBreakpointMap()
	if _, err := bpmap.Set("*0x3000", 0x3000, mem); err == nil {
		t.Fatal("expected error writing to read only memory")
	}
	if len(bpmap.M) != 0 {
		t.Fatal("failed breakpoint was added to the table")
	}
	if mem.data[0x3000] != 0xc3 {
		t.Fatal("memory modified")
	}
	// Unmapped address.
	if _, err := bpmap.Set("*0x9000", 0x9000, mem); err == nil {
		t.Fatal("expected error for unmapped address")
	}
	// The next successful breakpoint still gets id 1.
	mem.store(0x3001, 0x90)
	bp, err := bpmap.Set("*0x3001", 0x3001, mem)
	if err != nil || bp.ID != 1 {
		t.Fatalf("got %v %v", bp, err)
	}
}

func TestBreakpointEnableDisable(t *testing.T) {
	mem := newFakeMemory()
	mem.store(0x4000, 0x55)
	bpmap := NewBreakpointMap()
	bp, _ := bpmap.Set("f", 0x4000, mem)

	if _, err := bpmap.Disable(bp.ID, mem); err != nil {
		t.Fatal(err)
	}
	if mem.data[0x4000] != 0x55 || bp.Patched || bp.Enabled {
		t.Fatal("disable did not restore memory")
	}
	if bpmap.UserBreakpointAt(0x4000) != nil {
		t.Fatal("disabled breakpoint reported as hit")
	}
	if err := bpmap.MaterializeAll(mem); err != nil || bp.Patched {
		t.Fatal("disabled breakpoint materialized")
	}
	if _, err := bpmap.Enable(bp.ID, mem); err != nil {
		t.Fatal(err)
	}
	if mem.data[0x4000] != BreakpointInstruction || bpmap.UserBreakpointAt(0x4000) != bp {
		t.Fatal("enable did not patch memory")
	}
}

func TestBreakpointSetEnablesDisabled(t *testing.T) {
	mem := newFakeMemory()
	mem.store(0x4000, 0x55)
	bpmap := NewBreakpointMap()
	bp, _ := bpmap.Set("f", 0x4000, mem)
	if _, err := bpmap.Disable(bp.ID, mem); err != nil {
		t.Fatal(err)
	}

	again, err := bpmap.Set("f", 0x4000, mem)
	if err != nil {
		t.Fatal(err)
	}
	if again != bp || !bp.Enabled || !bp.Patched || mem.data[0x4000] != BreakpointInstruction {
		t.Fatalf("breakpoint not enabled again: %#v", bp)
	}
	if bp.OriginalByte != 0x55 {
		t.Fatalf("original byte lost: %#x", bp.OriginalByte)
	}

	// Without a process the breakpoint becomes pending.
	pending, _ := bpmap.Set("g", 0x4100, nil)
	if _, err := bpmap.Disable(pending.ID, nil); err != nil {
		t.Fatal(err)
	}
	bpmap.Set("g", 0x4100, nil)
	mem.store(0x4100, 0x90)
	if err := bpmap.MaterializeAll(mem); err != nil || !pending.Patched {
		t.Fatal("re-requested breakpoint not materialized")
	}
}

func TestInternalBreakpointSharesUserPatch(t *testing.T) {
	mem := newFakeMemory()
	mem.store(0x5000, 0x55)
	mem.store(0x5010, 0xe8)
	bpmap := NewBreakpointMap()
	user, _ := bpmap.Set("f", 0x5000, mem)

	if _, err := bpmap.SetInternal(0x5000, mem); err != nil {
		t.Fatal(err)
	}
	internal, err := bpmap.SetInternal(0x5010, mem)
	if err != nil {
		t.Fatal(err)
	}
	if internal.ID != 0 || user.OriginalByte != 0x55 {
		t.Fatalf("internal breakpoint disturbed user breakpoint: %#v %#v", internal, user)
	}
	if !bpmap.HasInternalBreakpoints() {
		t.Fatal("internal breakpoints not reported")
	}
	if err := bpmap.ClearInternal(mem); err != nil {
		t.Fatal(err)
	}
	if mem.data[0x5000] != BreakpointInstruction {
		t.Fatal("user breakpoint removed with internal breakpoints")
	}
	if mem.data[0x5010] != 0xe8 {
		t.Fatal("internal breakpoint not removed")
	}
	if bpmap.HasInternalBreakpoints() || len(bpmap.M) != 1 {
		t.Fatalf("unexpected table %v", bpmap.M)
	}

	// User ids are not consumed by internal breakpoints.
	mem.store(0x6000, 0x90)
	bp2, _ := bpmap.Set("g", 0x6000, mem)
	if bp2.ID != 2 {
		t.Fatalf("expected id 2, got %d", bp2.ID)
	}
}

func TestUnpatch(t *testing.T) {
	mem := newFakeMemory()
	mem.store(0x7000, 0x55, 0x48, 0x89, 0xe5)
	bpmap := NewBreakpointMap()
	bpmap.Set("a", 0x7000, mem)
	bpmap.Set("b", 0x7002, mem)

	buf := make([]byte, 4)
	mem.ReadMemory(buf, 0x7000)
	bpmap.Unpatch(buf, 0x7000)
	if buf[0] != 0x55 || buf[2] != 0x89 {
		t.Fatalf("unpatch: %x", buf)
	}

	list := bpmap.Breakpoints()
	if len(list) != 2 || list[0].ID != 1 || list[1].ID != 2 {
		t.Fatalf("unexpected breakpoint list %v", list)
	}
}
