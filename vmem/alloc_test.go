package vmem_test

import (
	"errors"
	"testing"

	"gitlab.com/stephen-fox/hookkit/vmem"
	"gitlab.com/stephen-fox/hookkit/vmem/vmemtest"
)

func TestAllocNear_AtTarget(t *testing.T) {
	proc := vmemtest.New(1)

	addr, err := vmem.AllocNear(proc, 0x140010000, 1024)
	if err != nil {
		t.Fatal(err)
	}

	if addr != 0x140010000 {
		t.Fatalf("expected 0x140010000 - got 0x%x", addr)
	}
}

func TestAllocNear_SkipsUsedBlocks(t *testing.T) {
	proc := vmemtest.New(1)
	proc.Map(0x140000000, make([]byte, 0x20000), vmem.ProtExecuteRead)

	addr, err := vmem.AllocNear(proc, 0x140000000, 1024)
	if err != nil {
		t.Fatal(err)
	}

	if addr != 0x140020000 {
		t.Fatalf("expected 0x140020000 - got 0x%x", addr)
	}

	dist := int64(addr) - int64(0x140000000)
	if dist < -vmem.MaxNearDistance || dist > vmem.MaxNearDistance {
		t.Fatalf("allocation 0x%x is out of rel32 range", addr)
	}
}

func TestAllocNear_TriesBelowTarget(t *testing.T) {
	proc := vmemtest.New(1)
	proc.SetAddressRange(0x10000, 0x140010000)
	proc.Map(0x140000000, make([]byte, 0x10000), vmem.ProtExecuteRead)

	addr, err := vmem.AllocNear(proc, 0x140000000, 1024)
	if err != nil {
		t.Fatal(err)
	}

	if addr != 0x13fff0000 {
		t.Fatalf("expected 0x13fff0000 - got 0x%x", addr)
	}
}

func TestAllocNear_ProcessGone(t *testing.T) {
	proc := vmemtest.New(1)
	proc.Kill()

	_, err := vmem.AllocNear(proc, 0x140000000, 1024)
	if !errors.Is(err, vmem.ErrProcessGone) {
		t.Fatalf("expected ErrProcessGone - got %v", err)
	}
}

func TestRegion_IsScannable(t *testing.T) {
	tests := []struct {
		region vmem.Region
		exp    bool
	}{
		{vmem.Region{State: vmem.StateCommit, Protect: vmem.ProtReadWrite}, true},
		{vmem.Region{State: vmem.StateCommit, Protect: vmem.ProtReadOnly}, true},
		{vmem.Region{State: vmem.StateCommit, Protect: vmem.ProtExecuteRead}, true},
		{vmem.Region{State: vmem.StateCommit, Protect: vmem.ProtExecuteReadWrite}, false},
		{vmem.Region{State: vmem.StateCommit, Protect: vmem.ProtNoAccess}, false},
		{vmem.Region{State: vmem.StateCommit, Protect: vmem.ProtReadWrite | vmem.ProtGuard}, false},
		{vmem.Region{State: vmem.StateReserve, Protect: vmem.ProtReadWrite}, false},
	}

	for i, test := range tests {
		got := test.region.IsScannable()
		if got != test.exp {
			t.Fatalf("test %d (%s): expected %t - got %t", i, test.region, test.exp, got)
		}
	}
}
