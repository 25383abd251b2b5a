package hlogstore

import "testing"

func TestCheckOptionsRejectsNonPowerOfTwoPageSize(t *testing.T) {
	o := DefaultOptions(t.TempDir())
	o.PageSize = 100
	if err := checkOptions(o); err == nil {
		t.Fatal("expected error for non-power-of-two page size")
	}
}

func TestCheckOptionsRejectsMemoryNotMultipleOfPage(t *testing.T) {
	o := DefaultOptions(t.TempDir())
	o.MemorySize = o.PageSize + 1
	if err := checkOptions(o); err == nil {
		t.Fatal("expected error for memory size not a multiple of page size")
	}
}

func TestCheckOptionsRejectsFractionsSummingToOne(t *testing.T) {
	o := DefaultOptions(t.TempDir())
	o.MutableFraction = 0.6
	o.ReadonlyFraction = 0.5
	if err := checkOptions(o); err == nil {
		t.Fatal("expected error for fractions summing >= 1")
	}
}

func TestDefaultOptionsPassValidation(t *testing.T) {
	o := DefaultOptions(t.TempDir())
	if err := checkOptions(o); err != nil {
		t.Fatalf("DefaultOptions failed validation: %v", err)
	}
}
