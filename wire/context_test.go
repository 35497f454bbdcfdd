package wire

import (
	"context"
	"os"
	"slices"
	"testing"
)

func TestContextFile(t *testing.T) {
	var fs []*os.File
	for range 2 {
		f, err := os.CreateTemp(t.TempDir(), "contextfile")
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()
		fs = append(fs, f)
	}
	// Keep a separate copy of the files for checking output.
	want := slices.Clone(fs)

	ctx := withContextFiles(context.Background(), fs)

	for i := range 2 {
		got := contextFile(ctx, uint32(i))
		if got == nil {
			t.Fatal("file not found in context")
		}
		if got != want[i] {
			t.Fatalf("wrong file received, got %p, want file %d from %v", got, i, want)
		}
	}

	got := contextFile(ctx, 2)
	if got != nil {
		t.Fatalf("got unexpected file %p past the last file of %v", got, want)
	}
}

func TestContextPutFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "contextputfile")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var out []*os.File
	ctx := withContextPutFiles(context.Background(), &out)

	idx, err := contextPutFile(ctx, f)
	if err != nil {
		t.Fatalf("contextPutFile: %v", err)
	}
	if idx != 0 {
		t.Fatalf("contextPutFile index = %d, want 0", idx)
	}
	if len(out) != 1 || out[0] != f {
		t.Fatalf("output files = %v, want [%p]", out, f)
	}

	if _, err := contextPutFile(context.Background(), f); err == nil {
		t.Fatal("contextPutFile with no output slice in context should fail")
	}
}
