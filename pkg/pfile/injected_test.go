package pfile

import (
	"errors"
	"path/filepath"
	"testing"
)

func Test_Injected_Fails_Armed_Operation_Then_Passes_Through(t *testing.T) {
	t.Parallel()

	f, err := Open(Options{Path: filepath.Join(t.TempDir(), "data.bin")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	inj := NewInjected(f)

	boom := errors.New("boom")
	inj.FailNext(OpWriteAt, boom)

	_, err = inj.WriteAt([]byte("x"), 0)
	if got, want := err, boom; !errors.Is(got, want) {
		t.Fatalf("err=%v, want=%v", got, want)
	}

	if !IsInjected(err) {
		t.Fatalf("err=%v, want injected", err)
	}

	// The fault is consumed; the next call succeeds.
	n, err := inj.WriteAt([]byte("x"), 0)
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	if got, want := n, 1; got != want {
		t.Fatalf("n=%d, want=%d", got, want)
	}
}

func Test_Injected_Consumes_Faults_In_FIFO_Order(t *testing.T) {
	t.Parallel()

	f, err := Open(Options{Path: filepath.Join(t.TempDir(), "data.bin")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	inj := NewInjected(f)

	first := errors.New("first")
	second := errors.New("second")
	inj.FailNext(OpTruncate, first)
	inj.FailNext(OpTruncate, second)

	if got := inj.Truncate(10); !errors.Is(got, first) {
		t.Fatalf("err=%v, want=%v", got, first)
	}

	if got := inj.Truncate(10); !errors.Is(got, second) {
		t.Fatalf("err=%v, want=%v", got, second)
	}

	if got := inj.Truncate(10); got != nil {
		t.Fatalf("err=%v, want=nil", got)
	}
}

func Test_Injected_Faults_Are_Per_Operation(t *testing.T) {
	t.Parallel()

	f, err := Open(Options{Path: filepath.Join(t.TempDir(), "data.bin")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	inj := NewInjected(f)
	inj.FailNext(OpSync, errors.New("sync boom"))

	// Unrelated operations pass through.
	if _, err := inj.WriteAt([]byte("x"), 0); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := inj.Truncate(4096); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	if err := inj.Sync(); !IsInjected(err) {
		t.Fatalf("sync err=%v, want injected", err)
	}
}

func Test_IsInjected_Is_False_For_Real_Errors(t *testing.T) {
	t.Parallel()

	if IsInjected(nil) {
		t.Fatalf("IsInjected(nil)=true, want=false")
	}

	if IsInjected(errors.New("plain")) {
		t.Fatalf("IsInjected(plain)=true, want=false")
	}
}
