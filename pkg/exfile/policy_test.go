package exfile_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/exfile/pkg/exfile"
)

// Policies are pure over their inputs, so these tests pin the page size
// instead of asking the OS for it.
const psize = int64(4096)

func Test_DefaultPolicy_Rounds_Request_Up_To_Page(t *testing.T) {
	t.Parallel()

	p := exfile.DefaultPolicy{}

	if got, want := p.NextSize(1, 0, psize), psize; got != want {
		t.Fatalf("next=%d, want=%d", got, want)
	}

	if got, want := p.NextSize(psize, 0, psize), psize; got != want {
		t.Fatalf("next=%d, want=%d", got, want)
	}

	if got, want := p.NextSize(psize+1, psize, psize), 2*psize; got != want {
		t.Fatalf("next=%d, want=%d", got, want)
	}
}

func Test_FibonacciPolicy_Grows_By_Previous_Size(t *testing.T) {
	t.Parallel()

	p := exfile.NewFibonacciPolicy()

	// First growth from 4096: no history yet, the request wins.
	if got, want := p.NextSize(4097, 4096, psize), int64(8192); got != want {
		t.Fatalf("next=%d, want=%d", got, want)
	}

	// Second growth: current (8192) plus previous (4096) beats the request.
	if got, want := p.NextSize(8193, 8192, psize), int64(12288); got != want {
		t.Fatalf("next=%d, want=%d", got, want)
	}
}

func Test_FibonacciPolicy_Deactivate_Resets_History(t *testing.T) {
	t.Parallel()

	p := exfile.NewFibonacciPolicy()

	p.NextSize(4097, 4096, psize)
	p.NextSize(8193, 8192, psize)
	p.Deactivate()

	// After deactivation the policy behaves like a fresh one.
	if got, want := p.NextSize(4097, 4096, psize), int64(8192); got != want {
		t.Fatalf("next=%d, want=%d", got, want)
	}
}

func Test_MulPolicy_Multiplies_And_Rounds(t *testing.T) {
	t.Parallel()

	p := &exfile.MulPolicy{Num: 2, Den: 1}

	if got, want := p.NextSize(4096, 0, psize), int64(8192); got != want {
		t.Fatalf("next=%d, want=%d", got, want)
	}

	if got, want := p.NextSize(4097, 0, psize), int64(12288); got != want {
		t.Fatalf("next=%d, want=%d", got, want)
	}

	// 3/2 growth.
	p = &exfile.MulPolicy{Num: 3, Den: 2}
	if got, want := p.NextSize(8192, 0, psize), int64(12288); got != want {
		t.Fatalf("next=%d, want=%d", got, want)
	}
}

func Test_MulPolicy_Result_Never_Below_Request(t *testing.T) {
	t.Parallel()

	// Integer division could shrink tiny requests to zero; the policy
	// must still satisfy the >= requested contract.
	p := &exfile.MulPolicy{Num: 3, Den: 2}

	if got, want := p.NextSize(1, 0, psize), psize; got != want {
		t.Fatalf("next=%d, want=%d", got, want)
	}
}

func Test_MulPolicy_Falls_Back_And_Logs_When_Ratio_Invalid(t *testing.T) {
	t.Parallel()

	logger, hook := logrustest.NewNullLogger()

	p := &exfile.MulPolicy{Num: 1, Den: 2, Log: logrus.NewEntry(logger)}

	// Shrinking ratio is invalid; the policy degrades to page rounding.
	got := p.NextSize(4097, 0, psize)
	require.Equal(t, int64(8192), got)

	require.Len(t, hook.Entries, 1)
	require.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}
