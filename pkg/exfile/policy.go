package exfile

import (
	"math"

	"github.com/sirupsen/logrus"
)

// ResizePolicy chooses the next file size whenever the file must grow.
//
// NextSize receives the requested minimum size, the current size, and the
// system page size. The result must be >= requested and a multiple of the
// page size; anything else fails the triggering operation with
// [ErrResizePolicy]. NextSize runs under the file's write lock, so stateful
// policies need no locking of their own.
//
// Deactivate is called exactly once when the file is closed and lets the
// policy release or reset any state it holds.
type ResizePolicy interface {
	NextSize(requested, current, pageSize int64) int64
	Deactivate()
}

// maxSize is the largest representable file size. Policy results are
// clamped here so offset arithmetic cannot overflow.
const maxSize = math.MaxInt64

// roundUp rounds n up to the next multiple of step (a power of two).
// Returns a negative value on overflow; callers must clamp.
func roundUp(n, step int64) int64 {
	return (n + step - 1) &^ (step - 1)
}

// roundDown rounds n down to a multiple of step (a power of two).
func roundDown(n, step int64) int64 {
	return n &^ (step - 1)
}

// clampPage rounds n up to a page multiple, saturating at the largest
// page-aligned size on overflow.
func clampPage(n, pageSize int64) int64 {
	up := roundUp(n, pageSize)
	if up < n {
		return roundDown(maxSize, pageSize)
	}

	return up
}

// DefaultPolicy grows the file to the requested size rounded up to a page
// multiple. It is the policy used when [Options.Policy] is nil.
type DefaultPolicy struct{}

func (DefaultPolicy) NextSize(requested, _, pageSize int64) int64 {
	return clampPage(requested, pageSize)
}

func (DefaultPolicy) Deactivate() {}

// FibonacciPolicy grows the file Fibonacci-like: each step is at least the
// sum of the current size and the size before it, so repeated small requests
// produce geometrically fewer truncate calls.
type FibonacciPolicy struct {
	prev int64
}

// NewFibonacciPolicy returns a policy with no growth history.
func NewFibonacciPolicy() *FibonacciPolicy {
	return &FibonacciPolicy{}
}

func (p *FibonacciPolicy) NextSize(requested, current, pageSize int64) int64 {
	next := current + p.prev
	if next < current { // overflow
		next = maxSize
	}

	next = max(next, requested)
	next = clampPage(next, pageSize)
	p.prev = current

	return next
}

// Deactivate drops the growth history so the policy can be reused.
func (p *FibonacciPolicy) Deactivate() {
	p.prev = 0
}

// MulPolicy grows the file to (requested/Den)*Num, dividing first in integer
// arithmetic, never below requested, rounded up to a page multiple.
// Num/Den must be a ratio >= 1; an invalid ratio falls back to
// [DefaultPolicy] behaviour and logs a warning.
type MulPolicy struct {
	Num int64
	Den int64
	// Log receives the fallback warning. Nil uses the standard logger.
	Log *logrus.Entry
}

func (p *MulPolicy) NextSize(requested, _, pageSize int64) int64 {
	if p.Den <= 0 || p.Num < p.Den {
		log := p.Log
		if log == nil {
			log = logrus.NewEntry(logrus.StandardLogger())
		}

		log.WithFields(logrus.Fields{
			"num": p.Num,
			"den": p.Den,
		}).Warn("exfile: invalid multiplier policy ratio, falling back to page rounding")

		return clampPage(requested, pageSize)
	}

	next := requested / p.Den
	if next > maxSize/p.Num {
		return roundDown(maxSize, pageSize)
	}

	next *= p.Num
	next = max(next, requested)

	return clampPage(next, pageSize)
}

func (p *MulPolicy) Deactivate() {}
