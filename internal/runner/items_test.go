package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLedgerAdmission(t *testing.T) {
	l := newLedger(2)
	assert.Equal(t, admitNew, l.admit("a"))
	assert.Equal(t, admitQueued, l.admit("a"))

	l.complete("a")
	assert.Equal(t, admitDone, l.admit("a"))

	l.forget("b")
	assert.Equal(t, admitNew, l.admit("b"))
	l.forget("b")
	assert.Equal(t, admitNew, l.admit("b"))
}

func TestLedgerEvictsOldestCompletion(t *testing.T) {
	l := newLedger(2)
	for _, id := range []string{"a", "b", "c"} {
		l.admit(id)
		l.complete(id)
	}
	assert.Equal(t, admitNew, l.admit("a"))
	assert.Equal(t, admitDone, l.admit("b"))
	assert.Equal(t, admitDone, l.admit("c"))
}
