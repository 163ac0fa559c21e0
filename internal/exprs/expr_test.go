package exprs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalLinearConversion(t *testing.T) {
	e := New("x*0.25")
	got, err := e.Eval(100, 0)
	require.NoError(t, err)
	assert.InDelta(t, 25.0, got, 0.0001)
}

func TestEvalUsesBothVariables(t *testing.T) {
	e := New("(x+y)/2")
	got, err := e.Eval(10, 20)
	require.NoError(t, err)
	assert.InDelta(t, 15.0, got, 0.0001)
}

func TestEvalRejectsNonNumericResult(t *testing.T) {
	e := New(`"not a number"`)
	_, err := e.Eval(0, 0)
	require.Error(t, err)
}

func TestEvalRejectsBadSyntax(t *testing.T) {
	e := New("x +* y")
	_, err := e.Eval(1, 1)
	require.Error(t, err)
}
