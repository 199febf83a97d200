package predicate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasicComparisons(t *testing.T) {
	e, err := Compile(`type == "speakers" && available`)
	require.NoError(t, err)

	ok, err := e.Eval(Fields{"type": "speakers", "available": true})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Eval(Fields{"type": "microphone", "available": true})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNumericAndOr(t *testing.T) {
	e := MustCompile(`channels >= 2 && !(privacy == "private")`)
	ok, err := e.Eval(Fields{"channels": 2.0, "privacy": "public"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Eval(Fields{"channels": 1.0, "privacy": "public"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnknownFieldErrors(t *testing.T) {
	e := MustCompile(`nonexistent == "x"`)
	_, err := e.Eval(Fields{})
	assert.Error(t, err)
}

func TestOrShortCircuit(t *testing.T) {
	e := MustCompile(`type == "null" || type == "speakers"`)
	ok, err := e.Eval(Fields{"type": "speakers"})
	require.NoError(t, err)
	assert.True(t, ok)
}
