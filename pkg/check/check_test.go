package check

import (
	"testing"

	"gotest.tools/assert"
)

type pointerValidated struct {
	A bool
}

func (t *pointerValidated) Validate() []error {
	return []error{True(t.A, "field A must be true")}
}

type valueValidated struct {
	A bool
}

func (t valueValidated) Validate() []error {
	return []error{True(t.A, "field A must be true")}
}

type nested struct {
	Inner []valueValidated
	Count int
}

func (n nested) Validate() []error {
	return []error{GreaterThan(n.Count, 0, "count must be positive")}
}

func TestMethodSets(t *testing.T) {
	const want = "error found at root: field A must be true: expected true, got false"
	assert.ErrorContains(t, Validate(pointerValidated{}), want)
	assert.ErrorContains(t, Validate(&pointerValidated{}), want)
	assert.ErrorContains(t, Validate(valueValidated{}), want)
	assert.ErrorContains(t, Validate(&valueValidated{}), want)
	assert.NilError(t, Validate(valueValidated{A: true}))
}

func TestNestedPaths(t *testing.T) {
	err := Validate(nested{Inner: []valueValidated{{A: true}, {A: false}}})
	assert.ErrorContains(t, err, "error found at root.Inner[1]")
	assert.ErrorContains(t, err, "count must be positive: 0 is not greater than 0")
	assert.Equal(t, len(err.(Error).Errs), 2)
}

func TestIn(t *testing.T) {
	assert.NilError(t, In("best", []string{"best", "all", "none"}, "policy"))
	assert.ErrorContains(t, In("some", []string{"best", "all"}, "policy"), "some not in")
}
