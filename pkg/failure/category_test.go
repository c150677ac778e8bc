package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_DBAccessCollision(t *testing.T) {
	a := "being used by another process"
	b := "process cannot access the file"

	texts := []string{
		fmt.Sprintf("System.IO.IOException: The %s 'C:\\dt\\local.db' because it is %s.", b, a),
		fmt.Sprintf("%s ... %s", a, b),
		fmt.Sprintf("%s%s", b, a),
		fmt.Sprintf("Object reference not set to an instance of an object\n%s\n%s", a, b),
	}
	for _, text := range texts {
		assert.Equal(t, DBAccessCollision, Classify(text), text)
	}
}

func TestClassify_OneFragmentIsNotEnough(t *testing.T) {
	assert.Equal(t, GenericCommandFailure, Classify("the file is being used by another process"))
	assert.Equal(t, GenericCommandFailure, Classify("The process cannot access the file"))
}

func TestClassify_ObjectReference(t *testing.T) {
	text := "Unhandled Exception: System.NullReferenceException: Object reference not set to an instance of an object.\n   at DemandTools.Run()"
	assert.Equal(t, ObjectReferenceFault, Classify(text))
}

func TestClassify_Fallback(t *testing.T) {
	for _, text := range []string{"", "boom", "license expired", "Object reference"} {
		assert.Equal(t, GenericCommandFailure, Classify(text), text)
	}
}

func TestCategory_Valid(t *testing.T) {
	for _, c := range Categories() {
		assert.True(t, c.Valid(), c)
	}
	assert.False(t, Category("Timeout").Valid())
	assert.False(t, Category("").Valid())
}

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory(" dbaccesscollision ")
	require.NoError(t, err)
	assert.Equal(t, DBAccessCollision, c)

	_, err = ParseCategory("NotACategory")
	assert.Error(t, err)
}

func TestEngineError_UnwrapsToSentinel(t *testing.T) {
	err := fmt.Errorf("run: %w", &ProcessError{
		Process: "accounts",
		PID:     42,
		Err:     &EngineError{Category: DBAccessCollision, Diagnostic: "locked"},
	})

	assert.True(t, errors.Is(err, ErrDBAccessCollision))
	assert.False(t, errors.Is(err, ErrCommandFailure))

	c, ok := CategoryOf(err)
	require.True(t, ok)
	assert.Equal(t, DBAccessCollision, c)
	assert.Contains(t, err.Error(), "accounts process (pid 42)")
	assert.Contains(t, err.Error(), "locked")
}

func TestErrorKinds(t *testing.T) {
	assert.True(t, IsConfiguration(Configf("scenario path %s", "missing")))
	assert.False(t, IsConfiguration(errors.New("other")))

	fatal := fmt.Errorf("wrap: %w", &FatalError{Op: "set priority", Err: errors.New("permission denied")})
	assert.True(t, IsFatal(fatal))
	assert.Equal(t, "fatal: set priority: permission denied", errors.Unwrap(fatal).Error())
}
