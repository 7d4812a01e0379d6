package ingesterr

import (
	"fmt"
	"testing"

	"github.com/grailbio/base/errors"
	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	err := E(ValidationFailed, "File contains an unexpected chromosome: %s", "RS1234")
	assert.Equal(t, "File contains an unexpected chromosome: RS1234", err.Error())
	assert.Equal(t, ValidationFailed, CodeOf(err))
	assert.True(t, Is(ValidationFailed, err))
	assert.False(t, Is(NoTopHit, err))
	assert.True(t, errors.Is(errors.Invalid, err.(*Error).Err))

	assert.True(t, errors.Is(errors.NotSupported, E(UnsupportedFormat, "tar").(*Error).Err))
	assert.True(t, errors.Is(errors.NotExist, E(NoTopHit, "none").(*Error).Err))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil))

	orig := E(TooManyBadLines, "too many")
	assert.Equal(t, orig, Wrap(orig))

	wrapped := Wrap(fmt.Errorf("disk on fire"))
	assert.Equal(t, Unexpected, CodeOf(wrapped))
	assert.Equal(t, "An unexpected error has occurred", wrapped.Error())
	assert.Contains(t, wrapped.(*Error).Cause().Error(), "disk on fire")
	assert.Equal(t, "UnexpectedError", Unexpected.String())
	assert.Equal(t, "Code(42)", Code(42).String())
}

func TestWrappedCause(t *testing.T) {
	orig := E(ValidationFailed, "unsorted")
	err := pkgerrors.Wrap(pkgerrors.Wrap(orig, "read store"), "normalize")
	assert.True(t, Is(ValidationFailed, err))
	assert.Equal(t, orig, Wrap(err))
	assert.Equal(t, Unexpected, CodeOf(pkgerrors.New("plain")))
}
