package tinyfs_test

import (
	"errors"
	"testing"

	"github.com/dargueta/tinyfs"
	"github.com/stretchr/testify/assert"
)

func TestDiskoErrorWithMessage(t *testing.T) {
	newErr := tinyfs.ErrNotFound.WithMessage("asdfqwerty")
	assert.Equal(
		t, "no such file or directory: asdfqwerty", newErr.Error(), "error message is wrong")
	assert.ErrorIs(t, newErr, tinyfs.ErrNotFound)
}

func TestDiskoErrorWrap(t *testing.T) {
	originalErr := errors.New("original error")
	newErr := tinyfs.ErrExists.WrapError(originalErr)
	expectedMessage := "file exists: original error"

	assert.EqualValues(t, expectedMessage, newErr.Error(), "error message is wrong")
	assert.ErrorIs(t, newErr, originalErr, "original error not set as parent")
	assert.ErrorIs(t, newErr, tinyfs.ErrExists, "sentinel error not set as parent")
}

func TestDiskoErrorChainedMessages(t *testing.T) {
	newErr := tinyfs.ErrNameTooLong.WithMessage("first").WithMessage("second")
	assert.Equal(t, "file name too long: first: second", newErr.Error())
	assert.ErrorIs(t, newErr, tinyfs.ErrNameTooLong)
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, tinyfs.ValidateName("hello"))
	assert.ErrorIs(t, tinyfs.ValidateName(""), tinyfs.ErrInvalidArgument)
	assert.ErrorIs(t, tinyfs.ValidateName("this-name-is-absolutely-too-long-to-fit"), tinyfs.ErrNameTooLong)
}
