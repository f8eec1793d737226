package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsDuplicateObject(t *testing.T) {
	assert.True(t, isDuplicateObject(errors.New(`pq: relation "devices" already exists`)))
	assert.True(t, isDuplicateObject(errors.New("duplicate key value violates unique constraint")))
	assert.False(t, isDuplicateObject(errors.New("connection refused")))
	assert.False(t, isDuplicateObject(nil))
}
