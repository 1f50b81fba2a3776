package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	t.Run("not found survives wrapping", func(t *testing.T) {
		err := fmt.Errorf("loading change: %w", NotFound("change abc not found"))
		assert.True(t, IsNotFound(err))
		assert.False(t, IsValidation(err))
	})

	t.Run("constraint names the invariant", func(t *testing.T) {
		err := ConstraintViolation("change_edge_no_self_reference", "edge parent equals child")
		assert.True(t, IsValidation(err))
		assert.True(t, IsConstraint(err, "change_edge_no_self_reference"))
		assert.True(t, IsConstraint(err, ""))
		assert.False(t, IsConstraint(err, "other"))
		assert.Contains(t, err.Error(), "change_edge_no_self_reference")
	})

	t.Run("plugin failure is tagged and unwraps", func(t *testing.T) {
		cause := stderrors.New("bad json")
		err := PluginFailure("json", "/a.json", cause)
		assert.True(t, IsPlugin(err))
		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "json")
		assert.Contains(t, err.Error(), "/a.json")
		assert.Equal(t, "json", PluginKeyOf(fmt.Errorf("entry 1: %w", err)))
		assert.Empty(t, PluginKeyOf(cause))
	})

	t.Run("missing ancestor is distinct", func(t *testing.T) {
		err := MissingAncestor("foo", "file-1")
		assert.True(t, IsMissingAncestor(err))
		assert.False(t, IsNotFound(err))
		assert.False(t, IsConstraint(err, ""))
	})

	t.Run("plain errors match nothing", func(t *testing.T) {
		err := stderrors.New("boom")
		assert.False(t, IsNotFound(err))
		assert.False(t, IsPlugin(err))
	})
}
