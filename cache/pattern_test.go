package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternPositional(t *testing.T) {
	assert := assert.New(t)

	p := MustCompile("actions:count_by_target:%s:%d:%d")
	assert.Equal("actions:count_by_target:like:42:1001", p.Render("like", 42, 1001))

	// extra args beyond the template's verbs are dropped
	assert.Equal("actions:count_by_target:like:42:1001", p.Render("like", 42, 1001, "ignored"))
}

func TestPatternNamed(t *testing.T) {
	assert := assert.New(t)

	p := MustCompile("contact:item:{from}:{to}")
	key, err := p.RenderNamed(map[string]any{"from": int64(3), "to": int64(7)})
	assert.NoError(err)
	assert.Equal("contact:item:3:7", key)

	_, err = p.RenderNamed(map[string]any{"from": int64(3)})
	assert.Error(err)
}

func TestPatternAttrPath(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	type inner struct{ Kind string }
	type item struct {
		UserID int64
		Meta   inner
	}

	p := MustCompile("actions:by_target:{item.Meta.Kind}:{item.UserID}")
	key, err := p.RenderNamed(map[string]any{"item": &item{UserID: 9, Meta: inner{Kind: "like"}}})
	require.NoError(err)
	assert.Equal("actions:by_target:like:9", key)

	_, err = p.RenderNamed(map[string]any{"item": &item{}, "other": 1})
	assert.NoError(err)

	_, err = MustCompile("x:{item.Missing}").RenderNamed(map[string]any{"item": &item{}})
	assert.Error(err)
}

func TestPatternMixedFormsRejected(t *testing.T) {
	_, err := Compile("bad:%s:{name}")
	assert.Error(t, err)
}

func TestPatternSpacesReplaced(t *testing.T) {
	p := MustCompile("post:title:%s")
	assert.Equal(t, "post:title:hello_world", p.Render("hello world"))
}

func TestPatternMemoized(t *testing.T) {
	a := MustCompile("memo:%d")
	b := MustCompile("memo:%d")
	assert.Same(t, a, b)
}
