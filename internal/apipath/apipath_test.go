package apipath

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormat(t *testing.T) {
	assert.Equal(t, "/", Format(""))
	assert.Equal(t, "/", Format("/"))
	assert.Equal(t, "/foo", Format("foo"))
	assert.Equal(t, "/foo/bar", Format("/foo//bar/"))
	assert.Equal(t, "/foo bar", Format("/foo%20bar"))
	assert.Equal(t, "/foo/bar", Format(`C:\foo\bar`))
}

func TestParent(t *testing.T) {
	assert.Equal(t, "/", Parent("/foo"))
	assert.Equal(t, "/foo", Parent("/foo/bar"))
	assert.Equal(t, "/", Parent("/"))
}

func TestName(t *testing.T) {
	assert.Equal(t, "bar", Name("/foo/bar"))
	assert.Equal(t, "", Name("/"))
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "/foo", Join("/", "foo"))
	assert.Equal(t, "/foo/bar", Join("/foo", "bar"))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal("/foo/bar", "foo//bar/"))
	assert.False(t, Equal("/foo", "/Foo"))
}
