package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateKey(t *testing.T) {
	cases := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"ok", "foo", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 251), true},
		{"max length", strings.Repeat("a", 250), false},
		{"contains space", "foo bar", true},
		{"contains newline", "foo\nbar", true},
		{"contains control byte", "foo\x01bar", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateKey([]byte(tc.key))
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFormatGet(t *testing.T) {
	assert.Equal(t, []byte("get foo\r\n"), FormatGet([]string{"foo"}, false))
	assert.Equal(t, []byte("gets foo\r\n"), FormatGet([]string{"foo"}, true))
	assert.Equal(t, []byte("get foo cow\r\n"), FormatGet([]string{"foo", "cow"}, false))
}

func TestFormatStore(t *testing.T) {
	got := FormatStore("set", "foo", []byte("bar"), 0, 0)
	assert.Equal(t, []byte("set foo 0 0 3\r\nbar\r\n"), got)
}

func TestFormatCAS(t *testing.T) {
	got := FormatCAS("foo", []byte("bar"), 42, 1, 2)
	assert.True(t, bytes.HasPrefix(got, []byte("cas foo 1 2 3 42\r\n")))
	assert.True(t, bytes.HasSuffix(got, []byte("bar\r\n")))
}

func TestFormatDelete(t *testing.T) {
	assert.Equal(t, []byte("delete foo\r\n"), FormatDelete("foo"))
}

func TestFormatIncrDecr(t *testing.T) {
	assert.Equal(t, []byte("incr foo 1\r\n"), FormatIncrDecr("incr", "foo", 1))
	assert.Equal(t, []byte("decr foo 5\r\n"), FormatIncrDecr("decr", "foo", 5))
}

func TestFormatStats(t *testing.T) {
	assert.Equal(t, []byte("stats\r\n"), FormatStats(""))
	assert.Equal(t, []byte("stats items\r\n"), FormatStats("items"))
}

func TestFormatVersionAndFlushAll(t *testing.T) {
	assert.Equal(t, []byte("version\r\n"), FormatVersion())
	assert.Equal(t, []byte("flush_all\r\n"), FormatFlushAll())
}
