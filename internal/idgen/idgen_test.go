package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeTimestampBase62(t *testing.T) {
	cases := map[int64]string{
		0:    "000000",
		1:    "000001",
		62:   "000010",
		3600: "0000w4",
	}
	for in, want := range cases {
		assert.Equal(t, want, EncodeTimestampBase62(in))
	}
}

func TestNewHasPrefixAndCharset(t *testing.T) {
	id := New("task")
	assert.True(t, strings.HasPrefix(id, "task_"))
	rest := strings.TrimPrefix(id, "task_")
	assert.Len(t, rest, 24)
	for _, c := range rest {
		assert.Contains(t, base62Alphabet, string(c))
	}
}

func TestNewIsUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := New("x")
		_, dup := seen[id]
		assert.False(t, dup)
		seen[id] = struct{}{}
	}
}
