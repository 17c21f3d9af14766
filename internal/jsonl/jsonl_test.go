package jsonl

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestRead(t *testing.T) {
	input := `{"name": "a", "count": 1}

{"name": "b", "count": "two"}
not json
{"name": "<c>", "count": 3}
`
	items, lineErrs, err := Read[record](strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []record{{"a", 1}, {"<c>", 3}}, items)
	require.Len(t, lineErrs, 2)
	assert.Equal(t, 3, lineErrs[0].Line)
	assert.Equal(t, 4, lineErrs[1].Line)
	assert.Contains(t, lineErrs[1].Error(), "line 4")
}

func TestWrite(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, []record{{"<a>", 1}, {"b", 2}}))
	assert.Equal(t, "{\"name\":\"<a>\",\"count\":1}\n{\"name\":\"b\",\"count\":2}\n", buf.String())

	items, lineErrs, err := Read[record](&buf)
	require.NoError(t, err)
	assert.Empty(t, lineErrs)
	assert.Len(t, items, 2)
}
