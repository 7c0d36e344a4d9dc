package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVocabulary(t *testing.T) {
	t.Parallel()

	assert.Equal(t, New, Initial)
	assert.Len(t, All(), 8)
	for _, s := range Terminal() {
		assert.True(t, s.IsTerminal(), s)
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, Paid.IsTerminal())
	assert.False(t, Status("archived").Valid())
}

func TestMapper_Defaults(t *testing.T) {
	t.Parallel()

	m := NewMapper(nil, nil)
	for st, id := range DefaultExternalIDs {
		got, ok := m.FromExternal(id)
		require.True(t, ok)
		assert.Equal(t, st, got)

		ext, ok := m.ToExternal(st)
		require.True(t, ok)
		assert.Equal(t, id, ext)
	}
}

func TestMapper_Unknown(t *testing.T) {
	t.Parallel()

	m := NewMapper(map[Status]int64{New: 10, Paid: 40}, nil)

	st, ok := m.FromExternal(99)
	assert.False(t, ok)
	assert.Equal(t, Initial, st)

	_, ok = m.ToExternal(Shipped)
	assert.False(t, ok)
}

func TestMapper_FromExternalString(t *testing.T) {
	t.Parallel()

	m := NewMapper(nil, nil)

	st, ok := m.FromExternalString("4")
	assert.True(t, ok)
	assert.Equal(t, Paid, st)

	st, ok = m.FromExternalString("shipped")
	assert.True(t, ok)
	assert.Equal(t, Shipped, st)

	_, ok = m.FromExternalString("lost-in-transit")
	assert.False(t, ok)
}
