package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memkb/memkb/pkg/types"
)

func TestEvalBooleanProperty(t *testing.T) {
	e, err := Parse("is_user_answered==True")
	require.NoError(t, err)

	got, err := e.Eval(types.Properties{"is_user_answered": true})
	require.NoError(t, err)
	assert.True(t, got)

	got, err = e.Eval(types.Properties{"is_user_answered": false})
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEvalComparisonsAndConnectives(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		props types.Properties
		want  bool
	}{
		{"numeric gte", "rating_score >= 7", types.Properties{"rating_score": int64(7)}, true},
		{"numeric lt", "rating_score < 7", types.Properties{"rating_score": float32(6.5)}, true},
		{"string eq", `rating == "good"`, types.Properties{"rating": "good"}, true},
		{"string neq", `rating != 'bad'`, types.Properties{"rating": "good"}, true},
		{"and short circuit", "answered==True && rating_score > 0",
			types.Properties{"answered": false, "rating_score": int64(3)}, false},
		{"or", `rating=="good" || rating=="great"`, types.Properties{"rating": "great"}, true},
		{"not", "!answered", types.Properties{"answered": false}, true},
		{"parens", `(a > 1 || b > 1) && c == "x"`,
			types.Properties{"a": int64(0), "b": int64(2), "c": "x"}, true},
		{"bare bool property", "answered", types.Properties{"answered": true}, true},
		{"negative literal", "delta >= -1", types.Properties{"delta": int64(0)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := Parse(tt.src)
			require.NoError(t, err)
			got, err := e.Eval(tt.props)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalErrors(t *testing.T) {
	t.Run("unbound property", func(t *testing.T) {
		e, err := Parse("missing == 1")
		require.NoError(t, err)
		_, err = e.Eval(types.Properties{})
		assert.Error(t, err)
	})

	t.Run("type mismatch", func(t *testing.T) {
		e, err := Parse(`rating == 1`)
		require.NoError(t, err)
		_, err = e.Eval(types.Properties{"rating": "good"})
		assert.Error(t, err)
	})

	t.Run("non-boolean result", func(t *testing.T) {
		e, err := Parse("rating_score")
		require.NoError(t, err)
		_, err = e.Eval(types.Properties{"rating_score": int64(3)})
		assert.Error(t, err)
	})

	t.Run("bool ordering rejected", func(t *testing.T) {
		e, err := Parse("answered > False")
		require.NoError(t, err)
		_, err = e.Eval(types.Properties{"answered": true})
		assert.Error(t, err)
	})
}

func TestParseErrors(t *testing.T) {
	for _, src := range []string{
		"",
		"a ==",
		"(a == 1",
		"a === 1",
		`a == "unterminated`,
		"a == 1 extra",
		"a @ 1",
	} {
		t.Run(src, func(t *testing.T) {
			_, err := Parse(src)
			assert.Error(t, err, "expected parse error for %q", src)
		})
	}
}
