package matcher

import (
	"context"
	"testing"
	"time"

	"piper/server/internal/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "big red ball", Normalize("  Big   RED, ball!! "))
	assert.Equal(t, "cat", Normalize("Cat."))
	assert.Equal(t, "", Normalize("?!"))
}

func TestEquivalentExactMatchSkipsAI(t *testing.T) {
	client := llm.NewMockClient(`{"equivalent": false}`)
	m, err := New(client, 8, time.Second, nil)
	require.NoError(t, err)

	ok, err := m.Equivalent(context.Background(), "The Cat!", "the cat")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, client.Calls())

	ok, err = m.Equivalent(context.Background(), "", "cat")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEquivalentCachesVerdict(t *testing.T) {
	client := llm.NewMockClient(`{"equivalent": true}`)
	m, err := New(client, 8, time.Second, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ok, err := m.Equivalent(context.Background(), "kitty", "cat")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	// 词对顺序无关
	ok, err := m.Equivalent(context.Background(), "Cat", "Kitty")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, 1, client.Calls())
	assert.Equal(t, 1, m.Len())
}

func TestEquivalentCacheIsBounded(t *testing.T) {
	client := llm.NewMockClient(`{"equivalent": false}`)
	m, err := New(client, 2, time.Second, nil)
	require.NoError(t, err)

	for _, w := range []string{"dog", "cow", "pig", "hen"} {
		_, err := m.Equivalent(context.Background(), w, "cat")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, m.Len())

	// 最早的词对已被淘汰，需要重新询问
	_, err = m.Equivalent(context.Background(), "dog", "cat")
	require.NoError(t, err)
	assert.Equal(t, 5, client.Calls())
}

func TestEquivalentErrorsAreNotCached(t *testing.T) {
	client := llm.NewMockClient("maybe?")
	m, err := New(client, 8, time.Second, nil)
	require.NoError(t, err)

	_, err = m.Equivalent(context.Background(), "kitty", "cat")
	assert.Error(t, err)
	assert.Equal(t, 0, m.Len())

	client.ShouldFail = true
	_, err = m.Equivalent(context.Background(), "kitty", "cat")
	assert.ErrorIs(t, err, llm.ErrMockFailure)
}

func TestEquivalentTimeout(t *testing.T) {
	client := llm.NewMockClient(`{"equivalent": true}`)
	client.Delay = time.Second
	m, err := New(client, 8, 20*time.Millisecond, nil)
	require.NoError(t, err)

	_, err = m.Equivalent(context.Background(), "kitty", "cat")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEquivalentWithoutClient(t *testing.T) {
	m, err := New(nil, 0, 0, nil)
	require.NoError(t, err)

	ok, err := m.Equivalent(context.Background(), "Cat!", "cat")
	require.NoError(t, err)
	assert.True(t, ok)

	// 字面不同时无法判断，交给调用方按未知处理
	_, err = m.Equivalent(context.Background(), "kitty", "cat")
	assert.ErrorIs(t, err, ErrNoJudge)
}
