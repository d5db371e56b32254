// ABOUTME: Tests for canvas state tracking against the null backend.
// ABOUTME: The chrome backend needs a browser and is exercised only when one is installed.

package canvas

import (
	"context"
	"errors"
	"testing"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController(t *testing.T) {
	ctx := context.Background()

	t.Run("present uses home then last url", func(t *testing.T) {
		nb := &NullBackend{}
		c := NewController(nb, "about:blank", nil)

		st, err := c.Present(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, State{Visible: true, URL: "about:blank"}, st)

		_, err = c.Navigate(ctx, "https://example.com/a")
		require.NoError(t, err)
		_, err = c.Hide(ctx)
		require.NoError(t, err)

		st, err = c.Present(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/a", st.URL)
		assert.Equal(t, []string{
			"show about:blank",
			"navigate https://example.com/a",
			"hide",
			"show https://example.com/a",
		}, nb.Calls())
	})

	t.Run("navigate while hidden shows", func(t *testing.T) {
		nb := &NullBackend{}
		c := NewController(nb, "", nil)
		st, err := c.Navigate(ctx, "http://localhost:8080/")
		require.NoError(t, err)
		assert.True(t, st.Visible)
		assert.Equal(t, []string{"show http://localhost:8080/"}, nb.Calls())
	})

	t.Run("hide twice is fine", func(t *testing.T) {
		nb := &NullBackend{}
		c := NewController(nb, "", nil)
		_, err := c.Hide(ctx)
		require.NoError(t, err)
		assert.Empty(t, nb.Calls())
	})

	t.Run("invalid urls", func(t *testing.T) {
		c := NewController(&NullBackend{}, "", nil)
		for _, u := range []string{"", "javascript:alert(1)", "http://", "ftp://host/x"} {
			_, err := c.Navigate(ctx, u)
			assert.ErrorIs(t, err, ErrInvalidURL, u)
		}
		assert.False(t, c.State().Visible)
	})

	t.Run("backend failure keeps state", func(t *testing.T) {
		c := NewController(failingBackend{}, "", nil)
		_, err := c.Present(ctx, "https://example.com")
		assert.Error(t, err)
		assert.False(t, c.State().Visible)
	})
}

func TestNewBackend(t *testing.T) {
	c, err := New(BackendNone, "", true, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c, err = New("", "", true, nil)
	require.NoError(t, err)
	assert.IsType(t, &NullBackend{}, c.backend)
	require.NoError(t, c.Close())

	_, err = New("vr-headset", "", true, nil)
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestRodBackend(t *testing.T) {
	if testing.Short() {
		t.Skip("launches a browser")
	}
	if _, ok := launcher.LookPath(); !ok {
		t.Skip("no chrome binary available")
	}

	c := NewController(NewRodBackend(RodConfig{Headless: true}), "about:blank", nil)
	defer c.Close()

	ctx := context.Background()
	_, err := c.Present(ctx, "")
	require.NoError(t, err)
	_, err = c.Navigate(ctx, "data:text/html,<h1>canvas</h1>")
	require.NoError(t, err)
	st, err := c.Hide(ctx)
	require.NoError(t, err)
	assert.False(t, st.Visible)
}

type failingBackend struct{}

func (failingBackend) Show(context.Context, string) error     { return errors.New("no display") }
func (failingBackend) Navigate(context.Context, string) error { return errors.New("no display") }
func (failingBackend) Hide(context.Context) error             { return errors.New("no display") }
func (failingBackend) Close() error                           { return nil }
