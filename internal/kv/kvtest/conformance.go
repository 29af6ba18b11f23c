// Package kvtest provides conformance tests for kv.Store implementations
package kvtest

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GratisLedger/internal/kv"
)

// StoreFactory creates a fresh, empty Store for one subtest
type StoreFactory func(t *testing.T) kv.Store

// RunConformanceTests runs all conformance tests against a Store implementation
func RunConformanceTests(t *testing.T, factory StoreFactory) {
	t.Run("PutGet", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Put([]byte("a"), []byte("1")))

		v, err := s.Get([]byte("a"))
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), v)
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := factory(t)
		_, err := s.Get([]byte("missing"))
		assert.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("Overwrite", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Put([]byte("k"), []byte("old")))
		require.NoError(t, s.Put([]byte("k"), []byte("new")))

		v, err := s.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("new"), v)
	})

	t.Run("DeleteAndHas", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Put([]byte("k"), []byte("v")))

		ok, err := s.Has([]byte("k"))
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, s.Delete([]byte("k")))
		ok, err = s.Has([]byte("k"))
		require.NoError(t, err)
		assert.False(t, ok)

		// deleting a missing key is not an error
		require.NoError(t, s.Delete([]byte("k")))
	})

	t.Run("BinaryKeys", func(t *testing.T) {
		s := factory(t)
		key := []byte{0x00, 0xff, 'q', 0x01}
		value := []byte{0x01, 0x00, 0x00, 0x02}
		require.NoError(t, s.Put(key, value))

		v, err := s.Get(key)
		require.NoError(t, err)
		assert.Equal(t, value, v)
	})

	t.Run("CallerOwnsValues", func(t *testing.T) {
		s := factory(t)
		value := []byte("abc")
		require.NoError(t, s.Put([]byte("k"), value))
		value[0] = 'x'

		v, err := s.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), v)
	})

	t.Run("ManyKeys", func(t *testing.T) {
		s := factory(t)
		for i := 0; i < 100; i++ {
			require.NoError(t, s.Put([]byte(fmt.Sprintf("k%03d", i)), []byte{byte(i)}))
		}
		for i := 0; i < 100; i++ {
			v, err := s.Get([]byte(fmt.Sprintf("k%03d", i)))
			require.NoError(t, err)
			assert.Equal(t, []byte{byte(i)}, v)
		}
	})
}
