package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/pkg/provider"
)

func dep(group string) *provider.Deployment {
	return &provider.Deployment{
		ModelName:     group,
		Provider:      "openai",
		UpstreamModel: "gpt-4o",
		Credentials:   provider.Credentials{provider.CredAPIKey: "k"},
	}
}

func TestAddAssignsID(t *testing.T) {
	r := New(nil)

	id, err := r.Add(dep("g"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	got, err := r.GetByID(id)
	require.NoError(t, err)
	assert.Equal(t, "g", got.ModelName)
}

func TestAddValidates(t *testing.T) {
	r := New(nil)

	_, err := r.Add(nil)
	assert.Error(t, err)

	_, err = r.Add(&provider.Deployment{Provider: "openai"})
	assert.Error(t, err)

	_, err = r.Add(&provider.Deployment{ModelName: "g"})
	assert.Error(t, err)

	// Provider names are checked against the adapter registry, so a
	// misspelling fails here instead of at the first request.
	_, err = r.Add(&provider.Deployment{ModelName: "g", Provider: "openaii"})
	assert.ErrorContains(t, err, "unknown provider")
}

func TestAddDuplicateID(t *testing.T) {
	r := New(nil)

	d := dep("g")
	d.ID = "fixed"
	_, err := r.Add(d)
	require.NoError(t, err)

	again := dep("g")
	again.ID = "fixed"
	_, err = r.Add(again)
	assert.ErrorContains(t, err, "already registered")
}

func TestListGroup(t *testing.T) {
	r := New(nil)

	_, err := r.Add(dep("g"))
	require.NoError(t, err)
	_, err = r.Add(dep("g"))
	require.NoError(t, err)
	_, err = r.Add(dep("other"))
	require.NoError(t, err)

	assert.Len(t, r.ListGroup("g"), 2)
	assert.Len(t, r.ListGroup("other"), 1)
	assert.Empty(t, r.ListGroup("missing"))
	assert.ElementsMatch(t, []string{"g", "other"}, r.Groups())
	assert.Equal(t, 3, r.Len())
}

func TestUpdatePatchesCredentialsAndLimits(t *testing.T) {
	r := New(nil)

	id, err := r.Add(dep("g"))
	require.NoError(t, err)

	err = r.Update(id, Patch{
		Credentials: provider.Credentials{provider.CredAPIKey: "rotated"},
		Limits:      &provider.Limits{RPM: 99, Timeout: time.Minute},
	})
	require.NoError(t, err)

	got, err := r.GetByID(id)
	require.NoError(t, err)
	assert.Equal(t, "rotated", got.Credentials[provider.CredAPIKey])
	assert.Equal(t, int64(99), got.Limits.RPM)

	// The group index sees the patched deployment too.
	assert.Equal(t, int64(99), r.ListGroup("g")[0].Limits.RPM)
}

func TestUpdateUnknownID(t *testing.T) {
	r := New(nil)
	assert.ErrorIs(t, r.Update("nope", Patch{}), ErrNotFound)
}

func TestUpdateDoesNotMutateOldSnapshot(t *testing.T) {
	r := New(nil)

	id, err := r.Add(dep("g"))
	require.NoError(t, err)

	before := r.ListGroup("g")[0]
	require.NoError(t, r.Update(id, Patch{Tags: []string{"eu"}}))

	// The pointer handed out before the update is unchanged.
	assert.Empty(t, before.Tags)
	assert.Equal(t, []string{"eu"}, r.ListGroup("g")[0].Tags)
}

func TestDelete(t *testing.T) {
	r := New(nil)

	id, err := r.Add(dep("g"))
	require.NoError(t, err)

	require.NoError(t, r.Delete(id))
	_, err = r.GetByID(id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, r.Groups())

	assert.ErrorIs(t, r.Delete(id), ErrNotFound)
}

func TestConcurrentReadsDuringWrites(t *testing.T) {
	r := New(nil)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				r.ListGroup("g")
				r.All()
				r.Groups()
			}
		}
	}()

	for i := 0; i < 100; i++ {
		d := dep("g")
		d.ID = fmt.Sprintf("d-%d", i)
		_, err := r.Add(d)
		require.NoError(t, err)
		if i%2 == 0 {
			require.NoError(t, r.Delete(d.ID))
		}
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, 50, r.Len())
}
