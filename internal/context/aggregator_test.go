package context

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/voicelink/internal/types"
)

func versionProvider(name, version string) types.ContextProviderFunc {
	return func(_ context.Context, complete func(*types.ContextInfo)) {
		complete(&types.ContextInfo{
			Type:    types.ContextCapability,
			Name:    name,
			Payload: map[string]any{"version": version},
		})
	}
}

func TestSnapshotFullMergesAllProviders(t *testing.T) {
	agg := New(time.Second, nil)
	agg.AddProvider("Text", versionProvider("Text", "1.5"))
	agg.AddProvider("Extension", versionProvider("Extension", "1.1"))
	agg.AddProvider("wakeupWord", func(_ context.Context, complete func(*types.ContextInfo)) {
		complete(&types.ContextInfo{Type: types.ContextClient, Name: "wakeupWord", Payload: "aria"})
	})

	snap := agg.Snapshot(context.Background(), types.FullContext())

	assert.Len(t, snap.SupportedInterfaces, 2)
	assert.Equal(t, map[string]any{"version": "1.5"}, snap.SupportedInterfaces["Text"])
	assert.Equal(t, "aria", snap.Client["wakeupWord"])
}

func TestSnapshotScopedQueriesOnlyNamespace(t *testing.T) {
	agg := New(time.Second, nil)
	agg.AddProvider("Text", versionProvider("Text", "1.5"))

	extensionCalled := false
	agg.AddProvider("Extension", func(_ context.Context, complete func(*types.ContextInfo)) {
		extensionCalled = true
		complete(nil)
	})

	snap := agg.Snapshot(context.Background(), types.CompactContext("Text"))

	assert.Len(t, snap.SupportedInterfaces, 1)
	assert.Contains(t, snap.SupportedInterfaces, "Text")
	assert.False(t, extensionCalled)

	empty := agg.Snapshot(context.Background(), types.CompactContext("Missing"))
	assert.Empty(t, empty.SupportedInterfaces)
}

func TestSlowProviderIsOmitted(t *testing.T) {
	agg := New(50*time.Millisecond, nil)
	agg.AddProvider("Text", versionProvider("Text", "1.5"))
	agg.AddProvider("Stuck", func(ctx context.Context, complete func(*types.ContextInfo)) {
		// Never reports.
	})

	start := time.Now()
	snap := agg.Snapshot(context.Background(), types.FullContext())

	assert.Less(t, time.Since(start), time.Second)
	assert.Contains(t, snap.SupportedInterfaces, "Text")
	assert.NotContains(t, snap.SupportedInterfaces, "Stuck")
}

func TestProviderReportingTwiceCountsOnce(t *testing.T) {
	agg := New(time.Second, nil)
	agg.AddProvider("Text", func(_ context.Context, complete func(*types.ContextInfo)) {
		complete(&types.ContextInfo{Name: "Text", Payload: "first"})
		complete(&types.ContextInfo{Name: "Text", Payload: "second"})
	})

	snap := agg.Snapshot(context.Background(), types.FullContext())
	assert.Equal(t, "first", snap.SupportedInterfaces["Text"])
}

func TestCollectIsAsynchronous(t *testing.T) {
	agg := New(time.Second, nil)
	release := make(chan struct{})
	agg.AddProvider("Slow", func(_ context.Context, complete func(*types.ContextInfo)) {
		<-release
		complete(&types.ContextInfo{Name: "Slow", Payload: 1})
	})

	got := make(chan types.ContextPayload, 1)
	agg.Collect(context.Background(), types.FullContext(), func(p types.ContextPayload) { got <- p })

	// Collect returned while the provider is still blocked.
	close(release)
	select {
	case p := <-got:
		assert.Equal(t, 1, p.SupportedInterfaces["Slow"])
	case <-time.After(2 * time.Second):
		t.Fatal("collect never completed")
	}
}

func TestSnapshotReflectsProvidersAtAssembly(t *testing.T) {
	agg := New(time.Second, nil)
	agg.AddProvider("Text", versionProvider("Text", "1.5"))
	agg.AddProvider("Gone", versionProvider("Gone", "1.0"))
	agg.RemoveProvider("Gone")

	started := make(chan struct{})
	release := make(chan struct{})
	agg.AddProvider("Gate", func(_ context.Context, complete func(*types.ContextInfo)) {
		close(started)
		<-release
		complete(nil)
	})

	got := make(chan types.ContextPayload, 1)
	agg.Collect(context.Background(), types.FullContext(), func(p types.ContextPayload) { got <- p })
	<-started

	// Added after assembly started; must not appear.
	agg.AddProvider("Late", versionProvider("Late", "9.9"))
	close(release)

	p := <-got
	assert.Contains(t, p.SupportedInterfaces, "Text")
	assert.NotContains(t, p.SupportedInterfaces, "Gone")
	assert.NotContains(t, p.SupportedInterfaces, "Late")
	require.Equal(t, []string{"Text", "Gate", "Late"}, agg.Providers())
}
