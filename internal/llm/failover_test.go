package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scriptedBackend struct {
	name   string
	err    error
	models []string
}

func (b *scriptedBackend) ClassifyText(_ context.Context, model, _ string) (string, error) {
	b.models = append(b.models, model)
	if b.err != nil {
		return "", b.err
	}
	return b.name + " answer", nil
}

func (b *scriptedBackend) ClassifyImage(_ context.Context, model string, _ []byte, _ string) (string, error) {
	return b.ClassifyText(context.Background(), model, "")
}

func (b *scriptedBackend) Name() string     { return b.name }
func (b *scriptedBackend) Endpoint() string { return b.name + ".example" }
func (b *scriptedBackend) Close() error     { return nil }

func TestFailover_SwitchesAfterConsecutiveFailures(t *testing.T) {
	primary := &scriptedBackend{name: "primary", err: errors.New("status 429: quota")}
	secondary := &scriptedBackend{name: "secondary"}

	f, err := NewFailover([]Member{{Backend: primary}, {Backend: secondary, TextModel: "llama"}}, 2, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = f.ClassifyText(ctx, "gemini", "x")
	assert.Error(t, err)
	assert.Equal(t, "primary", f.Name())

	_, err = f.ClassifyText(ctx, "gemini", "x")
	assert.Error(t, err, "a failing call is not retried on the next backend")
	assert.Equal(t, "secondary", f.Name())
	assert.Equal(t, "secondary.example", f.Endpoint())

	out, err := f.ClassifyText(ctx, "gemini", "x")
	require.NoError(t, err)
	assert.Equal(t, "secondary answer", out)
	assert.Equal(t, []string{"llama"}, secondary.models)
	assert.Equal(t, []string{"gemini", "gemini"}, primary.models)
}

func TestFailover_SuccessResetsCount(t *testing.T) {
	primary := &scriptedBackend{name: "primary"}
	f, err := NewFailover([]Member{{Backend: primary}, {Backend: &scriptedBackend{name: "secondary"}}}, 2, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	primary.err = errors.New("boom")
	f.ClassifyText(ctx, "m", "x")
	primary.err = nil
	f.ClassifyText(ctx, "m", "x")
	primary.err = errors.New("boom")
	f.ClassifyText(ctx, "m", "x")

	assert.Equal(t, "primary", f.Name())
}

func TestFailover_IgnoresCancellation(t *testing.T) {
	primary := &scriptedBackend{name: "primary", err: context.Canceled}
	f, err := NewFailover([]Member{{Backend: primary}, {Backend: &scriptedBackend{name: "secondary"}}}, 1, zap.NewNop())
	require.NoError(t, err)

	f.ClassifyText(context.Background(), "m", "x")
	assert.Equal(t, "primary", f.Name())
}

func TestFailover_SingleMember(t *testing.T) {
	only := &scriptedBackend{name: "only", err: errors.New("down")}
	f, err := NewFailover([]Member{{Backend: only}}, 1, zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		f.ClassifyImage(context.Background(), "m", nil, "image/png")
	}
	assert.Equal(t, "only", f.Name())

	_, err = NewFailover(nil, 1, zap.NewNop())
	assert.Error(t, err)
}

func TestFailover_RoutePinsMember(t *testing.T) {
	primary := &scriptedBackend{name: "primary", err: errors.New("status 500")}
	secondary := &scriptedBackend{name: "secondary"}
	f, err := NewFailover([]Member{{Backend: primary}, {Backend: secondary, ImageModel: "vision"}}, 1, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	stale, target := f.Route("gemini-image", true)
	assert.Equal(t, Target{Provider: "primary", Endpoint: "primary.example", Model: "gemini-image"}, target)

	pinnedPrimary, _ := f.Route("gemini-image", true)
	_, err = pinnedPrimary.ClassifyImage(ctx, target.Model, nil, "image/png")
	assert.Error(t, err)

	_, target = f.Route("gemini-image", true)
	assert.Equal(t, Target{Provider: "secondary", Endpoint: "secondary.example", Model: "vision"}, target)

	// A late failure from the previous member does not count against the new one
	_, err = stale.ClassifyText(ctx, "m", "x")
	assert.Error(t, err)
	assert.Equal(t, "secondary", f.Name())
}

func TestRoute_PlainBackend(t *testing.T) {
	b := &scriptedBackend{name: "solo"}
	routed, target := Route(b, "m", false)
	assert.Same(t, b, routed)
	assert.Equal(t, Target{Provider: "solo", Endpoint: "solo.example", Model: "m"}, target)
}
