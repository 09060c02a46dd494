package llm

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var errFirstAttemptInvalid = errors.New("bad content")

type fakeAdapter struct {
	calls   int
	fail    int // number of leading calls that return a retryable error
	content string
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Complete(_ context.Context, req Request) (Response, error) {
	f.calls++
	if f.calls <= f.fail {
		return Response{}, ErrorFromHTTPStatus("fake", 500, "boom", nil)
	}
	return Response{Provider: "fake", Model: req.Model, Content: f.content}, nil
}

func validReq(t *testing.T) Request {
	t.Helper()
	return Request{
		Model:      "gpt-4o",
		Messages:   []Message{{Role: "system", Content: "s"}, {Role: "user", Content: "u"}},
		JSONSchema: map[string]any{"type": "object"},
	}
}

func TestClientCompleteRetriesRetryableErrors(t *testing.T) {
	adapter := &fakeAdapter{fail: 2, content: `{"ok":true}`}
	c := NewClient(adapter)

	resp, err := c.Complete(context.Background(), validReq(t))
	require.NoError(t, err)
	require.Equal(t, `{"ok":true}`, resp.Content)
	require.Equal(t, 3, adapter.calls)
}

func TestClientCompleteRejectsInvalidRequest(t *testing.T) {
	c := NewClient(&fakeAdapter{})
	_, err := c.Complete(context.Background(), Request{})
	require.Error(t, err)
}

func TestClientCompleteNilAdapter(t *testing.T) {
	c := NewClient(nil)
	_, err := c.Complete(context.Background(), validReq(t))
	require.Error(t, err)
}

func TestClientWritesDebugLogWhenDirSet(t *testing.T) {
	dir := t.TempDir()
	adapter := &fakeAdapter{content: `{"ok":true}`}
	c := NewClient(adapter)
	c.DebugDir = dir

	_, err := c.Complete(context.Background(), validReq(t))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var sawReq, sawResp bool
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".req.txt"):
			sawReq = true
		case strings.HasSuffix(e.Name(), ".resp.txt"):
			sawResp = true
		}
	}
	require.True(t, sawReq, "expected a .req.txt file")
	require.True(t, sawResp, "expected a .resp.txt file")
}

func TestClientSkipsDebugLogWhenDirEmpty(t *testing.T) {
	adapter := &fakeAdapter{content: `{"ok":true}`}
	c := NewClient(adapter)
	require.Equal(t, "", c.DebugDir)

	_, err := c.Complete(context.Background(), validReq(t))
	require.NoError(t, err)
}

func TestValidateAndRetryRetriesOnValidationFailure(t *testing.T) {
	attempts := 0
	calls := 0
	c := NewClient(adapterFunc(func(ctx context.Context, req Request) (Response, error) {
		calls++
		if calls == 1 {
			return Response{Content: `{"bad":true}`}, nil
		}
		return Response{Content: `{"good":true}`}, nil
	}))

	validate := func(content string) error {
		attempts++
		if content == `{"bad":true}` {
			return errFirstAttemptInvalid
		}
		return nil
	}

	resp, err := c.ValidateAndRetry(context.Background(), validReq(t), 3, validate)
	require.NoError(t, err)
	require.Equal(t, `{"good":true}`, resp.Content)
	require.Equal(t, 2, attempts)
}

type adapterFunc func(ctx context.Context, req Request) (Response, error)

func (f adapterFunc) Name() string { return "fn" }
func (f adapterFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
