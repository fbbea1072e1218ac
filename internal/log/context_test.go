package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithRequestID(ctx, "req-1")
	ctx = ContextWithCorrelationID(ctx, "corr-1")
	ctx = ContextWithTaskID(ctx, "task-1")
	ctx = ContextWithPipelineGroup(ctx, "group-1")
	ctx = ContextWithQueryID(ctx, "query-1")

	require.Equal(t, "req-1", RequestIDFromContext(ctx))
	require.Equal(t, "corr-1", CorrelationIDFromContext(ctx))
	require.Equal(t, "task-1", TaskIDFromContext(ctx))
	require.Equal(t, "group-1", PipelineGroupFromContext(ctx))
	require.Equal(t, "query-1", QueryIDFromContext(ctx))
}

func TestFromContextEmpty(t *testing.T) {
	require.Equal(t, "", RequestIDFromContext(context.Background()))
	require.Equal(t, "", RequestIDFromContext(nil))
}

func TestWithContextEnrichesLogger(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf})

	ctx := ContextWithTaskID(context.Background(), "task-42")
	ctx = ContextWithPipelineGroup(ctx, "group-7")

	l := WithContext(ctx, Base())
	l.Info().Msg("enriched")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "task-42", line["task_id"])
	require.Equal(t, "group-7", line["pipeline_group"])
}

func TestWithContextNoFieldsIsNoop(t *testing.T) {
	Configure(Config{Output: &bytes.Buffer{}})
	base := Base()
	enriched := WithContext(context.Background(), base)
	require.Equal(t, base.GetLevel(), enriched.GetLevel())
}

func TestWithComponentFromContext(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf})

	ctx := ContextWithQueryID(context.Background(), "q-9")
	l := WithComponentFromContext(ctx, "search")
	l.Info().Msg("query executed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "search", line["component"])
	require.Equal(t, "q-9", line["query_id"])
}

func TestFromContextFallsBackToBase(t *testing.T) {
	Configure(Config{Output: &bytes.Buffer{}})
	l := FromContext(context.Background())
	require.NotNil(t, l)

	l2 := FromContext(nil)
	require.NotNil(t, l2)
}
