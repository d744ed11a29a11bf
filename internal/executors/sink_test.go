package executors_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sentryflow/sentryflow/internal/contracts"
	"github.com/sentryflow/sentryflow/internal/executors"
	"github.com/sentryflow/sentryflow/internal/model"
	"github.com/sentryflow/sentryflow/internal/tracing"
	"github.com/sentryflow/sentryflow/pkg/plugin"
)

type fakeSink struct {
	nodeID  string
	fail    bool
	written [][]plugin.Row
}

func (s *fakeSink) Name() string                       { return "fake_sink" }
func (s *fakeSink) NodeID() string                     { return s.nodeID }
func (s *fakeSink) SetNodeID(id string)                { s.nodeID = id }
func (s *fakeSink) InputContract() *contracts.Contract { return nil }
func (s *fakeSink) Write(ctx context.Context, rows []plugin.Row, pctx *plugin.Context) (plugin.ArtifactDescriptor, error) {
	if s.fail {
		return plugin.ArtifactDescriptor{}, errors.New("disk full")
	}
	s.written = append(s.written, rows)
	return plugin.ArtifactDescriptor{ArtifactType: "jsonl", PathOrURI: "file:///tmp/out.jsonl", ContentHash: "sha256:abc"}, nil
}

func TestSinkExecutorWritesAndRegistersOneArtifact(t *testing.T) {
	ctx := context.Background()
	rec := newTestRecorder(t)
	exec := executors.NewSinkExecutor(rec, tracing.NewTracer(nil))

	_, err := rec.BeginRun(ctx, "run-s1", "sha256:cfg", nil, "1.0")
	require.NoError(t, err)

	tok1 := mustCreateToken(t, rec, "run-s1", "source_a", 0)
	tok2 := mustCreateToken(t, rec, "run-s1", "source_a", 1)
	sink := &fakeSink{nodeID: "sink_out"}

	var callbacks []string
	err = exec.Run(ctx, "run-s1", sink,
		[]model.Token{tok1, tok2},
		[]plugin.Row{{"name": "a"}, {"name": "b"}},
		1, 0,
		func(ctx context.Context, tok model.Token) error {
			callbacks = append(callbacks, tok.TokenID)
			return nil
		},
	)
	require.NoError(t, err)
	require.Len(t, sink.written, 1)
	require.Len(t, sink.written[0], 2)
	require.ElementsMatch(t, []string{tok1.TokenID, tok2.TokenID}, callbacks)
}

func TestSinkExecutorFailsAllOpenStatesOnWriteFailure(t *testing.T) {
	ctx := context.Background()
	rec := newTestRecorder(t)
	exec := executors.NewSinkExecutor(rec, tracing.NewTracer(nil))

	_, err := rec.BeginRun(ctx, "run-s2", "sha256:cfg", nil, "1.0")
	require.NoError(t, err)

	tok := mustCreateToken(t, rec, "run-s2", "source_a", 0)
	sink := &fakeSink{nodeID: "sink_out", fail: true}

	err = exec.Run(ctx, "run-s2", sink, []model.Token{tok}, []plugin.Row{{"name": "a"}}, 1, 0, nil)
	require.Error(t, err)
}
