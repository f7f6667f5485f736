package awareness_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scriptum/scriptum/internal/relay/awareness"
)

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestUpdateAndAggregate(t *testing.T) {
	s := awareness.New()

	s.Update("ws", "doc", "sess-a", []json.RawMessage{raw(`{"name":"alice"}`)})
	s.Update("ws", "doc", "sess-b", []json.RawMessage{raw(`{"name":"bob"}`)})

	agg := s.Aggregate("ws", "doc")
	require.Len(t, agg, 2)
}

func TestEmptyUpdateRemovesEntry(t *testing.T) {
	s := awareness.New()

	s.Update("ws", "doc", "sess-a", []json.RawMessage{raw(`{"name":"alice"}`)})
	require.Len(t, s.Aggregate("ws", "doc"), 1)

	s.Update("ws", "doc", "sess-a", nil)
	require.Empty(t, s.Aggregate("ws", "doc"))
}

func TestAggregateExcluding(t *testing.T) {
	s := awareness.New()
	s.Update("ws", "doc", "sess-a", []json.RawMessage{raw(`{"name":"alice"}`)})
	s.Update("ws", "doc", "sess-b", []json.RawMessage{raw(`{"name":"bob"}`)})

	agg := s.AggregateExcluding("ws", "doc", "sess-a")
	require.Len(t, agg, 1)
	require.JSONEq(t, `{"name":"bob"}`, string(agg[0]))
}

func TestRemoveSession(t *testing.T) {
	s := awareness.New()
	s.Update("ws", "doc1", "sess-a", []json.RawMessage{raw(`{"name":"alice"}`)})
	s.Update("ws", "doc2", "sess-a", []json.RawMessage{raw(`{"name":"alice"}`)})

	s.RemoveSession("ws", []string{"doc1", "doc2"}, "sess-a")

	require.Empty(t, s.Aggregate("ws", "doc1"))
	require.Empty(t, s.Aggregate("ws", "doc2"))
}
