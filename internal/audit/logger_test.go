package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type itemEvent struct {
	ID   string
	Lang string
	Ver  int
}

func (e itemEvent) AuditSubject() (string, string, int) { return e.ID, e.Lang, e.Ver }

type failingRecorder struct{ err error }

func (f failingRecorder) Emit(context.Context, Entry) error { return f.err }

type capturingRecorder struct{ entries []Entry }

func (c *capturingRecorder) Emit(_ context.Context, e Entry) error {
	c.entries = append(c.entries, e)
	return nil
}

func TestLogger_Emit(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf))

	err := logger.Emit(context.Background(), Entry{
		Category:  CategoryEvent,
		Action:    "item:saved",
		EntityID:  "110d559f-dea5-42ea-9c1c-8a5df7e70ef9",
		Language:  "en",
		Version:   2,
		Partition: "web",
		Lane:      3,
	})
	require.NoError(t, err)

	var wrapper map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &wrapper))

	var msg string
	require.NoError(t, json.Unmarshal(wrapper["message"], &msg))
	assert.Equal(t, "Event.item:saved", msg)

	var logged Entry
	require.NoError(t, json.Unmarshal(wrapper["history"], &logged))
	assert.Equal(t, "en", logged.Language)
	assert.Equal(t, 2, logged.Version)
	assert.Equal(t, 3, logged.Lane)
	assert.False(t, logged.Timestamp.IsZero(), "timestamp should be set automatically")
}

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	first := &capturingRecorder{}
	second := &capturingRecorder{}
	boom := errors.New("boom")

	m := Multi{first, nil, failingRecorder{err: boom}, second}
	err := m.Emit(context.Background(), Entry{Category: CategoryStatistics, Action: "ProcessEQ.Count"})

	require.ErrorIs(t, err, boom)
	assert.Len(t, first.entries, 1)
	assert.Len(t, second.entries, 1, "a failing recorder must not stop the fan-out")
}

func TestSubjectOf(t *testing.T) {
	id, lang, ver := SubjectOf(itemEvent{ID: "a", Lang: "de", Ver: 4})
	assert.Equal(t, "a", id)
	assert.Equal(t, "de", lang)
	assert.Equal(t, 4, ver)

	id, lang, ver = SubjectOf(struct{}{})
	assert.Empty(t, id)
	assert.Empty(t, lang)
	assert.Zero(t, ver)
}
