package events

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pingsantohq/healthagent/pkg/types"
)

func TestLogRecorderLevels(t *testing.T) {
	ev := types.Event{
		Type:       types.EventQueueDrop,
		Timestamp:  time.Unix(10, 0).UTC(),
		EndpointID: "E9",
		Labels:     map[string]string{"monitor_type": "http"},
	}
	cases := []struct {
		level zerolog.Level
		want  []string
	}{
		{zerolog.DebugLevel, []string{`"event":"QueueDrop"`, `"endpoint_id":"E9"`, `"monitor_type":"http"`, `"component":"events"`}},
		{zerolog.InfoLevel, nil},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		NewLogRecorder(zerolog.New(&buf).Level(tc.level)).Record(ev)
		out := buf.String()
		if tc.want == nil && out != "" {
			t.Fatalf("%s: expected no output, got %s", tc.level, out)
		}
		for _, w := range tc.want {
			if !strings.Contains(out, w) {
				t.Fatalf("%s: expected %s in %s", tc.level, w, out)
			}
		}
	}
}

func TestRecorderFunc(t *testing.T) {
	var got []types.EventType
	rec := RecorderFunc(func(e types.Event) { got = append(got, e.Type) })
	rec.Record(types.Event{Type: types.EventEndpointAdded})
	Discard.Record(types.Event{Type: types.EventEndpointRemoved})
	if len(got) != 1 || got[0] != types.EventEndpointAdded {
		t.Fatalf("unexpected events %v", got)
	}
}
