package sse_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/petalexec/bus"
	"github.com/petal-labs/petalexec/engine"
	"github.com/petal-labs/petalexec/sse"
)

func testEvent(invocationID string, seq uint64, kind engine.EventKind) engine.Event {
	return engine.Event{
		Kind:         kind,
		InvocationID: invocationID,
		Tool:         "echo",
		Time:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Elapsed:      time.Duration(seq) * time.Millisecond,
		Payload:      map[string]any{"seq_val": float64(seq)},
		Seq:          seq,
	}
}

// sseMessage is one parsed message from the stream.
type sseMessage struct {
	ID    string
	Event string
	Data  string
}

func parseSSEMessages(body string) []sseMessage {
	var msgs []sseMessage
	scanner := bufio.NewScanner(strings.NewReader(body))

	var current sseMessage
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current != (sseMessage{}) {
				msgs = append(msgs, current)
				current = sseMessage{}
			}
		case strings.HasPrefix(line, ": "):
		case strings.HasPrefix(line, "id: "):
			current.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	return msgs
}

func setupTestServer(handler *sse.Handler) *httptest.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /invocations/{invocation_id}/events", handler)
	return httptest.NewServer(mux)
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestHandlerReplaysFinishedInvocation(t *testing.T) {
	store := bus.NewMemEventStore(0)
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	ctx := context.Background()
	for _, e := range []engine.Event{
		testEvent("inv-1", 1, engine.EventInvocationStarted),
		testEvent("inv-1", 2, engine.EventAttemptState),
		testEvent("inv-1", 3, engine.EventAttemptFinished),
		testEvent("inv-1", 4, engine.EventInvocationFinished),
	} {
		if err := store.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	ts := setupTestServer(sse.NewHandler(store, eb))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/invocations/inv-1/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	msgs := parseSSEMessages(readAll(t, resp))
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	if msgs[0].ID != "1" || msgs[0].Event != "invocation.started" {
		t.Fatalf("first message = %+v", msgs[0])
	}
	if msgs[3].Event != "invocation.finished" {
		t.Fatalf("last message = %+v", msgs[3])
	}

	var data sse.Event
	if err := json.Unmarshal([]byte(msgs[2].Data), &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.InvocationID != "inv-1" || data.Tool != "echo" || data.ElapsedMs != 3 || data.Seq != 3 {
		t.Fatalf("data = %+v", data)
	}
}

func TestHandlerResumesAfterCursor(t *testing.T) {
	store := bus.NewMemEventStore(0)
	ctx := context.Background()
	for seq := uint64(1); seq <= 3; seq++ {
		kind := engine.EventAttemptState
		if seq == 3 {
			kind = engine.EventInvocationFinished
		}
		_ = store.Append(ctx, testEvent("inv-1", seq, kind))
	}

	ts := setupTestServer(sse.NewHandler(store, nil))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/invocations/inv-1/events?after=1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	msgs := parseSSEMessages(readAll(t, resp))
	if len(msgs) != 2 || msgs[0].ID != "2" {
		t.Fatalf("messages = %+v, want seq 2 and 3", msgs)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/invocations/inv-1/events", nil)
	req.Header.Set("Last-Event-ID", "2")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	msgs = parseSSEMessages(readAll(t, resp2))
	if len(msgs) != 1 || msgs[0].ID != "3" {
		t.Fatalf("Last-Event-ID messages = %+v, want seq 3", msgs)
	}
}

func TestHandlerInvalidCursor(t *testing.T) {
	ts := setupTestServer(sse.NewHandler(bus.NewMemEventStore(0), nil))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/invocations/inv-1/events?after=abc")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandlerNotConfigured(t *testing.T) {
	ts := setupTestServer(sse.NewHandler(nil, nil))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/invocations/inv-1/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", resp.StatusCode)
	}
}

func TestHandlerFollowsLiveEventsAndDedups(t *testing.T) {
	store := bus.NewMemEventStore(0)
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()
	record := bus.Recorder(store, eb, nil)

	record(testEvent("inv-1", 1, engine.EventInvocationStarted))

	ts := setupTestServer(sse.NewHandler(store, eb))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/invocations/inv-1/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	first := readMessage(t, reader)
	if first.ID != "1" {
		t.Fatalf("first message = %+v", first)
	}

	deadline := time.Now().Add(2 * time.Second)
	for eb.Subscribers("inv-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A duplicate of an already-sent event must be skipped.
	eb.Publish(testEvent("inv-1", 1, engine.EventInvocationStarted))
	record(testEvent("inv-1", 2, engine.EventAttemptFinished))
	record(testEvent("inv-1", 3, engine.EventInvocationFinished))

	if msg := readMessage(t, reader); msg.ID != "2" {
		t.Fatalf("second message = %+v, want seq 2", msg)
	}
	if msg := readMessage(t, reader); msg.ID != "3" || msg.Event != "invocation.finished" {
		t.Fatalf("third message = %+v, want invocation.finished", msg)
	}
	if rest, _ := io.ReadAll(reader); len(parseSSEMessages(string(rest))) != 0 {
		t.Fatalf("stream continued after invocation.finished: %q", rest)
	}
}

func TestHandlerHeartbeat(t *testing.T) {
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	ts := setupTestServer(sse.NewHandler(nil, eb).WithHeartbeat(10 * time.Millisecond))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/invocations/inv-1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read heartbeat: %v", err)
	}
	if line != ": ping\n" {
		t.Fatalf("line = %q, want heartbeat", line)
	}
}

// readMessage reads lines until one full SSE message has been parsed.
func readMessage(t *testing.T, reader *bufio.Reader) sseMessage {
	t.Helper()
	var raw strings.Builder
	for {
		line, err := reader.ReadString('\n')
		raw.WriteString(line)
		if err != nil {
			t.Fatalf("read message: %v (partial %q)", err, raw.String())
		}
		if line == "\n" {
			if msgs := parseSSEMessages(raw.String()); len(msgs) > 0 {
				return msgs[0]
			}
		}
	}
}
