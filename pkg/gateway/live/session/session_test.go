package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voxgate/voxgate/pkg/core/chat"
	"github.com/voxgate/voxgate/pkg/core/voice/stt"
	"github.com/voxgate/voxgate/pkg/core/voice/tts"
	"github.com/voxgate/voxgate/pkg/gateway/live/sessions"
	"github.com/voxgate/voxgate/pkg/storage"
)

type fakeConn struct {
	mu      sync.Mutex
	inbound chan []byte
	writes  [][]byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	if messageType != websocket.TextMessage {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetReadLimit(int64)                        {}
func (c *fakeConn) SetPongHandler(func(string) error)         {}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(t *testing.T, frame string) {
	t.Helper()
	select {
	case c.inbound <- []byte(frame):
	case <-time.After(time.Second):
		t.Fatal("timed out sending frame")
	}
}

// eventTypes returns the "type" of every frame written so far.
func (c *fakeConn) eventTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.writes))
	for _, w := range c.writes {
		var envelope struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(w, &envelope)
		out = append(out, envelope.Type)
	}
	return out
}

func (c *fakeConn) eventsOf(eventType string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, w := range c.writes {
		var m map[string]any
		if err := json.Unmarshal(w, &m); err != nil {
			continue
		}
		if m["type"] == eventType {
			out = append(out, m)
		}
	}
	return out
}

// waitFor polls until cond passes or the deadline hits.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeSTT struct {
	mu    sync.Mutex
	text  string
	err   error
	audio []byte
}

func (f *fakeSTT) Name() string { return "fake" }

func (f *fakeSTT) Transcribe(_ context.Context, audio io.Reader, _ stt.TranscribeOptions) (*stt.Transcript, error) {
	data, _ := io.ReadAll(audio)
	f.mu.Lock()
	f.audio = data
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &stt.Transcript{Text: f.text}, nil
}

type fakeChat struct {
	mu      sync.Mutex
	reply   string
	err     error
	lastReq *chat.Request
	block   chan struct{}
}

func (f *fakeChat) Name() string { return "fake" }

func (f *fakeChat) Complete(ctx context.Context, req *chat.Request) (string, error) {
	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeChat) last() *chat.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

type fakeTTS struct {
	chunks [][]byte
	err    error
}

func (f *fakeTTS) Name() string { return "fake" }

func (f *fakeTTS) SynthesizeStream(context.Context, string, tts.SynthesizeOptions) (*tts.SynthesisStream, error) {
	stream := tts.NewSynthesisStream()
	go func() {
		defer stream.FinishSending()
		for _, chunk := range f.chunks {
			if !stream.Send(chunk) {
				return
			}
		}
		if f.err != nil {
			stream.SetError(f.err)
		}
	}()
	return stream, nil
}

type testRig struct {
	conn     *fakeConn
	store    *storage.MemStore
	stt      *fakeSTT
	chat     *fakeChat
	tts      *fakeTTS
	registry *sessions.Registry
	handler  *Handler
	done     chan struct{}
	chatID   int64
}

func newTestRig(t *testing.T, cfg Config) *testRig {
	t.Helper()
	rig := &testRig{
		conn:     newFakeConn(),
		store:    storage.NewMemStore(),
		stt:      &fakeSTT{text: "hello world"},
		chat:     &fakeChat{reply: "hi there"},
		tts:      &fakeTTS{chunks: [][]byte{[]byte("audio-bytes")}},
		registry: sessions.NewRegistry(30 * time.Minute),
		done:     make(chan struct{}),
	}

	c, err := rig.store.CreateChat(context.Background(), "7", "test chat")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	rig.chatID = c.ID

	h, err := New(Dependencies{
		Conn:     rig.conn,
		Store:    rig.store,
		STT:      rig.stt,
		TTS:      rig.tts,
		Chat:     rig.chat,
		Registry: rig.registry,
		Config:   cfg,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rig.handler = h

	go func() {
		defer close(rig.done)
		_ = h.Run()
	}()
	t.Cleanup(func() {
		rig.conn.Close()
		select {
		case <-rig.done:
		case <-time.After(2 * time.Second):
			t.Error("handler did not stop")
		}
	})
	return rig
}

func (r *testRig) authFrame() string {
	return `{"type":"auth","userId":7,"email":"a@b.com","chatId":` + jsonInt(r.chatID) + `}`
}

func jsonInt(n int64) string {
	data, _ := json.Marshal(n)
	return string(data)
}

func (r *testRig) authenticate(t *testing.T) {
	t.Helper()
	r.conn.send(t, r.authFrame())
	waitFor(t, "auth_success", func() bool {
		return len(r.conn.eventsOf("auth_success")) == 1
	})
}

func speechFrame(audio []byte) string {
	return `{"type":"speech","audioData":"` + base64.StdEncoding.EncodeToString(audio) + `","useweb":false,"usedb":false,"db":""}`
}

func TestPreAuthSpeechClosesConnection(t *testing.T) {
	rig := newTestRig(t, Config{})

	rig.conn.send(t, speechFrame([]byte("pcm")))

	select {
	case <-rig.done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not close after pre-auth violation")
	}

	errs := rig.conn.eventsOf("error")
	if len(errs) != 1 {
		t.Fatalf("got %d error events, want 1: %v", len(errs), errs)
	}
	if errs[0]["message"] != "Authenticate first" {
		t.Errorf("error message = %q", errs[0]["message"])
	}
	if msgs := rig.store.Messages(rig.chatID); len(msgs) != 0 {
		t.Errorf("store has %d messages, want 0", len(msgs))
	}
}

func TestAuthSuccess(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.authenticate(t)

	types := rig.conn.eventTypes()
	if len(types) < 2 || types[0] != "connected" || types[1] != "auth_success" {
		t.Fatalf("event order = %v, want [connected auth_success]", types)
	}
	if rig.registry.Count() != 1 {
		t.Errorf("registry count = %d, want 1", rig.registry.Count())
	}
}

func TestAuthRejectsForeignChat(t *testing.T) {
	rig := newTestRig(t, Config{})
	other, err := rig.store.CreateChat(context.Background(), "someone-else", "not yours")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}

	rig.conn.send(t, `{"type":"auth","userId":7,"email":"a@b.com","chatId":`+jsonInt(other.ID)+`}`)
	waitFor(t, "error event", func() bool {
		return len(rig.conn.eventsOf("error")) == 1
	})
	if rig.registry.Count() != 0 {
		t.Errorf("registry count = %d, want 0", rig.registry.Count())
	}

	// The failed auth is recoverable; a correct auth still works.
	rig.authenticate(t)
}

func TestMalformedAuthPayloadIsRecoverable(t *testing.T) {
	rig := newTestRig(t, Config{})

	// Missing email: rejected with the decode error, but the connection
	// stays open so the client can retry with a corrected payload.
	rig.conn.send(t, `{"type":"auth","userId":7,"chatId":`+jsonInt(rig.chatID)+`}`)
	waitFor(t, "error event", func() bool {
		return len(rig.conn.eventsOf("error")) == 1
	})
	errs := rig.conn.eventsOf("error")
	if errs[0]["code"] != "bad_request" {
		t.Errorf("error code = %q, want %q", errs[0]["code"], "bad_request")
	}
	select {
	case <-rig.done:
		t.Fatal("connection closed on malformed auth payload")
	default:
	}

	rig.authenticate(t)
	if rig.registry.Count() != 1 {
		t.Errorf("registry count = %d, want 1", rig.registry.Count())
	}
}

func TestSpeechPipelineEventOrderAndPersistence(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.authenticate(t)

	rig.conn.send(t, speechFrame([]byte("raw-pcm")))
	waitFor(t, "speech_response", func() bool {
		return len(rig.conn.eventsOf("speech_response")) == 1
	})

	types := rig.conn.eventTypes()
	want := []string{"connected", "auth_success", "transcription", "ai_response", "speech_response"}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event types = %v, want %v", types, want)
		}
	}

	tr := rig.conn.eventsOf("transcription")[0]
	if tr["text"] != "hello world" {
		t.Errorf("transcription text = %q", tr["text"])
	}

	ai := rig.conn.eventsOf("ai_response")[0]
	userMsg := ai["userMessage"].(map[string]any)
	botMsg := ai["message"].(map[string]any)
	if userMsg["content"] != "hello world" || userMsg["isBot"] != false {
		t.Errorf("userMessage = %v", userMsg)
	}
	if botMsg["content"] != "hi there" || botMsg["isBot"] != true {
		t.Errorf("message = %v", botMsg)
	}
	if userMsg["dbType"] != "regular" || botMsg["dbType"] != "regular" {
		t.Errorf("dbType = %v / %v, want regular", userMsg["dbType"], botMsg["dbType"])
	}

	sr := rig.conn.eventsOf("speech_response")[0]
	audio, err := base64.StdEncoding.DecodeString(sr["audioData"].(string))
	if err != nil || string(audio) != "audio-bytes" {
		t.Errorf("speech_response audio = %q, err=%v", audio, err)
	}

	msgs := rig.store.Messages(rig.chatID)
	if len(msgs) != 2 {
		t.Fatalf("store has %d messages, want 2", len(msgs))
	}
	if msgs[0].IsBot || msgs[0].Content != "hello world" {
		t.Errorf("user row = %+v", msgs[0])
	}
	if !msgs[1].IsBot || msgs[1].Content != "hi there" {
		t.Errorf("bot row = %+v", msgs[1])
	}
	if msgs[1].CreatedAt.Before(msgs[0].CreatedAt) {
		t.Error("bot row created before user row")
	}

	if string(rig.stt.audio) != "raw-pcm" {
		t.Errorf("stt received %q", rig.stt.audio)
	}
}

func TestSpeechMissingAudioDataIsRecoverable(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.authenticate(t)

	rig.conn.send(t, `{"type":"speech","audioData":"","useweb":false,"usedb":false,"db":""}`)
	waitFor(t, "error event", func() bool {
		return len(rig.conn.eventsOf("error")) == 1
	})
	errs := rig.conn.eventsOf("error")
	if errs[0]["message"] != "Missing audio data" {
		t.Errorf("error message = %q", errs[0]["message"])
	}
	if msgs := rig.store.Messages(rig.chatID); len(msgs) != 0 {
		t.Errorf("store has %d messages, want 0", len(msgs))
	}

	// Session stays open: the next turn succeeds.
	rig.conn.send(t, speechFrame([]byte("pcm")))
	waitFor(t, "speech_response", func() bool {
		return len(rig.conn.eventsOf("speech_response")) == 1
	})
}

func TestSynthesisSizeCap(t *testing.T) {
	rig := newTestRig(t, Config{MaxAudioResponseBytes: 8})
	rig.tts.chunks = [][]byte{[]byte("12345"), []byte("67890")}
	rig.authenticate(t)

	rig.conn.send(t, speechFrame([]byte("pcm")))
	waitFor(t, "error event", func() bool {
		return len(rig.conn.eventsOf("error")) == 1
	})

	errs := rig.conn.eventsOf("error")
	if errs[0]["message"] != "Audio response too large to handle safely" {
		t.Errorf("error message = %q", errs[0]["message"])
	}
	if got := rig.conn.eventsOf("speech_response"); len(got) != 0 {
		t.Errorf("speech_response emitted despite overflow: %v", got)
	}
	// Earlier events still carry no partial audio.
	for _, typ := range rig.conn.eventTypes() {
		if typ == "speech_response" {
			t.Fatal("unexpected speech_response event")
		}
	}
}

func TestHistoryPassedToCompletion(t *testing.T) {
	rig := newTestRig(t, Config{})

	// Six prior turns, assistant entries carrying citation suffixes.
	for i := 0; i < 6; i++ {
		user := &storage.Message{UserID: "7", ChatID: rig.chatID, Content: "question", DBType: "regular"}
		if err := rig.store.AppendMessage(context.Background(), user); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		bot := &storage.Message{
			UserID: "7", ChatID: rig.chatID, IsBot: true, DBType: "regular",
			Content: "answer   with\n spaces ### Sources:\n[1] somewhere",
		}
		if err := rig.store.AppendMessage(context.Background(), bot); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	rig.authenticate(t)
	rig.conn.send(t, speechFrame([]byte("pcm")))
	waitFor(t, "speech_response", func() bool {
		return len(rig.conn.eventsOf("speech_response")) == 1
	})

	req := rig.chat.last()
	if req == nil {
		t.Fatal("chat provider was never called")
	}
	if req.Text != "hello world" {
		t.Errorf("request text = %q", req.Text)
	}
	if len(req.History) > 5 {
		t.Fatalf("history has %d entries, want at most 5", len(req.History))
	}
	for _, m := range req.History {
		if m.Role != chat.RoleAssistant {
			continue
		}
		if strings.Contains(m.Content, "###") || strings.Contains(m.Content, "Sources") {
			t.Errorf("assistant history not truncated: %q", m.Content)
		}
		if m.Content != "answer with spaces" {
			t.Errorf("assistant history = %q, want %q", m.Content, "answer with spaces")
		}
	}
	// The just-persisted transcript is not part of the history.
	for _, m := range req.History {
		if m.Content == "hello world" {
			t.Error("history includes the current transcript")
		}
	}
}

func TestSecondSpeechWhileBusyIsRejected(t *testing.T) {
	rig := newTestRig(t, Config{})
	release := make(chan struct{})
	rig.chat.block = release
	rig.authenticate(t)

	rig.conn.send(t, speechFrame([]byte("one")))
	waitFor(t, "first pipeline to reach completion call", func() bool {
		return rig.chat.last() != nil
	})

	rig.conn.send(t, speechFrame([]byte("two")))
	waitFor(t, "busy error", func() bool {
		return len(rig.conn.eventsOf("error")) == 1
	})
	if errs := rig.conn.eventsOf("error"); errs[0]["code"] != "busy" {
		t.Errorf("error code = %v, want busy", errs[0]["code"])
	}

	close(release)
	waitFor(t, "first pipeline to finish", func() bool {
		return len(rig.conn.eventsOf("speech_response")) == 1
	})
}

func TestUpstreamFailureIsSingleErrorEvent(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.chat.err = errors.New("completion backend unavailable")
	rig.authenticate(t)

	rig.conn.send(t, speechFrame([]byte("pcm")))
	waitFor(t, "error event", func() bool {
		return len(rig.conn.eventsOf("error")) == 1
	})
	if got := rig.conn.eventsOf("speech_response"); len(got) != 0 {
		t.Errorf("unexpected speech_response: %v", got)
	}

	// Transcription was emitted before the failure and the user row persisted.
	if len(rig.conn.eventsOf("transcription")) != 1 {
		t.Error("transcription event missing")
	}
	if msgs := rig.store.Messages(rig.chatID); len(msgs) != 1 || msgs[0].IsBot {
		t.Errorf("store rows = %+v, want one user row", msgs)
	}

	// Session remains usable.
	rig.chat.err = nil
	rig.conn.send(t, speechFrame([]byte("pcm")))
	waitFor(t, "speech_response", func() bool {
		return len(rig.conn.eventsOf("speech_response")) == 1
	})
}

func TestMalformedFramePostAuthIsRecoverable(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.authenticate(t)

	rig.conn.send(t, `{"type":"mystery"}`)
	waitFor(t, "error event", func() bool {
		return len(rig.conn.eventsOf("error")) == 1
	})

	select {
	case <-rig.done:
		t.Fatal("connection closed for a recoverable error")
	case <-time.After(50 * time.Millisecond):
	}
}
