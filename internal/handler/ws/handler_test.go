package ws

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/helicon-ai/docchat/internal/auth"
	"github.com/helicon-ai/docchat/internal/model/protocol"
	chatservice "github.com/helicon-ai/docchat/internal/service/chat"
	"github.com/helicon-ai/docchat/internal/service/ratelimit"
	"github.com/helicon-ai/docchat/internal/service/registry"
	"github.com/helicon-ai/docchat/internal/service/stream"
)

const testSecret = "handler-test-secret"

// fakeGenerator answers every question with a fixed chunk sequence.
type fakeGenerator struct {
	chunks []string
}

func (f *fakeGenerator) Stream(context.Context, stream.Request) (*schema.StreamReader[*schema.Message], error) {
	messages := make([]*schema.Message, len(f.chunks))
	for i, content := range f.chunks {
		messages[i] = &schema.Message{Role: schema.Assistant, Content: content}
	}
	return schema.StreamReaderFromArray(messages), nil
}

func (f *fakeGenerator) Generate(context.Context, stream.Request) (string, error) {
	return strings.Join(f.chunks, ""), nil
}

type testEnv struct {
	srv            *httptest.Server
	verifier       *auth.JWTVerifier
	store          *chatservice.MemoryStore
	conversationID int64
	ownerID        int64
}

// newTestEnv starts a server with one conversation owned by user 10.
// gen may be nil to simulate generation being unconfigured.
func newTestEnv(t *testing.T, limit int, gen stream.Generator) *testEnv {
	t.Helper()

	store := chatservice.NewMemoryStore()
	conversation := store.CreateConversation(context.Background(), 10, "docs")

	var driver *stream.Driver
	if gen != nil {
		driver = stream.New(gen, store)
	}

	verifier := auth.NewJWTVerifier(testSecret)
	handler := New(verifier, store, ratelimit.NewMemory(limit), registry.New(), driver)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testEnv{
		srv:            srv,
		verifier:       verifier,
		store:          store,
		conversationID: conversation.ID,
		ownerID:        10,
	}
}

func (e *testEnv) token(t *testing.T, identity auth.Identity) string {
	t.Helper()
	token, err := e.verifier.Sign(identity, time.Minute)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (e *testEnv) dial(t *testing.T, conversationID int64, token string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + fmt.Sprintf("/chat/ws/%d", conversationID)
	if token != "" {
		url += "?token=" + token
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	return conn
}

// dialOwner connects as the conversation owner and consumes the
// connection_established frame.
func (e *testEnv) dialOwner(t *testing.T) *websocket.Conn {
	t.Helper()

	conn := e.dial(t, e.conversationID, e.token(t, auth.Identity{UserID: e.ownerID, Username: "alice"}))
	env := readEnvelope(t, conn)
	if env.Type != protocol.TypeConnectionEstablished {
		t.Fatalf("expected connection_established, got %s", env.Type)
	}
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func envelopeData(t *testing.T, env protocol.Envelope) map[string]any {
	t.Helper()
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("unexpected data type %T", env.Data)
	}
	return data
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("expected the server to close the connection")
	}
	if !websocket.IsCloseError(err, code) {
		t.Fatalf("expected close code %d, got %v", code, err)
	}
}

func TestConnectMissingToken(t *testing.T) {
	env := newTestEnv(t, 20, &fakeGenerator{})
	conn := env.dial(t, env.conversationID, "")
	expectClose(t, conn, CloseCodeUnauthorized)
}

func TestConnectInvalidToken(t *testing.T) {
	env := newTestEnv(t, 20, &fakeGenerator{})
	conn := env.dial(t, env.conversationID, "not-a-real-token")
	expectClose(t, conn, CloseCodeUnauthorized)
}

func TestConnectAccessDenied(t *testing.T) {
	env := newTestEnv(t, 20, &fakeGenerator{})
	conn := env.dial(t, env.conversationID, env.token(t, auth.Identity{UserID: 20, Username: "mallory"}))
	expectClose(t, conn, CloseCodeForbidden)
}

func TestConnectAdminBypassesAccessCheck(t *testing.T) {
	env := newTestEnv(t, 20, &fakeGenerator{})
	conn := env.dial(t, env.conversationID, env.token(t, auth.Identity{UserID: 99, Username: "root", Admin: true}))

	got := readEnvelope(t, conn)
	if got.Type != protocol.TypeConnectionEstablished {
		t.Fatalf("expected connection_established, got %s", got.Type)
	}
}

func TestConnectionEstablishedPayload(t *testing.T) {
	env := newTestEnv(t, 20, &fakeGenerator{})
	conn := env.dial(t, env.conversationID, env.token(t, auth.Identity{UserID: env.ownerID, Username: "alice"}))

	got := readEnvelope(t, conn)
	if got.Type != protocol.TypeConnectionEstablished {
		t.Fatalf("expected connection_established, got %s", got.Type)
	}
	if got.ID == "" || got.Timestamp == "" {
		t.Fatalf("expected envelope id and timestamp, got %+v", got)
	}

	data := envelopeData(t, got)
	if data["conversation_id"] != float64(env.conversationID) || data["user_id"] != float64(env.ownerID) {
		t.Fatalf("unexpected payload: %v", data)
	}
}

func TestPingPong(t *testing.T) {
	env := newTestEnv(t, 20, &fakeGenerator{})
	conn := env.dialOwner(t)

	sendFrame(t, conn, `{"type":"ping"}`)

	got := readEnvelope(t, conn)
	if got.Type != protocol.TypePong {
		t.Fatalf("expected pong, got %s", got.Type)
	}
	data := envelopeData(t, got)
	if _, err := time.Parse(time.RFC3339Nano, data["timestamp"].(string)); err != nil {
		t.Fatalf("pong timestamp not RFC3339: %v", data["timestamp"])
	}
}

func TestChatMessageStreamFlow(t *testing.T) {
	env := newTestEnv(t, 20, &fakeGenerator{chunks: []string{"Hel", "lo."}})
	conn := env.dialOwner(t)

	sendFrame(t, conn, `{"type":"chat_message","data":{"content":"greet me"}}`)

	start := readEnvelope(t, conn)
	if start.Type != protocol.TypeStreamStart {
		t.Fatalf("expected stream_start, got %s", start.Type)
	}
	streamID := envelopeData(t, start)["stream_id"].(string)

	for i := 0; i < 2; i++ {
		chunk := readEnvelope(t, conn)
		if chunk.Type != protocol.TypeStreamChunk {
			t.Fatalf("expected stream_chunk, got %s", chunk.Type)
		}
		data := envelopeData(t, chunk)
		if data["stream_id"] != streamID {
			t.Fatalf("chunk carries wrong stream id: %v", data["stream_id"])
		}
		if data["chunk_index"] != float64(i) {
			t.Fatalf("expected chunk_index %d, got %v", i, data["chunk_index"])
		}
	}

	end := readEnvelope(t, conn)
	if end.Type != protocol.TypeStreamEnd {
		t.Fatalf("expected stream_end, got %s", end.Type)
	}
	if data := envelopeData(t, end); data["total_chunks"] != float64(2) {
		t.Fatalf("expected 2 chunks, got %v", data["total_chunks"])
	}

	saved := readEnvelope(t, conn)
	if saved.Type != protocol.TypeMessageSaved {
		t.Fatalf("expected message_saved, got %s", saved.Type)
	}
	if data := envelopeData(t, saved); data["answer"] != "Hello." {
		t.Fatalf("unexpected saved answer: %v", data["answer"])
	}

	messages, err := env.store.RecentMessages(context.Background(), env.conversationID, 10)
	if err != nil {
		t.Fatalf("RecentMessages err: %v", err)
	}
	if len(messages) != 1 || messages[0].Answer != "Hello." {
		t.Fatalf("unexpected persisted exchange: %+v", messages)
	}
}

func TestNonStreamingChatMessage(t *testing.T) {
	env := newTestEnv(t, 20, &fakeGenerator{chunks: []string{"Hello."}})
	conn := env.dialOwner(t)

	sendFrame(t, conn, `{"type":"chat_message","data":{"content":"greet me","stream":false}}`)

	got := readEnvelope(t, conn)
	if got.Type != protocol.TypeChatMessage {
		t.Fatalf("expected chat_message, got %s", got.Type)
	}
	if data := envelopeData(t, got); data["content"] != "Hello." {
		t.Fatalf("unexpected content: %v", data["content"])
	}

	saved := readEnvelope(t, conn)
	if saved.Type != protocol.TypeMessageSaved {
		t.Fatalf("expected message_saved, got %s", saved.Type)
	}
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	env := newTestEnv(t, 20, &fakeGenerator{})
	conn := env.dialOwner(t)

	sendFrame(t, conn, `this is not json`)

	got := readEnvelope(t, conn)
	if got.Type != protocol.TypeError {
		t.Fatalf("expected error, got %s", got.Type)
	}
	if data := envelopeData(t, got); data["error_code"] != protocol.CodeMalformedFrame {
		t.Fatalf("unexpected error code: %v", data["error_code"])
	}

	// The connection survives the bad frame.
	sendFrame(t, conn, `{"type":"ping"}`)
	if got := readEnvelope(t, conn); got.Type != protocol.TypePong {
		t.Fatalf("expected pong after bad frame, got %s", got.Type)
	}
}

func TestUnsupportedMessageType(t *testing.T) {
	env := newTestEnv(t, 20, &fakeGenerator{})
	conn := env.dialOwner(t)

	sendFrame(t, conn, `{"type":"telepathy","data":{}}`)

	got := readEnvelope(t, conn)
	if got.Type != protocol.TypeError {
		t.Fatalf("expected error, got %s", got.Type)
	}
	if data := envelopeData(t, got); data["error_code"] != protocol.CodeUnsupportedType {
		t.Fatalf("unexpected error code: %v", data["error_code"])
	}
}

func TestEmptyChatMessage(t *testing.T) {
	env := newTestEnv(t, 20, &fakeGenerator{})
	conn := env.dialOwner(t)

	sendFrame(t, conn, `{"type":"chat_message","data":{"content":"   "}}`)

	got := readEnvelope(t, conn)
	if got.Type != protocol.TypeError {
		t.Fatalf("expected error, got %s", got.Type)
	}
	if data := envelopeData(t, got); data["error_code"] != protocol.CodeEmptyMessage {
		t.Fatalf("unexpected error code: %v", data["error_code"])
	}
}

func TestRateLimitWarning(t *testing.T) {
	env := newTestEnv(t, 1, &fakeGenerator{chunks: []string{"ok"}})
	conn := env.dialOwner(t)

	sendFrame(t, conn, `{"type":"chat_message","data":{"content":"first"}}`)
	for {
		if got := readEnvelope(t, conn); got.Type == protocol.TypeMessageSaved {
			break
		}
	}

	sendFrame(t, conn, `{"type":"chat_message","data":{"content":"second"}}`)

	got := readEnvelope(t, conn)
	if got.Type != protocol.TypeRateLimitWarning {
		t.Fatalf("expected rate_limit_warning, got %s", got.Type)
	}
	data := envelopeData(t, got)
	if data["remaining"] != float64(0) {
		t.Fatalf("expected 0 remaining, got %v", data["remaining"])
	}
	if _, err := time.Parse(time.RFC3339Nano, data["reset_time"].(string)); err != nil {
		t.Fatalf("reset_time not RFC3339: %v", data["reset_time"])
	}
}

func TestGenerationUnavailable(t *testing.T) {
	env := newTestEnv(t, 20, nil)
	conn := env.dialOwner(t)

	sendFrame(t, conn, `{"type":"chat_message","data":{"content":"hello"}}`)

	got := readEnvelope(t, conn)
	if got.Type != protocol.TypeError {
		t.Fatalf("expected error, got %s", got.Type)
	}
	if data := envelopeData(t, got); data["error_code"] != protocol.CodeGenerationError {
		t.Fatalf("unexpected error code: %v", data["error_code"])
	}
}

func TestTypingBroadcast(t *testing.T) {
	env := newTestEnv(t, 20, &fakeGenerator{})
	owner := env.dialOwner(t)

	peer := env.dial(t, env.conversationID, env.token(t, auth.Identity{UserID: 99, Username: "root", Admin: true}))
	if got := readEnvelope(t, peer); got.Type != protocol.TypeConnectionEstablished {
		t.Fatalf("expected connection_established for peer, got %s", got.Type)
	}

	// The owner sees the peer join.
	joined := readEnvelope(t, owner)
	if joined.Type != protocol.TypeStatusUpdate {
		t.Fatalf("expected status_update, got %s", joined.Type)
	}
	data := envelopeData(t, joined)
	if data["user_id"] != float64(99) || data["status"] != StatusJoined {
		t.Fatalf("unexpected join payload: %v", data)
	}

	sendFrame(t, owner, `{"type":"typing","data":{"is_typing":true}}`)

	typing := readEnvelope(t, peer)
	if typing.Type != protocol.TypeTypingBroadcast {
		t.Fatalf("expected typing_broadcast, got %s", typing.Type)
	}
	data = envelopeData(t, typing)
	if data["user_id"] != float64(env.ownerID) || data["is_typing"] != true {
		t.Fatalf("unexpected typing payload: %v", data)
	}
}

func TestLeaveBroadcast(t *testing.T) {
	env := newTestEnv(t, 20, &fakeGenerator{})
	owner := env.dialOwner(t)

	peer := env.dial(t, env.conversationID, env.token(t, auth.Identity{UserID: 99, Username: "root", Admin: true}))
	if got := readEnvelope(t, peer); got.Type != protocol.TypeConnectionEstablished {
		t.Fatalf("expected connection_established for peer, got %s", got.Type)
	}
	if got := readEnvelope(t, owner); got.Type != protocol.TypeStatusUpdate {
		t.Fatalf("expected join status_update, got %s", got.Type)
	}

	peer.Close()

	left := readEnvelope(t, owner)
	if left.Type != protocol.TypeStatusUpdate {
		t.Fatalf("expected status_update, got %s", left.Type)
	}
	data := envelopeData(t, left)
	if data["user_id"] != float64(99) || data["status"] != StatusLeft {
		t.Fatalf("unexpected leave payload: %v", data)
	}
}

func TestDuplicateConnectionDisplacesOld(t *testing.T) {
	env := newTestEnv(t, 20, &fakeGenerator{})
	first := env.dialOwner(t)
	second := env.dialOwner(t)

	// The first transport is closed by the server.
	first.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatal("expected the displaced connection to be closed")
	}

	// The replacement keeps working.
	sendFrame(t, second, `{"type":"ping"}`)
	if got := readEnvelope(t, second); got.Type != protocol.TypePong {
		t.Fatalf("expected pong on replacement connection, got %s", got.Type)
	}
}
