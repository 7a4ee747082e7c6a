package bot

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"relaybot/internal/agent"
	"relaybot/internal/brain"
	"relaybot/internal/kvstore"
	"relaybot/internal/notify"
	"relaybot/internal/session"
	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

type sentMessage struct {
	ChatID int64
	Text   string
}

type fakeAdapter struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                               { return nil }
func (f *fakeAdapter) SetCommands(ctx context.Context, cmds []transport.Command) error {
	return nil
}

func (f *fakeAdapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{ChatID: to.ChatID, Text: text})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

type askCall struct {
	Platform, UserID, Prompt string
}

type fakeClient struct {
	living bool
	resp   agent.Response

	mu    sync.Mutex
	calls []askCall
}

func (c *fakeClient) Ask(ctx context.Context, prompt, resume string) agent.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, askCall{Prompt: prompt})
	return c.resp
}

func (c *fakeClient) AskAs(ctx context.Context, platform, userID, message string) agent.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, askCall{Platform: platform, UserID: userID, Prompt: message})
	return c.resp
}

func (c *fakeClient) Living() bool { return c.living }

func newTestBot(t *testing.T, cfg Config, client *fakeClient) (*Service, *fakeAdapter) {
	t.Helper()
	adapter := &fakeAdapter{}
	runner := agent.NewRunner(agent.Options{Model: "sonnet"}, logx.Nop())
	return New(cfg, adapter, client, runner, logx.Nop()), adapter
}

func msgFrom(userID int64, text string) transport.Message {
	return transport.Message{ID: 1, ChatID: userID, FromID: userID, Text: text}
}

func TestAllowlistBlocksUnlistedUser(t *testing.T) {
	t.Parallel()
	client := &fakeClient{resp: agent.Response{Text: "hi"}}
	s, adapter := newTestBot(t, Config{AllowedUsers: []int64{1}}, client)

	s.handleMessage(context.Background(), msgFrom(2, "hello"))

	if len(adapter.messages()) != 0 || len(client.calls) != 0 {
		t.Fatalf("unlisted user reached the agent: sends=%d calls=%d",
			len(adapter.messages()), len(client.calls))
	}
}

func TestEmptyAllowlistAllowsEveryone(t *testing.T) {
	t.Parallel()
	client := &fakeClient{resp: agent.Response{Text: "hi"}}
	s, adapter := newTestBot(t, Config{}, client)

	s.handleMessage(context.Background(), msgFrom(99, "hello"))

	if len(adapter.messages()) != 1 {
		t.Fatalf("sends = %d, want 1", len(adapter.messages()))
	}
}

func TestPlainTextForwardedWithFooter(t *testing.T) {
	t.Parallel()
	client := &fakeClient{resp: agent.Response{Text: "the answer", CostUSD: 0.0123, NumTurns: 3}}
	s, adapter := newTestBot(t, Config{}, client)

	s.handleMessage(context.Background(), msgFrom(7, "what is up"))

	if len(client.calls) != 1 {
		t.Fatalf("agent calls = %d, want 1", len(client.calls))
	}
	call := client.calls[0]
	if call.Platform != "telegram" || call.UserID != "7" || call.Prompt != "what is up" {
		t.Fatalf("unexpected agent call: %+v", call)
	}

	sent := adapter.messages()
	if len(sent) != 1 {
		t.Fatalf("sends = %d, want 1", len(sent))
	}
	if !strings.Contains(sent[0].Text, "the answer") {
		t.Fatalf("reply missing agent text: %q", sent[0].Text)
	}
	if !strings.Contains(sent[0].Text, "[cost=$0.0123 | turns=3]") {
		t.Fatalf("reply missing cost footer: %q", sent[0].Text)
	}
}

func TestErrorResponseLabeled(t *testing.T) {
	t.Parallel()
	client := &fakeClient{resp: agent.Response{Text: "boom", IsError: true}}
	s, adapter := newTestBot(t, Config{}, client)

	s.handleMessage(context.Background(), msgFrom(7, "do it"))

	sent := adapter.messages()
	if len(sent) != 1 || !strings.HasPrefix(sent[0].Text, "Error: boom") {
		t.Fatalf("error reply wrong: %+v", sent)
	}
}

func TestAskCommand(t *testing.T) {
	t.Parallel()
	client := &fakeClient{resp: agent.Response{Text: "done"}}
	s, adapter := newTestBot(t, Config{}, client)

	s.handleMessage(context.Background(), msgFrom(7, "/ask"))
	sent := adapter.messages()
	if len(sent) != 1 || !strings.Contains(sent[0].Text, "Usage: /ask") {
		t.Fatalf("bare /ask reply wrong: %+v", sent)
	}
	if len(client.calls) != 0 {
		t.Fatal("bare /ask must not reach the agent")
	}

	s.handleMessage(context.Background(), msgFrom(7, "/ask review the logs"))
	if len(client.calls) != 1 || client.calls[0].Prompt != "review the logs" {
		t.Fatalf("agent calls = %+v", client.calls)
	}
}

func TestProjectCommand(t *testing.T) {
	t.Parallel()
	client := &fakeClient{}
	s, adapter := newTestBot(t, Config{}, client)

	s.handleMessage(context.Background(), msgFrom(7, "/project"))
	sent := adapter.messages()
	if len(sent) != 1 || !strings.Contains(sent[0].Text, "Usage: /project") {
		t.Fatalf("bare /project reply wrong: %+v", sent)
	}

	dir := t.TempDir()
	s.handleMessage(context.Background(), msgFrom(7, "/project "+dir))
	if got := s.runner.ProjectDir(); got != dir {
		t.Fatalf("project dir = %q, want %q", got, dir)
	}

	s.handleMessage(context.Background(), msgFrom(7, "/project "+filepath.Join(dir, "nope")))
	sent = adapter.messages()
	last := sent[len(sent)-1]
	if !strings.Contains(last.Text, "Directory not found") {
		t.Fatalf("missing-dir reply wrong: %q", last.Text)
	}
	if got := s.runner.ProjectDir(); got != dir {
		t.Fatalf("failed switch must not change the dir: %q", got)
	}
}

func TestModelCommand(t *testing.T) {
	t.Parallel()
	client := &fakeClient{}
	s, adapter := newTestBot(t, Config{}, client)

	s.handleMessage(context.Background(), msgFrom(7, "/model"))
	sent := adapter.messages()
	if len(sent) != 1 || !strings.Contains(sent[0].Text, "Current model: sonnet") {
		t.Fatalf("bare /model reply wrong: %+v", sent)
	}

	s.handleMessage(context.Background(), msgFrom(7, "/model opus"))
	if got := s.runner.Model(); got != "opus" {
		t.Fatalf("model = %q, want opus", got)
	}
}

func TestLivingCommandsRefusedInStatelessMode(t *testing.T) {
	t.Parallel()
	client := &fakeClient{living: false}
	s, adapter := newTestBot(t, Config{}, client)

	for _, cmd := range []string{"/reset", "/brain", "/notify"} {
		s.handleMessage(context.Background(), msgFrom(7, cmd))
	}
	sent := adapter.messages()
	if len(sent) != 3 {
		t.Fatalf("sends = %d, want 3", len(sent))
	}
	for _, m := range sent {
		if !strings.Contains(m.Text, "only available in living agent mode") {
			t.Fatalf("stateless refusal wrong: %q", m.Text)
		}
	}
}

func TestResetClearsSession(t *testing.T) {
	t.Parallel()
	client := &fakeClient{living: true}
	s, _ := newTestBot(t, Config{}, client)

	dir := t.TempDir()
	sessions := session.New(filepath.Join(dir, "sessions.json"), logx.Nop())
	s.EnableLiving(
		brain.New(filepath.Join(dir, "brain.md"), logx.Nop()),
		sessions,
		notify.NewQueue(filepath.Join(dir, "notifications.json"), logx.Nop()),
		kvstore.New[bool](filepath.Join(dir, "prefs.json"), 0, logx.Nop()),
	)

	if err := sessions.Set("telegram", "7", "sess-abc"); err != nil {
		t.Fatal(err)
	}
	s.handleMessage(context.Background(), msgFrom(7, "/reset"))

	token, err := sessions.Get("telegram", "7")
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		t.Fatalf("session not cleared: %q", token)
	}
}

func TestNotifyToggleAndDelivery(t *testing.T) {
	t.Parallel()
	client := &fakeClient{living: true}
	s, adapter := newTestBot(t, Config{}, client)

	dir := t.TempDir()
	queue := notify.NewQueue(filepath.Join(dir, "notifications.json"), logx.Nop())
	prefs := kvstore.New[bool](filepath.Join(dir, "prefs.json"), 0, logx.Nop())
	s.EnableLiving(
		brain.New(filepath.Join(dir, "brain.md"), logx.Nop()),
		session.New(filepath.Join(dir, "sessions.json"), logx.Nop()),
		queue, prefs,
	)

	// User 7 opts in, user 8 does not.
	s.handleMessage(context.Background(), msgFrom(7, "/notify"))
	sent := adapter.messages()
	if !strings.Contains(sent[len(sent)-1].Text, "notifications enabled") {
		t.Fatalf("toggle reply wrong: %q", sent[len(sent)-1].Text)
	}

	if err := queue.PushBroadcast("telegram", "deploy finished", "scheduler:deploy"); err != nil {
		t.Fatal(err)
	}
	if err := queue.Push("telegram", "8", "private note", "test"); err != nil {
		t.Fatal(err)
	}

	before := len(adapter.messages())
	s.flushNotifications(context.Background())
	delivered := adapter.messages()[before:]

	// Broadcast reaches the single opted-in user; the targeted entry for the
	// non-opted-in user is dropped.
	if len(delivered) != 1 {
		t.Fatalf("delivered = %d, want 1: %+v", len(delivered), delivered)
	}
	if delivered[0].ChatID != 7 {
		t.Fatalf("delivered to chat %d, want 7", delivered[0].ChatID)
	}
	if !strings.HasPrefix(delivered[0].Text, "[Notification]\n") {
		t.Fatalf("missing notification prefix: %q", delivered[0].Text)
	}
	if !strings.Contains(delivered[0].Text, "deploy finished") {
		t.Fatalf("wrong body: %q", delivered[0].Text)
	}

	// Toggling off stops future broadcasts.
	s.handleMessage(context.Background(), msgFrom(7, "/notify"))
	if err := queue.PushBroadcast("telegram", "again", "test"); err != nil {
		t.Fatal(err)
	}
	before = len(adapter.messages())
	s.flushNotifications(context.Background())
	if extra := adapter.messages()[before:]; len(extra) != 0 {
		t.Fatalf("opted-out user still notified: %+v", extra)
	}
}

func TestUnknownCommandIgnored(t *testing.T) {
	t.Parallel()
	client := &fakeClient{}
	s, adapter := newTestBot(t, Config{}, client)

	s.handleMessage(context.Background(), msgFrom(7, "/frobnicate now"))

	if len(adapter.messages()) != 0 || len(client.calls) != 0 {
		t.Fatal("unknown command must be ignored")
	}
}

func TestCommandWithBotSuffix(t *testing.T) {
	t.Parallel()
	client := &fakeClient{resp: agent.Response{Text: "ok"}}
	s, _ := newTestBot(t, Config{}, client)

	s.handleMessage(context.Background(), msgFrom(7, "/ask@relay_bot ping"))
	if len(client.calls) != 1 || client.calls[0].Prompt != "ping" {
		t.Fatalf("group-suffixed command not routed: %+v", client.calls)
	}
}

func TestSplitMessage(t *testing.T) {
	t.Parallel()
	if got := splitMessage("short", 100); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text split: %v", got)
	}

	long := strings.Repeat("line one\n", 3) + strings.Repeat("x", 50)
	chunks := splitMessage(long, 30)
	if len(chunks) < 2 {
		t.Fatalf("long text not split: %v", chunks)
	}
	for i, c := range chunks {
		if len(c) > 30 {
			t.Fatalf("chunk %d over limit: %d chars", i, len(c))
		}
	}
	if joined := strings.Join(chunks, ""); !strings.Contains(joined, strings.Repeat("x", 50)) {
		t.Fatalf("content lost in split: %q", joined)
	}

	// No newline anywhere forces a hard split at the limit.
	hard := splitMessage(strings.Repeat("y", 70), 30)
	if len(hard) != 3 {
		t.Fatalf("hard split chunks = %d, want 3", len(hard))
	}
}
