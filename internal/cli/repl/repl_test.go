package repl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yndnr/chatmesh-go/internal/cli/connection"
	"github.com/yndnr/chatmesh-go/internal/core/domain"
)

type call struct {
	cmd  string
	args map[string]any
}

// fakeClient answers calls from a table of canned results.
type fakeClient struct {
	mu      sync.Mutex
	calls   []call
	results map[string]any
	errs    map[string]error
	uploads []connection.UploadTarget
}

func newFakeClient() *fakeClient {
	return &fakeClient{results: map[string]any{}, errs: map[string]error{}}
}

func (f *fakeClient) Call(_ context.Context, cmd string, args, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var m map[string]any
	if args != nil {
		raw, _ := json.Marshal(args)
		_ = json.Unmarshal(raw, &m)
	}
	f.calls = append(f.calls, call{cmd: cmd, args: m})
	if err := f.errs[cmd]; err != nil {
		return err
	}
	if res, ok := f.results[cmd]; ok && out != nil {
		raw, _ := json.Marshal(res)
		return json.Unmarshal(raw, out)
	}
	return nil
}

func (f *fakeClient) Upload(_ context.Context, path string, target connection.UploadTarget, progress connection.ProgressFunc) (*domain.FileRecord, error) {
	f.mu.Lock()
	f.uploads = append(f.uploads, target)
	f.mu.Unlock()
	progress(5, 10)
	progress(10, 10)
	return &domain.FileRecord{Filename: filepath.Base(path), Size: 10, Category: domain.CategoryDocument, Digest: "abc"}, nil
}

func (f *fakeClient) last() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return call{}
	}
	return f.calls[len(f.calls)-1]
}

func newTestREPL(t *testing.T, client Client, input string, opts ...Option) (*REPL, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	opts = append([]Option{
		WithInput(strings.NewReader(input)),
		WithOutput(&out),
		WithHistory(NewHistory(filepath.Join(t.TempDir(), "history"))),
	}, opts...)
	return New(client, opts...), &out
}

func TestREPL_Run(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantCalls int
	}{
		{name: "quit", input: "/quit\n/ping\n", wantCalls: 0},
		{name: "exit alias", input: "/exit\n", wantCalls: 0},
		{name: "eof", input: "/ping\n", wantCalls: 1},
		{name: "blank lines skipped", input: "\n   \n/ping\n\n", wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeClient()
			r, _ := newTestREPL(t, client, tt.input)
			if err := r.Run(context.Background()); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if len(client.calls) != tt.wantCalls {
				t.Errorf("calls = %d, want %d", len(client.calls), tt.wantCalls)
			}
		})
	}
}

func TestREPL_Run_ErrorsDoNotStop(t *testing.T) {
	client := newFakeClient()
	client.errs["ping"] = errors.New("boom")
	r, out := newTestREPL(t, client, "/ping\n/nope\n/ping\n")

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(client.calls) != 2 {
		t.Errorf("calls = %d, want 2", len(client.calls))
	}
	if !strings.Contains(out.String(), "error: boom") || !strings.Contains(out.String(), "unknown command /nope") {
		t.Errorf("output = %q", out.String())
	}
}

func TestREPL_Login(t *testing.T) {
	client := newFakeClient()
	client.results["login"] = map[string]any{"token": "tok-1", "user_id": 7, "username": "alice", "expires_at": time.Now().Add(time.Hour)}

	var saved string
	r, out := newTestREPL(t, client, "", WithTokenSink(func(tok string) { saved = tok }))

	if err := r.Execute(context.Background(), "/login alice s3cret"); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if c := client.last(); c.cmd != "login" || c.args["username"] != "alice" || c.args["password"] != "s3cret" {
		t.Errorf("call = %+v", c)
	}
	if saved != "tok-1" {
		t.Errorf("token sink got %q", saved)
	}
	if r.Prompt() != "alice> " {
		t.Errorf("Prompt() = %q", r.Prompt())
	}
	if !strings.Contains(out.String(), "signed in as alice") {
		t.Errorf("output = %q", out.String())
	}

	if err := r.Execute(context.Background(), "/login alice"); err == nil || !strings.Contains(err.Error(), "usage") {
		t.Errorf("short /login error = %v, want usage", err)
	}
}

func TestREPL_Targets(t *testing.T) {
	client := newFakeClient()
	r, _ := newTestREPL(t, client, "")
	ctx := context.Background()

	if err := r.Execute(ctx, "hello"); err == nil {
		t.Error("sending without a target should fail")
	}

	if err := r.Execute(ctx, "/join 3 pw"); err != nil {
		t.Fatalf("/join error = %v", err)
	}
	if c := client.last(); c.cmd != "join_room" || c.args["room_id"] != float64(3) || c.args["password"] != "pw" {
		t.Errorf("join call = %+v", c)
	}
	if r.Prompt() != "[#3] guest> " {
		t.Errorf("Prompt() = %q", r.Prompt())
	}

	if err := r.Execute(ctx, "hello room"); err != nil {
		t.Fatalf("send error = %v", err)
	}
	if c := client.last(); c.cmd != "send" || c.args["room_id"] != float64(3) || c.args["content"] != "hello room" {
		t.Errorf("send call = %+v", c)
	}

	if err := r.Execute(ctx, "/dm bob"); err != nil {
		t.Fatal(err)
	}
	if err := r.Execute(ctx, "psst"); err != nil {
		t.Fatal(err)
	}
	if c := client.last(); c.args["to"] != "bob" || c.args["room_id"] != float64(0) {
		t.Errorf("dm call = %+v", c)
	}

	if err := r.Execute(ctx, "/room 3"); err != nil {
		t.Fatal(err)
	}
	if err := r.Execute(ctx, "/leave 3"); err != nil {
		t.Fatal(err)
	}
	if r.Prompt() != "guest> " {
		t.Errorf("leaving the current room should clear the target, prompt %q", r.Prompt())
	}

	for _, bad := range []string{"/join x", "/join 0", "/leave", "/room -1"} {
		if err := r.Execute(ctx, bad); err == nil {
			t.Errorf("Execute(%q) expected usage error", bad)
		}
	}
}

func TestREPL_CreateSetsTarget(t *testing.T) {
	client := newFakeClient()
	client.results["create_room"] = map[string]any{"room": domain.RoomInfo{ID: 9, Name: "ops"}}
	r, out := newTestREPL(t, client, "")

	if err := r.Execute(context.Background(), "/create ops secret"); err != nil {
		t.Fatalf("/create error = %v", err)
	}
	if len(client.calls) != 1 || client.calls[0].cmd != "create_room" {
		t.Fatalf("calls = %+v", client.calls)
	}
	if client.calls[0].args["password"] != "secret" || client.calls[0].args["name"] != "ops" {
		t.Errorf("create args = %+v", client.calls[0].args)
	}
	if !strings.Contains(out.String(), "created #9 ops") {
		t.Errorf("output = %q", out.String())
	}
	if r.Prompt() != "[#9] guest> " {
		t.Errorf("Prompt() = %q", r.Prompt())
	}
}

func TestREPL_Listings(t *testing.T) {
	client := newFakeClient()
	client.results["rooms"] = map[string]any{"rooms": []domain.RoomInfo{{ID: 1, Name: "general", Members: 4, Online: 2}}}
	client.results["users"] = map[string]any{"online": []string{"alice", "bob"}}
	client.results["messages"] = map[string]any{"messages": []domain.Message{
		{RoomID: 1, SenderName: "bob", Content: "earlier", CreatedAt: time.Now()},
	}}
	r, out := newTestREPL(t, client, "")
	ctx := context.Background()

	for _, line := range []string{"/rooms", "/who", "/room 1", "/history 5"} {
		if err := r.Execute(ctx, line); err != nil {
			t.Fatalf("Execute(%q) error = %v", line, err)
		}
	}
	if c := client.last(); c.cmd != "messages" || c.args["limit"] != float64(5) {
		t.Errorf("messages call = %+v", c)
	}

	got := out.String()
	for _, want := range []string{"general", "online: alice, bob", "<bob> earlier"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestREPL_Upload(t *testing.T) {
	client := newFakeClient()
	r, out := newTestREPL(t, client, "")
	ctx := context.Background()

	if err := r.Execute(ctx, "/dm carol"); err != nil {
		t.Fatal(err)
	}
	if err := r.Execute(ctx, "/upload /tmp/report.pdf"); err != nil {
		t.Fatalf("/upload error = %v", err)
	}
	if len(client.uploads) != 1 || client.uploads[0].To != "carol" {
		t.Errorf("uploads = %+v", client.uploads)
	}
	if !strings.Contains(out.String(), "uploaded report.pdf") {
		t.Errorf("output = %q", out.String())
	}
}

func TestREPL_Typing(t *testing.T) {
	client := newFakeClient()
	r, _ := newTestREPL(t, client, "")
	ctx := context.Background()

	if err := r.Execute(ctx, "/typing"); err == nil {
		t.Error("/typing without target should fail")
	}
	_ = r.Execute(ctx, "/room 2")
	if err := r.Execute(ctx, "/typing off"); err != nil {
		t.Fatal(err)
	}
	if c := client.last(); c.cmd != "typing" || c.args["typing"] != false {
		t.Errorf("typing call = %+v", c)
	}
	if err := r.Execute(ctx, "/typing maybe"); err == nil {
		t.Error("/typing maybe should fail")
	}
}

func TestREPL_Logout(t *testing.T) {
	client := newFakeClient()
	client.results["token_login"] = map[string]any{"token": "t", "username": "dave"}
	r, _ := newTestREPL(t, client, "")
	ctx := context.Background()

	if err := r.TokenLogin(ctx, "t"); err != nil {
		t.Fatal(err)
	}
	_ = r.Execute(ctx, "/room 4")
	if err := r.Execute(ctx, "/logout"); err != nil {
		t.Fatal(err)
	}
	if r.Prompt() != "guest> " {
		t.Errorf("Prompt() after logout = %q", r.Prompt())
	}
}

func TestREPL_HistorySkipsSecrets(t *testing.T) {
	client := newFakeClient()
	h := NewHistory(filepath.Join(t.TempDir(), "history"))
	r, _ := newTestREPL(t, client, "/login a b\n/rooms\n", WithHistory(h))

	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.Len() != 1 || h.Get(0) != "/rooms" {
		t.Errorf("history = %d entries, newest %q", h.Len(), h.Get(0))
	}
}

func TestREPL_Help(t *testing.T) {
	r, out := newTestREPL(t, newFakeClient(), "")
	if err := r.Execute(context.Background(), "/help"); err != nil {
		t.Fatal(err)
	}
	for _, h := range commandHelp {
		if !strings.Contains(out.String(), h.usage) {
			t.Errorf("help missing %q", h.usage)
		}
	}
}
