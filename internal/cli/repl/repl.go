package repl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yndnr/chatmesh-go/internal/cli/connection"
	"github.com/yndnr/chatmesh-go/internal/cli/output"
	"github.com/yndnr/chatmesh-go/internal/core/domain"
)

// callTimeout bounds one command round trip. Uploads are not bounded.
const callTimeout = 30 * time.Second

// Client is the chat connection the REPL drives.
type Client interface {
	Call(ctx context.Context, cmd string, args, out any) error
	Upload(ctx context.Context, path string, target connection.UploadTarget, progress connection.ProgressFunc) (*domain.FileRecord, error)
}

type commandInfo struct {
	name    string
	usage   string
	summary string
}

var commandHelp = []commandInfo{
	{"/register", "/register USER EMAIL PASSWORD", "create an account"},
	{"/login", "/login USER PASSWORD", "sign in"},
	{"/token", "/token TOKEN", "resume a session"},
	{"/logout", "/logout", "sign out"},
	{"/rooms", "/rooms", "list rooms"},
	{"/create", "/create NAME [PASSWORD]", "create a room and join it"},
	{"/join", "/join ROOM_ID [PASSWORD]", "join a room and talk in it"},
	{"/leave", "/leave ROOM_ID", "leave a room"},
	{"/room", "/room ROOM_ID", "talk in a room you joined"},
	{"/dm", "/dm USER", "talk to one user"},
	{"/who", "/who [ROOM_ID]", "list online users"},
	{"/history", "/history [LIMIT]", "show recent messages of the current target"},
	{"/typing", "/typing [on|off]", "send a typing indicator"},
	{"/upload", "/upload PATH", "share a file with the current target"},
	{"/ping", "/ping", "check the connection"},
	{"/help", "/help", "show this help"},
	{"/quit", "/quit", "leave chat"},
}

// ErrQuit ends the loop.
var ErrQuit = errors.New("quit")

// REPL represents the Read-Eval-Print Loop.
type REPL struct {
	input     io.Reader
	out       *lockedWriter
	client    Client
	completer *Completer
	history   *History
	onToken   func(string)

	mu       sync.Mutex
	username string
	room     domain.RoomID
	peer     string
}

// Option configures a REPL.
type Option func(*REPL)

// WithInput sets the input stream.
func WithInput(r io.Reader) Option {
	return func(repl *REPL) { repl.input = r }
}

// WithOutput sets the output stream.
func WithOutput(w io.Writer) Option {
	return func(repl *REPL) { repl.out = &lockedWriter{w: w} }
}

// WithHistory sets the history store.
func WithHistory(h *History) Option {
	return func(repl *REPL) { repl.history = h }
}

// WithTokenSink is called with every session token the server issues.
func WithTokenSink(fn func(string)) Option {
	return func(repl *REPL) { repl.onToken = fn }
}

// New creates a new REPL instance.
func New(client Client, opts ...Option) *REPL {
	r := &REPL{
		input:     os.Stdin,
		out:       &lockedWriter{w: os.Stdout},
		client:    client,
		completer: NewCompleter(),
		history:   NewHistory(""),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Completer returns the command completer.
func (r *REPL) Completer() *Completer {
	return r.completer
}

// Run reads lines until EOF, /quit, or ctx is done.
func (r *REPL) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r.input)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		r.out.printf("%s", r.Prompt())
		select {
		case <-ctx.Done():
			r.out.printf("\n")
			return nil
		case err := <-readErr:
			r.out.printf("\n")
			return err
		case line := <-lines:
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			r.history.Add(line)

			if err := r.Execute(ctx, line); err != nil {
				if errors.Is(err, ErrQuit) {
					return nil
				}
				r.out.printf("error: %v\n", err)
			}
		}
	}
}

// Prompt returns the prompt for the current target.
func (r *REPL) Prompt() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	who := r.username
	if who == "" {
		who = "guest"
	}
	switch {
	case r.room != 0:
		return fmt.Sprintf("[#%d] %s> ", r.room, who)
	case r.peer != "":
		return fmt.Sprintf("[@%s] %s> ", r.peer, who)
	default:
		return who + "> "
	}
}

// PrintPush prints a server push on its own line.
func (r *REPL) PrintPush(p connection.Push) {
	r.out.printf("\r%s\n", RenderPush(p))
}

// Execute runs one input line.
func (r *REPL) Execute(ctx context.Context, line string) error {
	if !strings.HasPrefix(line, "/") {
		return r.say(ctx, line)
	}

	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]

	switch name {
	case "/quit", "/exit":
		return ErrQuit
	case "/help":
		r.printHelp()
		return nil
	case "/register":
		return r.register(ctx, args)
	case "/login":
		return r.login(ctx, args)
	case "/token":
		return r.tokenLogin(ctx, args)
	case "/logout":
		return r.logout(ctx)
	case "/rooms":
		return r.rooms(ctx)
	case "/create":
		return r.create(ctx, args)
	case "/join":
		return r.join(ctx, args)
	case "/leave":
		return r.leave(ctx, args)
	case "/room":
		return r.switchRoom(args)
	case "/dm":
		return r.switchPeer(args)
	case "/who":
		return r.who(ctx, args)
	case "/history":
		return r.messages(ctx, args)
	case "/typing":
		return r.typing(ctx, args)
	case "/upload":
		return r.upload(ctx, args)
	case "/ping":
		return r.ping(ctx)
	}
	return fmt.Errorf("unknown command %s (try /help)", name)
}

func (r *REPL) call(ctx context.Context, cmd string, args, out any) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return r.client.Call(ctx, cmd, args, out)
}

func (r *REPL) target() (domain.RoomID, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.room, r.peer
}

func (r *REPL) setTarget(room domain.RoomID, peer string) {
	r.mu.Lock()
	r.room, r.peer = room, peer
	r.mu.Unlock()
}

func usage(name string) error {
	for _, h := range commandHelp {
		if h.name == name {
			return fmt.Errorf("usage: %s", h.usage)
		}
	}
	return fmt.Errorf("usage: %s", name)
}

func parseRoom(name, s string) (domain.RoomID, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, usage(name)
	}
	return domain.RoomID(id), nil
}

func (r *REPL) printHelp() {
	for _, h := range commandHelp {
		r.out.printf("  %-30s %s\n", h.usage, h.summary)
	}
	r.out.printf("  %-30s %s\n", "TEXT", "send TEXT to the current room or user")
}

type session struct {
	Token     string        `json:"token"`
	UserID    domain.UserID `json:"user_id"`
	Username  string        `json:"username"`
	ExpiresAt time.Time     `json:"expires_at"`
}

func (r *REPL) signedIn(s *session) {
	r.mu.Lock()
	r.username = s.Username
	r.mu.Unlock()
	if r.onToken != nil && s.Token != "" {
		r.onToken(s.Token)
	}
	r.out.printf("signed in as %s (session expires %s)\n", s.Username, s.ExpiresAt.Local().Format(time.RFC822))
}

func (r *REPL) register(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return usage("/register")
	}
	var res struct {
		UserID   domain.UserID `json:"user_id"`
		Username string        `json:"username"`
	}
	if err := r.call(ctx, "register", map[string]string{
		"username": args[0],
		"email":    args[1],
		"password": args[2],
	}, &res); err != nil {
		return err
	}
	r.out.printf("registered %s (id %d); /login to continue\n", res.Username, res.UserID)
	return nil
}

func (r *REPL) login(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return usage("/login")
	}
	var s session
	if err := r.call(ctx, "login", map[string]string{"username": args[0], "password": args[1]}, &s); err != nil {
		return err
	}
	r.signedIn(&s)
	return nil
}

// TokenLogin resumes a session with a saved token.
func (r *REPL) TokenLogin(ctx context.Context, token string) error {
	var s session
	if err := r.call(ctx, "token_login", map[string]string{"token": token}, &s); err != nil {
		return err
	}
	r.signedIn(&s)
	return nil
}

func (r *REPL) tokenLogin(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usage("/token")
	}
	return r.TokenLogin(ctx, args[0])
}

func (r *REPL) logout(ctx context.Context) error {
	if err := r.call(ctx, "logout", nil, nil); err != nil {
		return err
	}
	r.mu.Lock()
	r.username, r.room, r.peer = "", 0, ""
	r.mu.Unlock()
	r.out.printf("signed out\n")
	return nil
}

func (r *REPL) rooms(ctx context.Context) error {
	var res struct {
		Rooms []domain.RoomInfo `json:"rooms"`
	}
	if err := r.call(ctx, "rooms", nil, &res); err != nil {
		return err
	}
	table, err := RenderRooms(res.Rooms)
	if err != nil {
		return err
	}
	r.out.write(table)
	return nil
}

func (r *REPL) create(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return usage("/create")
	}
	req := map[string]any{"name": args[0]}
	if len(args) == 2 {
		req["password"] = args[1]
	}
	var res struct {
		Room domain.RoomInfo `json:"room"`
	}
	if err := r.call(ctx, "create_room", req, &res); err != nil {
		return err
	}
	r.out.printf("created #%d %s\n", res.Room.ID, res.Room.Name)

	// The server joins the creator's connection.
	r.setTarget(res.Room.ID, "")
	return nil
}

func (r *REPL) join(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return usage("/join")
	}
	id, err := parseRoom("/join", args[0])
	if err != nil {
		return err
	}
	req := map[string]any{"room_id": id}
	if len(args) == 2 {
		req["password"] = args[1]
	}
	if err := r.call(ctx, "join_room", req, nil); err != nil {
		return err
	}
	r.setTarget(id, "")
	r.out.printf("joined #%d\n", id)
	return nil
}

func (r *REPL) leave(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usage("/leave")
	}
	id, err := parseRoom("/leave", args[0])
	if err != nil {
		return err
	}
	if err := r.call(ctx, "leave_room", map[string]any{"room_id": id}, nil); err != nil {
		return err
	}
	if room, _ := r.target(); room == id {
		r.setTarget(0, "")
	}
	r.out.printf("left #%d\n", id)
	return nil
}

func (r *REPL) switchRoom(args []string) error {
	if len(args) != 1 {
		return usage("/room")
	}
	id, err := parseRoom("/room", args[0])
	if err != nil {
		return err
	}
	r.setTarget(id, "")
	return nil
}

func (r *REPL) switchPeer(args []string) error {
	if len(args) != 1 {
		return usage("/dm")
	}
	r.setTarget(0, args[0])
	return nil
}

func (r *REPL) who(ctx context.Context, args []string) error {
	req := map[string]any{}
	if len(args) == 1 {
		id, err := parseRoom("/who", args[0])
		if err != nil {
			return err
		}
		req["room_id"] = id
	} else if len(args) > 1 {
		return usage("/who")
	}
	var res struct {
		Online []string `json:"online"`
	}
	if err := r.call(ctx, "users", req, &res); err != nil {
		return err
	}
	if len(res.Online) == 0 {
		r.out.printf("nobody online\n")
		return nil
	}
	r.out.printf("online: %s\n", strings.Join(res.Online, ", "))
	return nil
}

func (r *REPL) messages(ctx context.Context, args []string) error {
	limit := 20
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return usage("/history")
		}
		limit = n
	} else if len(args) > 1 {
		return usage("/history")
	}

	room, peer := r.target()
	if room == 0 && peer == "" {
		return errors.New("no current room or user; use /room or /dm")
	}
	var res struct {
		Messages []*domain.Message `json:"messages"`
	}
	if err := r.call(ctx, "messages", map[string]any{"room_id": room, "with": peer, "limit": limit}, &res); err != nil {
		return err
	}
	for _, m := range res.Messages {
		r.out.printf("%s\n", RenderMessage(m))
	}
	return nil
}

func (r *REPL) typing(ctx context.Context, args []string) error {
	on := true
	if len(args) == 1 {
		switch args[0] {
		case "on":
		case "off":
			on = false
		default:
			return usage("/typing")
		}
	}
	room, peer := r.target()
	if room == 0 && peer == "" {
		return errors.New("no current room or user; use /room or /dm")
	}
	return r.call(ctx, "typing", map[string]any{"room_id": room, "to": peer, "typing": on}, nil)
}

func (r *REPL) say(ctx context.Context, text string) error {
	room, peer := r.target()
	if room == 0 && peer == "" {
		return errors.New("no current room or user; use /join, /room or /dm")
	}
	return r.call(ctx, "send", map[string]any{"room_id": room, "to": peer, "content": text}, nil)
}

func (r *REPL) upload(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usage("/upload")
	}
	room, peer := r.target()
	bar := output.NewProgressBar(r.out, "uploading "+filepath.Base(args[0]))
	rec, err := r.client.Upload(ctx, args[0], connection.UploadTarget{RoomID: room, To: peer}, bar.Update)
	if err != nil {
		r.out.printf("\n")
		return err
	}
	bar.Finish()
	r.out.printf("uploaded %s (%s, %s, sha256 %s)\n", rec.Filename, rec.Category, output.FormatBytes(rec.Size), rec.Digest)
	return nil
}

func (r *REPL) ping(ctx context.Context) error {
	start := time.Now()
	if err := r.call(ctx, "ping", nil, nil); err != nil {
		return err
	}
	r.out.printf("pong in %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}

// lockedWriter serializes output from the input loop and push printer.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format, args...)
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func (l *lockedWriter) write(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	io.WriteString(l.w, s)
}
