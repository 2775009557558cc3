// app.go wires the client together and runs the interactive command loop.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/okale/convo/internal/call"
	"github.com/okale/convo/internal/config"
	"github.com/okale/convo/internal/connection"
	"github.com/okale/convo/internal/conversation"
	"github.com/okale/convo/internal/media"
	"github.com/okale/convo/internal/notify"
	"github.com/okale/convo/internal/presence"
	"github.com/okale/convo/internal/rest"
	"github.com/okale/convo/internal/storage"
	"github.com/okale/convo/internal/util"

	"github.com/okale/convo/internal/proto"
)

type app struct {
	cfgPath string
	token   string

	cfgMu sync.RWMutex
	cfg   config.Config

	self    conversation.User
	api     *rest.Client
	cache   *storage.DB
	conn    *connection.Manager
	tracker *presence.Tracker
	chats   *conversation.Sync
	engine  *call.Engine
	router  *notify.Router
	logs    *util.LogBuffer
}

func newApp(cfgPath string, cfg config.Config, token string) *app {
	return &app{cfgPath: cfgPath, cfg: cfg, token: token}
}

func (a *app) config() config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

func (a *app) timeFormat() string {
	return a.config().UI.TimeFormat
}

func (a *app) run(ctx context.Context) error {
	cfg := a.config()

	// Keep recent log lines inspectable via /logs while stderr stays
	// readable next to the prompt.
	a.logs = util.NewLogBuffer(500)
	log.SetOutput(io.MultiWriter(os.Stderr, a.logs))

	a.api = rest.NewClient(cfg.Server.APIURL, a.token)

	me, err := a.api.Me(ctx)
	if err != nil {
		if rest.IsAuthError(err) {
			return fmt.Errorf("session rejected, sign in again: %w", err)
		}
		return fmt.Errorf("fetch profile: %w", err)
	}
	a.self = me
	fmt.Printf("Signed in as %s <%s>\n\n", me.Username, me.Email)

	if cfg.Storage.CachePath != "" {
		path := cfg.Storage.CachePath
		if !filepath.IsAbs(path) {
			path = filepath.Join(filepath.Dir(a.cfgPath), path)
		}
		db, err := storage.Open(path)
		if err != nil {
			log.Printf("APP: history cache unavailable: %v", err)
		} else {
			a.cache = db
			defer db.Close()
		}
	}

	a.conn = connection.NewManager(cfg.WebSocketURL(), connection.Policy{
		Attempts:         cfg.Reconnect.Attempts,
		Delay:            time.Duration(cfg.Reconnect.DelaySec) * time.Second,
		HandshakeTimeout: time.Duration(cfg.Reconnect.HandshakeTimeoutSec) * time.Second,
	})
	defer a.conn.Close()

	a.tracker = presence.NewTracker()
	if a.cache != nil {
		a.chats = conversation.NewSync(a.api, a.conn, a.cache)
	} else {
		a.chats = conversation.NewSync(a.api, a.conn, nil)
	}
	a.engine = call.NewEngine(a.conn, a.api, media.New(), call.Options{
		RingTimeout:   time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
		VideoDisabled: cfg.Media.VideoDisabled,
		PreferredCam:  cfg.Media.PreferredCam,
		PreferredMic:  cfg.Media.PreferredMic,
	})
	defer a.engine.End()
	a.router = notify.NewRouter(a.engine, a.conn, a.api)

	a.registerHandlers(ctx)
	a.watchConfig(ctx)
	a.announceInvitations(ctx)

	if err := a.conn.Connect(ctx, connection.Session{UserID: me.ID, Token: a.token}); err != nil {
		var authErr *connection.AuthError
		if errors.As(err, &authErr) {
			return fmt.Errorf("live connection refused: %w", err)
		}
		log.Printf("APP: live connection failed, starting offline: %v", err)
		a.showCached()
	}

	if _, err := a.chats.LoadConversations(ctx); err != nil {
		log.Printf("APP: load conversations: %v", err)
	}

	return a.commandLoop(ctx)
}

// registerHandlers binds every push event to its component. Handlers run
// on the connection's dispatch goroutine in arrival order.
func (a *app) registerHandlers(ctx context.Context) {
	a.conn.On(proto.EventUsersOnline, func(payload json.RawMessage) {
		var update proto.PresenceUpdate
		if err := json.Unmarshal(payload, &update); err != nil {
			log.Printf("APP: bad %s payload: %v", proto.EventUsersOnline, err)
			return
		}
		a.tracker.Apply(update)
	})

	a.conn.On(proto.EventMessageNew, func(payload json.RawMessage) {
		var msg conversation.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Printf("APP: bad %s payload: %v", proto.EventMessageNew, err)
			return
		}
		a.chats.OnPushMessage(msg)
		if msg.SenderID != a.self.ID {
			fmt.Printf("\n[%s] %s\n> ", msg.CreatedAt.Format(a.timeFormat()), msg.Summary())
		}
	})

	a.conn.On(proto.EventCallIncoming, func(payload json.RawMessage) {
		var sig proto.CallSignal
		if err := json.Unmarshal(payload, &sig); err != nil {
			log.Printf("APP: bad %s payload: %v", proto.EventCallIncoming, err)
			return
		}
		a.router.OnIncomingCall(ctx, sig)
	})

	a.conn.On(proto.EventCallAccepted, func(json.RawMessage) {
		a.engine.OnRemoteAccepted()
	})

	a.conn.On(proto.EventCallRejected, func(payload json.RawMessage) {
		var sig proto.CallSignal
		_ = json.Unmarshal(payload, &sig)
		a.router.Dismiss(sig.From)
		a.engine.OnRemoteRejected()
		fmt.Print("\nCall rejected\n> ")
	})

	a.conn.On(proto.EventCallEnded, func(payload json.RawMessage) {
		var sig proto.CallSignal
		_ = json.Unmarshal(payload, &sig)
		a.router.Dismiss(sig.From)
		a.engine.OnRemoteEnded()
	})

	// Refetch after every (re)connect: pushes missed while down are
	// reconciled through the REST snapshot, dedup absorbs the overlap.
	a.conn.On(proto.EventConnected, func(json.RawMessage) {
		go func() {
			if _, err := a.chats.LoadConversations(ctx); err != nil {
				log.Printf("APP: resync conversations: %v", err)
				return
			}
			if id := a.chats.CurrentID(); id != "" {
				if _, err := a.chats.LoadMessages(ctx, id); err != nil {
					log.Printf("APP: resync messages: %v", err)
				}
			}
		}()
	})

	a.conn.On(proto.EventDisconnected, func(json.RawMessage) {
		fmt.Print("\nConnection lost, reconnecting...\n> ")
	})
}

// watchConfig applies config file edits while running. Transport and
// cache settings need a restart; the rest take effect immediately.
func (a *app) watchConfig(ctx context.Context) {
	w, err := config.Watch(a.cfgPath)
	if err != nil {
		log.Printf("APP: config watch unavailable: %v", err)
		return
	}
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-w.Updates():
				if !ok {
					return
				}
				a.cfgMu.Lock()
				a.cfg = cfg
				a.cfgMu.Unlock()
			}
		}
	}()
}

// announceInvitations prints incoming call invitations as they arrive.
func (a *app) announceInvitations(ctx context.Context) {
	ch, cancel := a.router.Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case inv := <-ch:
				name := inv.Caller.Username
				if name == "" {
					name = inv.PeerID
				}
				fmt.Printf("\nIncoming %s call from %s  (/accept or /reject)\n> ", inv.Kind, name)
			}
		}
	}()
}

// showCached renders the cached conversation list when starting offline.
func (a *app) showCached() {
	if a.cache == nil {
		return
	}
	convs, err := a.cache.LoadConversations()
	if err != nil {
		log.Printf("APP: read cache: %v", err)
		return
	}
	if len(convs) == 0 {
		return
	}
	fmt.Println("Cached conversations (offline):")
	for i, c := range convs {
		other := c.OtherParticipant(a.self.ID)
		fmt.Printf("%3d. %-20s %s\n", i+1, other.Username, c.LastMessage.Summary())
	}
}

func (a *app) commandLoop(ctx context.Context) error {
	fmt.Println("Type /help for commands.")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)

	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Print("> ")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return scanner.Err()
			}
			if err := a.handleLine(ctx, strings.TrimSpace(line)); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Printf("error: %v\n", err)
			}
			fmt.Print("> ")
		}
	}
}

var errQuit = errors.New("quit")

func (a *app) handleLine(ctx context.Context, line string) error {
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		// Bare text goes to the open conversation.
		return a.sendText(ctx, line)
	}

	cmd, args := line, ""
	if i := strings.IndexByte(line, ' '); i >= 0 {
		cmd, args = line[:i], strings.TrimSpace(line[i+1:])
	}

	switch cmd {
	case "/help":
		printCommands()
		return nil
	case "/quit", "/exit":
		return errQuit
	case "/list":
		return a.cmdList(ctx)
	case "/open":
		return a.cmdOpen(ctx, args)
	case "/msg":
		return a.sendText(ctx, args)
	case "/file":
		return a.cmdFile(ctx, args)
	case "/delete":
		return a.cmdDelete(ctx, args)
	case "/delcon":
		return a.cmdDeleteConversation(ctx, args)
	case "/start":
		return a.cmdStart(ctx, args)
	case "/search":
		return a.cmdSearch(ctx, args)
	case "/call":
		return a.cmdCall(ctx, args)
	case "/accept":
		return a.router.Accept(ctx)
	case "/reject":
		return a.router.Reject()
	case "/hangup":
		a.engine.End()
		a.engine.Acknowledge()
		return nil
	case "/mute":
		muted, err := a.engine.ToggleMute()
		if err != nil {
			return err
		}
		fmt.Printf("microphone %s\n", onOff(!muted))
		return nil
	case "/video":
		off, err := a.engine.ToggleVideo()
		if err != nil {
			return err
		}
		fmt.Printf("camera %s\n", onOff(!off))
		return nil
	case "/status":
		a.cmdStatus()
		return nil
	case "/logs":
		for _, e := range a.logs.Snapshot() {
			fmt.Println(e.Msg)
		}
		return nil
	case "/logout":
		if err := a.api.Logout(ctx); err != nil {
			return err
		}
		return errQuit
	default:
		return fmt.Errorf("unknown command %s (try /help)", cmd)
	}
}

func printCommands() {
	fmt.Println("  /list                 conversations")
	fmt.Println("  /open <n|id>          open a conversation")
	fmt.Println("  <text> or /msg <text> send to the open conversation")
	fmt.Println("  /file <path> [text]   send a file")
	fmt.Println("  /delete <msg-id>      delete own message")
	fmt.Println("  /delcon <id>          delete a conversation")
	fmt.Println("  /start <user-id>      start a conversation")
	fmt.Println("  /search <query>       find users")
	fmt.Println("  /call audio|video     call the open conversation's peer")
	fmt.Println("  /accept /reject       answer an incoming call")
	fmt.Println("  /hangup /mute /video  in-call controls")
	fmt.Println("  /status /logs         client state, recent log lines")
	fmt.Println("  /logout /quit")
}

func (a *app) cmdList(ctx context.Context) error {
	convs, err := a.chats.LoadConversations(ctx)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Println("no conversations, /search then /start one")
		return nil
	}
	layout := a.timeFormat()
	for i, c := range convs {
		other := c.OtherParticipant(a.self.ID)
		marker := " "
		if c.ID == a.chats.CurrentID() {
			marker = "*"
		}
		fmt.Printf("%s%3d. %-20s %-12s %s\n",
			marker, i+1, other.Username, a.tracker.Describe(other.ID, layout), c.LastMessage.Summary())
	}
	return nil
}

func (a *app) cmdOpen(ctx context.Context, arg string) error {
	if arg == "" {
		return errors.New("usage: /open <n|conversation-id>")
	}
	id := arg
	if n, err := strconv.Atoi(arg); err == nil {
		convs := a.chats.Conversations()
		if n < 1 || n > len(convs) {
			return fmt.Errorf("no conversation %d", n)
		}
		id = convs[n-1].ID
	}
	msgs, err := a.chats.LoadMessages(ctx, id)
	if err != nil {
		return err
	}
	a.printMessages(msgs)
	return nil
}

func (a *app) printMessages(msgs []conversation.Message) {
	layout := a.timeFormat()
	for _, m := range msgs {
		who := "them"
		if m.SenderID == a.self.ID {
			who = "me"
		}
		body := m.Summary()
		if m.IsCall() && m.CallDuration > 0 {
			body += " (" + util.FormatDuration(m.CallDuration) + ")"
		}
		fmt.Printf("[%s] %-4s %s\n", m.CreatedAt.Format(layout), who, body)
	}
}

func (a *app) sendText(ctx context.Context, text string) error {
	if text == "" {
		return errors.New("nothing to send")
	}
	id := a.chats.CurrentID()
	if id == "" {
		return errors.New("no open conversation, /open one first")
	}
	_, err := a.chats.SendMessage(ctx, id, conversation.Draft{Text: text})
	return err
}

func (a *app) cmdFile(ctx context.Context, arg string) error {
	if arg == "" {
		return errors.New("usage: /file <path> [caption]")
	}
	id := a.chats.CurrentID()
	if id == "" {
		return errors.New("no open conversation, /open one first")
	}
	path, caption := arg, ""
	if i := strings.IndexByte(arg, ' '); i >= 0 {
		path, caption = arg[:i], strings.TrimSpace(arg[i+1:])
	}
	_, err := a.chats.SendMessage(ctx, id, conversation.Draft{Text: caption, FilePath: path})
	return err
}

func (a *app) cmdDelete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("usage: /delete <message-id>")
	}
	return a.chats.DeleteMessage(ctx, id)
}

func (a *app) cmdDeleteConversation(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("usage: /delcon <conversation-id>")
	}
	return a.chats.DeleteConversation(ctx, id)
}

func (a *app) cmdStart(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("usage: /start <user-id>")
	}
	conv, err := a.chats.StartConversation(ctx, userID)
	if err != nil {
		return err
	}
	other := conv.OtherParticipant(a.self.ID)
	fmt.Printf("conversation with %s ready, /open %s\n", other.Username, conv.ID)
	return nil
}

func (a *app) cmdSearch(ctx context.Context, query string) error {
	if query == "" {
		return errors.New("usage: /search <query>")
	}
	users, err := a.api.SearchUsers(ctx, query)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Println("no matches")
		return nil
	}
	layout := a.timeFormat()
	for _, u := range users {
		fmt.Printf("  %-20s %-30s %s  [%s]\n", u.Username, u.Email, a.tracker.Describe(u.ID, layout), u.ID)
	}
	return nil
}

func (a *app) cmdCall(ctx context.Context, arg string) error {
	kind := proto.CallType(arg)
	if arg == "" {
		kind = proto.CallAudio
	}
	if !kind.Valid() {
		return errors.New("usage: /call audio|video")
	}
	conv, ok := a.chats.Conversation(a.chats.CurrentID())
	if !ok {
		return errors.New("no open conversation, /open one first")
	}
	other := conv.OtherParticipant(a.self.ID)
	c, err := a.engine.Start(ctx, other.ID, kind)
	if err != nil {
		var accessErr *media.AccessError
		if errors.As(err, &accessErr) {
			return fmt.Errorf("camera/microphone unavailable: %w", err)
		}
		return err
	}
	if c.State == call.StateRinging {
		fmt.Printf("calling %s (%s)...\n", other.Username, kind)
	}
	return nil
}

func (a *app) cmdStatus() {
	fmt.Printf("user:       %s (%s)\n", a.self.Username, a.self.ID)
	fmt.Printf("connection: %s\n", connState(a.conn.Connected()))
	if c, ok := a.engine.Current(); ok {
		fmt.Printf("call:       %s %s call with %s (%s)\n", c.Direction, c.Kind, c.PeerID, c.State)
		if c.State == call.StateConnected {
			fmt.Printf("elapsed:    %s\n", util.FormatDuration(int(a.engine.Elapsed()/time.Second)))
		}
	} else {
		fmt.Println("call:       none")
	}
	if inv, ok := a.router.Current(); ok {
		fmt.Printf("ringing:    %s call from %s\n", inv.Kind, inv.PeerID)
	}
}

func connState(up bool) string {
	if up {
		return "connected"
	}
	return "offline"
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
