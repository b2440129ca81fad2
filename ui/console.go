package ui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshrelay/mesh"
	"meshrelay/models"
)

const defaultHistoryLimit = 50

// Relay is the engine surface the console drives.
type Relay interface {
	LocalID() string
	DisplayName() string
	Send(ctx context.Context, recipient string, msgType models.MessageType, content string) (models.Message, error)
	DeleteForMe(ctx context.Context, messageID string) error
	DeleteForEveryone(ctx context.Context, messageID string) (string, error)
	Members() []models.Member
	Events() <-chan mesh.Event
}

// KeyDirectory answers fingerprint queries for /keys.
type KeyDirectory interface {
	Fingerprint() string
	KnownPeers() []string
	PeerFingerprint(peerID string) (string, bool)
}

// History reads stored messages and conversation summaries.
type History interface {
	ListConversation(localID, peerID string, limit int) ([]models.Message, error)
	ListConversations() ([]models.Conversation, error)
	MarkConversationRead(peerID string) error
}

// Connector dials a peer address and keeps the link up.
type Connector interface {
	Maintain(address string)
}

// ConsoleOptions wires a Console to the node.
type ConsoleOptions struct {
	Relay     Relay
	Keys      KeyDirectory
	History   History
	Connector Connector

	In     io.Reader
	Out    io.Writer
	Logger *zap.Logger
	Now    func() time.Time
}

// Console is a line-oriented front end: it reads commands from In and prints
// engine events to Out as they arrive.
type Console struct {
	opts   ConsoleOptions
	logger *zap.Logger
	now    func() time.Time

	outMu sync.Mutex
	// names caches display names learned from links, keys and presence.
	namesMu sync.RWMutex
	names   map[string]string
}

type commandHandler func(c *Console, ctx context.Context, args string) error

var errQuit = errors.New("quit")

var commands = map[string]commandHandler{
	"/all":     (*Console).cmdAll,
	"/to":      (*Console).cmdTo,
	"/self":    (*Console).cmdSelf,
	"/img":     (*Console).cmdImage,
	"/del":     (*Console).cmdDelete,
	"/delall":  (*Console).cmdDeleteAll,
	"/history": (*Console).cmdHistory,
	"/members": (*Console).cmdMembers,
	"/keys":    (*Console).cmdKeys,
	"/chats":   (*Console).cmdChats,
	"/read":    (*Console).cmdRead,
	"/connect": (*Console).cmdConnect,
	"/help":    (*Console).cmdHelp,
	"/quit":    func(*Console, context.Context, string) error { return errQuit },
}

const helpText = `commands:
  <text>                     send to everyone
  /all <text>                send to everyone
  /to <peer> <text>          send to one peer (encrypted when its key is known)
  /self <text>               note to self, never transmitted
  /img <peer|all|self> <file> send an image
  /del <message-id>          delete for me
  /delall <message-id>       delete for everyone
  /history [peer|all|self] [n]
  /members                   live members
  /keys                      known peer keys
  /chats                     conversations
  /read <peer|all|self>      mark a conversation read
  /connect <host:port>       dial a node
  /quit`

// NewConsole builds a console. Relay is required.
func NewConsole(opts ConsoleOptions) (*Console, error) {
	if opts.Relay == nil {
		return nil, errors.New("relay is required")
	}
	if opts.In == nil || opts.Out == nil {
		return nil, errors.New("console input and output are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Console{
		opts:   opts,
		logger: logger.Named("console"),
		now:    now,
		names:  make(map[string]string),
	}, nil
}

// Run serves the console until /quit or ctx cancellation. Once input ends it
// keeps printing events until the event stream closes too.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.opts.In)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	c.printf("mesh node %s (%s). /help for commands.", c.opts.Relay.DisplayName(), c.opts.Relay.LocalID())

	events := c.opts.Relay.Events()
	inputDone := readErr
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-inputDone:
			// Without input the node keeps relaying and printing events.
			if err != nil {
				c.logger.Warn("console input failed", zap.Error(err))
			}
			inputDone = nil
			if events == nil {
				return nil
			}
		case event, ok := <-events:
			if !ok {
				if inputDone == nil {
					return nil
				}
				events = nil
				continue
			}
			c.showEvent(event)
		case line := <-lines:
			if err := c.Execute(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				c.printf("! %v", err)
			}
		}
	}
}

// Execute runs one input line.
func (c *Console) Execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return c.send(ctx, models.BroadcastRecipient, models.TypeText, line)
	}

	name, args, _ := strings.Cut(line, " ")
	handler, ok := commands[strings.ToLower(name)]
	if !ok {
		return fmt.Errorf("unknown command %s, try /help", name)
	}
	return handler(c, ctx, strings.TrimSpace(args))
}

func (c *Console) cmdAll(ctx context.Context, args string) error {
	return c.send(ctx, models.BroadcastRecipient, models.TypeText, args)
}

func (c *Console) cmdTo(ctx context.Context, args string) error {
	target, text, ok := strings.Cut(args, " ")
	if !ok || strings.TrimSpace(text) == "" {
		return errors.New("usage: /to <peer> <text>")
	}
	recipient, err := c.resolvePeer(target)
	if err != nil {
		return err
	}
	return c.send(ctx, recipient, models.TypeText, strings.TrimSpace(text))
}

func (c *Console) cmdSelf(ctx context.Context, args string) error {
	return c.send(ctx, c.opts.Relay.LocalID(), models.TypeText, args)
}

func (c *Console) cmdImage(ctx context.Context, args string) error {
	target, path, ok := strings.Cut(args, " ")
	if !ok {
		return errors.New("usage: /img <peer|all|self> <file>")
	}
	recipient, err := c.resolvePeer(target)
	if err != nil {
		return err
	}
	payload, err := LoadImage(path)
	if err != nil {
		return err
	}
	return c.send(ctx, recipient, models.TypeImage, payload)
}

func (c *Console) cmdDelete(ctx context.Context, args string) error {
	if args == "" {
		return errors.New("usage: /del <message-id>")
	}
	return c.opts.Relay.DeleteForMe(ctx, args)
}

func (c *Console) cmdDeleteAll(ctx context.Context, args string) error {
	if args == "" {
		return errors.New("usage: /delall <message-id>")
	}
	_, err := c.opts.Relay.DeleteForEveryone(ctx, args)
	return err
}

func (c *Console) cmdHistory(_ context.Context, args string) error {
	if c.opts.History == nil {
		return errors.New("history is not available")
	}

	fields := strings.Fields(args)
	peer := models.BroadcastRecipient
	limit := defaultHistoryLimit
	if len(fields) > 0 {
		resolved, err := c.resolvePeer(fields[0])
		if err != nil {
			return err
		}
		peer = resolved
	}
	if len(fields) > 1 {
		n, err := strconv.Atoi(fields[1])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid history length %q", fields[1])
		}
		limit = n
	}

	localID := c.opts.Relay.LocalID()
	messages, err := c.opts.History.ListConversation(localID, peer, limit)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		c.printf("no messages")
		return nil
	}
	for _, message := range messages {
		c.printf("%s", renderMessageLine(message, localID, c.nameOf))
	}
	return nil
}

func (c *Console) cmdMembers(context.Context, string) error {
	members := c.opts.Relay.Members()
	if len(members) == 0 {
		c.printf("no live members")
		return nil
	}
	now := c.now()
	for _, member := range members {
		c.rememberName(member.PeerID, member.DisplayName)
		c.printf("%s", renderMemberLine(member, c.opts.Relay.LocalID(), now))
	}
	return nil
}

func (c *Console) cmdKeys(context.Context, string) error {
	if c.opts.Keys == nil {
		return errors.New("keys are not available")
	}
	c.printf("%s", renderKeyLine(c.opts.Relay.LocalID(), "you", c.opts.Keys.Fingerprint()))
	for _, peerID := range c.opts.Keys.KnownPeers() {
		fingerprint, ok := c.opts.Keys.PeerFingerprint(peerID)
		if !ok {
			continue
		}
		c.printf("%s", renderKeyLine(peerID, c.nameOf(peerID), fingerprint))
	}
	return nil
}

func (c *Console) cmdChats(context.Context, string) error {
	if c.opts.History == nil {
		return errors.New("history is not available")
	}
	conversations, err := c.opts.History.ListConversations()
	if err != nil {
		return err
	}
	if len(conversations) == 0 {
		c.printf("no conversations")
		return nil
	}
	for _, summary := range conversations {
		c.printf("%s", renderConversationLine(summary))
	}
	return nil
}

func (c *Console) cmdRead(_ context.Context, args string) error {
	if c.opts.History == nil {
		return errors.New("history is not available")
	}
	peer, err := c.resolvePeer(args)
	if err != nil {
		return err
	}
	return c.opts.History.MarkConversationRead(peer)
}

func (c *Console) cmdConnect(_ context.Context, args string) error {
	if c.opts.Connector == nil {
		return errors.New("connecting is not available")
	}
	if args == "" {
		return errors.New("usage: /connect <host:port>")
	}
	c.opts.Connector.Maintain(args)
	c.printf("dialling %s", args)
	return nil
}

func (c *Console) cmdHelp(context.Context, string) error {
	c.printf("%s", helpText)
	return nil
}

func (c *Console) send(ctx context.Context, recipient string, msgType models.MessageType, content string) error {
	_, err := c.opts.Relay.Send(ctx, recipient, msgType, content)
	if err != nil {
		if errors.Is(err, mesh.ErrNoKey) {
			return fmt.Errorf("%w; wait for %s to advertise its key", err, c.nameOf(recipient))
		}
		return err
	}
	return nil
}

// resolvePeer maps "all", "self", a node id or a display name to a recipient.
func (c *Console) resolvePeer(target string) (string, error) {
	target = strings.TrimSpace(target)
	switch strings.ToLower(target) {
	case "":
		return "", errors.New("peer is required")
	case "all", "everyone", strings.ToLower(models.BroadcastRecipient):
		return models.BroadcastRecipient, nil
	case "self", "me":
		return c.opts.Relay.LocalID(), nil
	}

	for _, member := range c.opts.Relay.Members() {
		if member.PeerID == target {
			return member.PeerID, nil
		}
	}
	var matches []string
	for _, member := range c.opts.Relay.Members() {
		if strings.EqualFold(member.DisplayName, target) {
			matches = append(matches, member.PeerID)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		// Unknown names are taken as node ids; the flood reaches nodes that
		// have not sent a heartbeat yet.
		return target, nil
	default:
		return "", fmt.Errorf("display name %q is ambiguous: %s", target, strings.Join(matches, ", "))
	}
}

func (c *Console) showEvent(event mesh.Event) {
	localID := c.opts.Relay.LocalID()
	switch event.Kind {
	case mesh.EventMessageDisplayed:
		if isOutgoingMessage(event.Message, localID) {
			c.printf("sent %s", renderMessageLine(event.Message, localID, c.nameOf))
			return
		}
		c.printf("%s", renderMessageLine(event.Message, localID, c.nameOf))
	case mesh.EventMessageDeleted:
		if event.ForEveryone {
			c.printf("* message %s deleted for everyone", event.MessageID)
		} else {
			c.printf("* message %s deleted", event.MessageID)
		}
	case mesh.EventRecipientAvailable:
		c.rememberName(event.PeerID, event.DisplayName)
		c.printf("* %s can now receive encrypted messages", c.nameOf(event.PeerID))
	case mesh.EventRecipientLost:
		c.rememberName(event.PeerID, event.DisplayName)
		c.printf("* link to %s lost", c.nameOf(event.PeerID))
	case mesh.EventMembersChanged:
		for _, member := range event.Members {
			c.rememberName(member.PeerID, member.DisplayName)
		}
		c.printf("* %d member(s) online", len(event.Members))
	case mesh.EventStorageFailed:
		c.printf("! message %s shown but not saved: %v", event.MessageID, event.Err)
	case mesh.EventPlaintextFallback:
		c.printf("! no key for %s yet, message %s was sent unencrypted", c.nameOf(event.PeerID), event.MessageID)
	default:
		c.logger.Debug("unhandled event", zap.Stringer("kind", event.Kind))
	}
}

func (c *Console) rememberName(peerID, name string) {
	if peerID == "" || name == "" {
		return
	}
	c.namesMu.Lock()
	c.names[peerID] = name
	c.namesMu.Unlock()
}

func (c *Console) nameOf(peerID string) string {
	switch peerID {
	case models.BroadcastRecipient:
		return models.EveryoneDisplayName
	case c.opts.Relay.LocalID():
		return c.opts.Relay.DisplayName()
	}
	c.namesMu.RLock()
	name, ok := c.names[peerID]
	c.namesMu.RUnlock()
	if ok {
		return name
	}
	return peerID
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if _, err := fmt.Fprintf(c.opts.Out, format+"\n", args...); err != nil {
		c.logger.Debug("console write failed", zap.Error(err))
	}
}
