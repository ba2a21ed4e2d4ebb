package app

import (
	"cash_relay/internal/codec"
	"cash_relay/internal/cryptographic/dh"
	"cash_relay/internal/model"
	"cash_relay/internal/protocol/relay"
	"cash_relay/internal/utils/log"
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/gdamore/tcell/v2"
	"github.com/gorilla/websocket"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

type (
	IdentityStore interface {
		LoadOrCreate(ctx context.Context, name string, newKey func() ([]byte, error)) (*model.User, error)
	}

	StateStore interface {
		Set(ctx context.Context, key string, value any, ttl time.Duration) error
		Get(ctx context.Context, key string) (string, error)
	}

	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		input   *tview.InputField

		api          *relayAPI
		redisService StateStore
		userRepo     IdentityStore

		name string
		kp   *dh.KeyPair

		toName string
		toKey  *secp256k1.PublicKey

		conn *websocket.Conn

		// show renders one chat line; replaced in tests.
		show func(line string)

		mu       sync.Mutex
		lastSync int64
		seen     map[[sha256.Size]byte]struct{}
	}
)

func NewApp(relayHost string, userRepo IdentityStore, redis StateStore) *App {
	c := &App{
		app:          tview.NewApplication(),
		api:          newRelayAPI(relayHost),
		userRepo:     userRepo,
		redisService: redis,
		seen:         make(map[[sha256.Size]byte]struct{}),
	}
	c.show = c.appendToChatbox
	return c
}

func (c *App) Run(ctx context.Context, name string) error {
	kp, err := c.loadIdentity(ctx, name)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	c.name, c.kp = name, kp

	if err := c.api.registerProfile(ctx, &model.Profile{Name: name, PublicKey: kp.PublicBytes()}); err != nil {
		return fmt.Errorf("register profile: %w", err)
	}

	var toName string
	fmt.Print("Enter recipient's name: ")
	if _, err := fmt.Scan(&toName); err != nil { // reads until whitespace
		return err
	}
	if err := c.setRecipient(ctx, toName); err != nil {
		return err
	}

	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" Chat with %s ", c.toName))

	if c.lastSync, err = c.GetSyncTime(ctx, kp.PublicBytes()); err != nil {
		return fmt.Errorf("read sync time: %w", err)
	}
	// The UI loop is not running yet, so write straight into the chatbox.
	c.show = func(line string) { fmt.Fprintln(c.chatbox, line) }
	if err := c.Sync(ctx); err != nil {
		log.Warn("initial sync failed", zap.Error(err))
	}
	c.show = c.appendToChatbox

	c.conn, err = c.api.initWebhook(kp.PublicBytes(), c.syncTime())
	if err != nil {
		return fmt.Errorf("init webhook to server failed: %w", err)
	}

	go c.listenOnWebhook()
	c.renderUI()
	return nil
}

func (c *App) setRecipient(ctx context.Context, name string) error {
	p, err := c.api.getProfile(ctx, name)
	if err != nil {
		return fmt.Errorf("get profile of %s: %w", name, err)
	}

	key, err := dh.ParsePublicKey(p.PublicKey)
	if err != nil {
		return fmt.Errorf("profile of %s: %w", name, err)
	}
	c.toName, c.toKey = name, key
	return nil
}

func (c *App) Stop() {
	if c.kp != nil {
		if err := c.SaveSyncTime(context.TODO(), c.kp.PublicBytes(), c.syncTime()); err != nil {
			log.Error("save sync time failed", zap.Error(err))
		}
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.app.Stop()
}

// blocking function
func (c *App) renderUI() {
	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" New Message ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := c.input.GetText()
		if text == "" {
			return
		}
		c.input.SetText("")

		go func(msg string) {
			if err := c.SendMessage(context.TODO(), msg); err != nil {
				c.show(fmt.Sprintf("[red]send failed:[-] %v", err))
				log.Error("Send message failed", zap.Error(err))
			}
		}(text)
	})

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.input, 3, 0, true)

	if err := c.app.SetRoot(layout, true).SetFocus(c.input).Run(); err != nil {
		log.Fatal("cannot init app", zap.Error(err))
	}
}

func (c *App) appendToChatbox(line string) {
	c.app.QueueUpdateDraw(func() {
		fmt.Fprintln(c.chatbox, line)
		c.chatbox.ScrollToEnd()
	})
}

func (c *App) listenOnWebhook() {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug("web socket closed", zap.Error(err))
			c.conn.Close()
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}

		message, err := codec.UnmarshalMessage(data)
		if err != nil {
			log.Error("Unmarshal message failed", zap.Error(err))
			continue
		}

		if err := c.ReceiveMessage(message); err != nil {
			log.Error("receive message failed", zap.Error(err))
		}
	}
}

// Sync fetches messages stored since the last sync time.
func (c *App) Sync(ctx context.Context) error {
	page, err := c.api.fetchMessages(ctx, c.kp.PublicBytes(), c.syncTime()+1)
	if err != nil {
		return err
	}

	for _, m := range page.Messages {
		if err := c.ReceiveMessage(m); err != nil {
			log.Warn("skipping stored message", zap.Error(err))
		}
	}
	return nil
}

func (c *App) SendMessage(ctx context.Context, text string) error {
	msg, err := relay.Seal(&relay.SealRequest{
		Source:      c.kp,
		Destination: c.toKey,
		Payload:     newTextPayload(text, time.Now()),
		Scheme:      model.EncryptionSchemeEphemeralDH,
	})
	if err != nil {
		return err
	}

	if _, err := c.api.postMessage(ctx, msg); err != nil {
		return err
	}

	c.show(fmt.Sprintf("[yellow]You:[-] %s", tview.Escape(text)))
	return nil
}

// ReceiveMessage opens msg and shows it. Messages already shown this
// session are ignored.
func (c *App) ReceiveMessage(message *model.Message) error {
	opened, err := relay.Open(message, c.kp)
	if err != nil {
		return err
	}
	if opened.StampErr != nil {
		log.Warn("message stamp does not pay us", zap.Error(opened.StampErr))
	}

	var digest [sha256.Size]byte
	copy(digest[:], message.PayloadDigest)
	if !c.markSeen(digest, message.ReceivedTime) {
		return nil
	}

	c.show(fmt.Sprintf("[green]%s:[-] %s", c.senderLabel(message.SourcePublicKey), tview.Escape(payloadText(opened.Payload))))
	return nil
}

func (c *App) markSeen(digest [sha256.Size]byte, receivedTime int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[digest]; ok {
		return false
	}
	c.seen[digest] = struct{}{}
	if receivedTime > c.lastSync {
		c.lastSync = receivedTime
	}
	return true
}

func (c *App) syncTime() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSync
}

func (c *App) senderLabel(source []byte) string {
	switch {
	case c.toKey != nil && string(source) == string(c.toKey.SerializeCompressed()):
		return c.toName
	case string(source) == string(c.kp.PublicBytes()):
		return "You"
	default:
		return shortKey(source)
	}
}
