package app

import (
	"bytes"
	"cash_relay/internal/config"
	"cash_relay/internal/cryptographic/dh"
	"cash_relay/internal/model"
	"cash_relay/internal/protocol/relay"
	"cash_relay/internal/service/redis"
	"cash_relay/internal/service/server"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type (
	memUsers struct {
		mu    sync.Mutex
		users map[string]*model.User
	}

	memState struct {
		mu   sync.Mutex
		vals map[string]string
	}

	memProfiles struct {
		mu       sync.Mutex
		profiles map[string]*model.Profile
	}

	memInbox struct {
		mu   sync.Mutex
		msgs []*model.Message
	}
)

func (m *memUsers) LoadOrCreate(_ context.Context, name string, newKey func() ([]byte, error)) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[name]; ok {
		return u, nil
	}
	priv, err := newKey()
	if err != nil {
		return nil, err
	}
	u := &model.User{Name: name, PrivateKey: priv}
	m.users[name] = u
	return u, nil
}

func (m *memState) Set(_ context.Context, key string, value any, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[key] = value.(string)
	return nil
}

func (m *memState) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[key]
	if !ok {
		return "", redis.ErrNotFound
	}
	return v, nil
}

func (m *memProfiles) GetByName(_ context.Context, name string) (*model.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profiles[name], nil
}

func (m *memProfiles) Register(_ context.Context, p *model.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.Name] = p
	return nil
}

func (m *memInbox) PutMessage(_ context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return nil
}

func (m *memInbox) GetMessages(_ context.Context, destination []byte, start, end int64) ([]*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []*model.Message
	for _, msg := range m.msgs {
		if bytes.Equal(msg.DestinationPublicKey, destination) && msg.ReceivedTime >= start && (end <= 0 || msg.ReceivedTime <= end) {
			cp := *msg
			res = append(res, &cp)
		}
	}
	return res, nil
}

type testApp struct {
	*App
	mu    sync.Mutex
	lines []string
}

func (a *testApp) shown() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.lines...)
}

func newRelay(t *testing.T) string {
	t.Helper()
	srv := server.NewHttpServer(config.Default().Server,
		&memProfiles{profiles: map[string]*model.Profile{}}, &memInbox{}, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return strings.TrimPrefix(ts.URL, "http://")
}

func newTestApp(t *testing.T, host, name string) *testApp {
	t.Helper()
	ctx := context.Background()

	a := &testApp{App: NewApp(host, &memUsers{users: map[string]*model.User{}}, &memState{vals: map[string]string{}})}
	a.show = func(line string) {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.lines = append(a.lines, line)
	}

	kp, err := a.loadIdentity(ctx, name)
	require.NoError(t, err)
	a.name, a.kp = name, kp
	require.NoError(t, a.api.registerProfile(ctx, &model.Profile{Name: name, PublicKey: kp.PublicBytes()}))
	return a
}

func TestLoadIdentityIsStable(t *testing.T) {
	a := NewApp("unused", &memUsers{users: map[string]*model.User{}}, &memState{vals: map[string]string{}})

	first, err := a.loadIdentity(context.Background(), "alice")
	require.NoError(t, err)
	second, err := a.loadIdentity(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, first.PublicBytes(), second.PublicBytes())
}

func TestSendAndSync(t *testing.T) {
	ctx := context.Background()
	host := newRelay(t)
	alice, bob := newTestApp(t, host, "alice"), newTestApp(t, host, "bob")

	require.NoError(t, alice.setRecipient(ctx, "bob"))
	require.NoError(t, bob.setRecipient(ctx, "alice"))

	require.NoError(t, alice.SendMessage(ctx, "hi [bob]"))
	require.NoError(t, alice.SendMessage(ctx, "second"))
	assert.Len(t, alice.shown(), 2)

	require.NoError(t, bob.Sync(ctx))
	lines := bob.shown()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "alice")
	assert.Contains(t, lines[0], "hi [bob[]")
	assert.Contains(t, lines[1], "second")
	assert.NotZero(t, bob.syncTime())

	// a second sync starts after the newest message
	require.NoError(t, bob.Sync(ctx))
	assert.Len(t, bob.shown(), 2)

	require.NoError(t, bob.SaveSyncTime(ctx, bob.kp.PublicBytes(), bob.syncTime()))
	got, err := bob.GetSyncTime(ctx, bob.kp.PublicBytes())
	require.NoError(t, err)
	assert.Equal(t, bob.syncTime(), got)
}

func TestReceiveDeduplicates(t *testing.T) {
	host := newRelay(t)
	alice, bob := newTestApp(t, host, "alice"), newTestApp(t, host, "bob")

	msg, err := relay.Seal(&relay.SealRequest{
		Source:      alice.kp,
		Destination: bob.kp.Public,
		Payload:     newTextPayload("once", time.UnixMilli(1)),
		Scheme:      model.EncryptionSchemeEphemeralDH,
	})
	require.NoError(t, err)
	msg.ReceivedTime = 42

	require.NoError(t, bob.ReceiveMessage(msg))
	require.NoError(t, bob.ReceiveMessage(msg))
	assert.Len(t, bob.shown(), 1)
	assert.Equal(t, int64(42), bob.syncTime())
}

func TestReceiveForeignMessage(t *testing.T) {
	host := newRelay(t)
	alice, bob, eve := newTestApp(t, host, "alice"), newTestApp(t, host, "bob"), newTestApp(t, host, "eve")

	msg, err := relay.Seal(&relay.SealRequest{
		Source:      alice.kp,
		Destination: bob.kp.Public,
		Payload:     newTextPayload("secret", time.Now()),
		Scheme:      model.EncryptionSchemeEphemeralDH,
	})
	require.NoError(t, err)

	assert.ErrorIs(t, eve.ReceiveMessage(msg), relay.ErrAuthenticationFailure)
	assert.Empty(t, eve.shown())
}

func TestUnknownRecipient(t *testing.T) {
	host := newRelay(t)
	alice := newTestApp(t, host, "alice")

	err := alice.setRecipient(context.Background(), "nobody")
	var se *statusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 404, se.status)
}

func TestGetSyncTimeDefault(t *testing.T) {
	a := NewApp("unused", &memUsers{users: map[string]*model.User{}}, &memState{vals: map[string]string{}})
	kp, err := dh.NewKeyPair()
	require.NoError(t, err)

	got, err := a.GetSyncTime(context.Background(), kp.PublicBytes())
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestPayloadText(t *testing.T) {
	p := &model.Payload{Entries: []*model.Entry{
		{Kind: kindText, Body: []byte("hello")},
		{Kind: "image/png", Body: make([]byte, 10)},
		{Kind: kindText, Body: []byte{0xff, 0xfe}},
	}}
	assert.Equal(t, "hello <image/png, 10 bytes> <text-utf8, 2 bytes>", payloadText(p))
	assert.Equal(t, "", payloadText(&model.Payload{}))
}

func TestShortKey(t *testing.T) {
	assert.Equal(t, "0203", shortKey([]byte{0x02, 0x03}))
	assert.Equal(t, "020304050607…", shortKey([]byte{2, 3, 4, 5, 6, 7, 8, 9}))
}
