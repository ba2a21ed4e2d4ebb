package app

import (
	"bytes"
	"cash_relay/internal/codec"
	"cash_relay/internal/model"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/websocket"
)

type (
	// relayAPI talks to one relay over HTTP and websocket.
	relayAPI struct {
		host   string
		client *http.Client
	}

	statusError struct {
		status int
		body   string
	}
)

func (e *statusError) Error() string {
	return fmt.Sprintf("relay returned %d: %s", e.status, e.body)
}

func newRelayAPI(host string) *relayAPI {
	return &relayAPI{host: host, client: http.DefaultClient}
}

func (a *relayAPI) url(scheme, path string, query url.Values) string {
	u := url.URL{
		Scheme:   scheme,
		Host:     a.host,
		Path:     path,
		RawQuery: query.Encode(),
	}
	return u.String()
}

func (a *relayAPI) do(ctx context.Context, method, target, contentType string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{status: resp.StatusCode, body: string(bytes.TrimSpace(data))}
	}
	return data, nil
}

func (a *relayAPI) registerProfile(ctx context.Context, p *model.Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = a.do(ctx, http.MethodPost, a.url("http", "/keys", nil), "application/json", data)
	return err
}

func (a *relayAPI) getProfile(ctx context.Context, name string) (*model.Profile, error) {
	data, err := a.do(ctx, http.MethodGet, a.url("http", "/keys/"+url.PathEscape(name), nil), "", nil)
	if err != nil {
		return nil, err
	}

	var p model.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// postMessage returns the payload digest acknowledged by the relay.
func (a *relayAPI) postMessage(ctx context.Context, msg *model.Message) ([]byte, error) {
	return a.do(ctx, http.MethodPost, a.url("http", "/messages", nil), "application/x-protobuf", codec.MarshalMessage(msg))
}

// fetchMessages returns the inbox of pubkey received at or after start.
func (a *relayAPI) fetchMessages(ctx context.Context, pubkey []byte, start int64) (*model.MessagePage, error) {
	query := url.Values{"start": []string{strconv.FormatInt(start, 10)}}
	data, err := a.do(ctx, http.MethodGet, a.url("http", "/messages/"+hex.EncodeToString(pubkey), query), "", nil)
	if err != nil {
		return nil, err
	}
	return codec.UnmarshalMessagePage(data)
}

func (a *relayAPI) initWebhook(pubkey []byte, since int64) (*websocket.Conn, error) {
	params := url.Values{
		"pubkey": []string{hex.EncodeToString(pubkey)},
	}
	if since > 0 {
		params.Set("since", strconv.FormatInt(since, 10))
	}

	conn, _, err := websocket.DefaultDialer.Dial(a.url("ws", "/ws", params), nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
