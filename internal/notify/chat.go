package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/keyd/internal/core"
	"pkt.systems/keyd/internal/session"
	"pkt.systems/keyd/internal/svcfields"
	"pkt.systems/pslog"
)

// GlanceKey identifies the status glance registered with the chat server.
const GlanceKey = "keyd-glance"

const chatRequestTimeout = 10 * time.Second

// Lozenge is the coloured status label shown in the room sidebar.
type Lozenge struct {
	Label string `json:"label"`
	Type  string `json:"type"`
}

// GlanceContent is the body served for glance queries and pushed on every
// state change.
type GlanceContent struct {
	Label struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"label"`
	Status struct {
		Type  string  `json:"type"`
		Value Lozenge `json:"value"`
	} `json:"status"`
}

// Status maps a snapshot onto the glance lozenge.
func Status(s core.Snapshot) Lozenge {
	switch {
	case s.KeyPresent && len(s.Queue) == 1:
		return Lozenge{Label: "RESERVED", Type: "current"}
	case s.KeyPresent && len(s.Queue) > 1:
		return Lozenge{Label: "RESERVED (" + strconv.Itoa(len(s.Queue)) + ")", Type: "current"}
	case s.KeyPresent:
		return Lozenge{Label: "FREE", Type: "success"}
	case s.KeyMissing:
		return Lozenge{Label: "MISSING", Type: "error"}
	case s.KeyTakenOn == nil:
		return Lozenge{Label: "UNKNOWN", Type: "moved"}
	default:
		return Lozenge{Label: "TAKEN", Type: "current"}
	}
}

// Glance builds the glance body for s.
func Glance(s core.Snapshot) GlanceContent {
	var g GlanceContent
	g.Label.Type = "html"
	g.Label.Value = "Key"
	g.Status.Type = "lozenge"
	g.Status.Value = Status(s)
	return g
}

type roomNotification struct {
	Color         string `json:"color"`
	Message       string `json:"message"`
	Notify        bool   `json:"notify"`
	MessageFormat string `json:"message_format"`
}

// ChatConfig configures the chat room integration.
type ChatConfig struct {
	// Server is the chat server base URL, e.g. https://chat.example.com.
	Server string
	Rooms  *RoomStore
	// SendNotifications enables the red/green room messages. Glance updates
	// are always pushed.
	SendNotifications bool
	HTTPClient        *http.Client
	Logger            pslog.Logger
}

// Chat pushes status glances and room notifications to every installed
// room. It also vouches for clients that opened the queue from inside the
// chat client, so their reservations survive a closed dialog.
type Chat struct {
	Base

	server string
	rooms  *RoomStore
	notify bool
	client *http.Client
	logger pslog.Logger

	mu         sync.Mutex
	wasMissing bool
	tokens     map[string]string
	linked     map[string]string
}

var (
	_ core.Notifier   = (*Chat)(nil)
	_ session.Voucher = (*Chat)(nil)
)

// NewChat builds the chat integration.
func NewChat(cfg ChatConfig) (*Chat, error) {
	if _, err := url.Parse(cfg.Server); err != nil || cfg.Server == "" {
		return nil, fmt.Errorf("notify: invalid chat server url %q", cfg.Server)
	}
	rooms := cfg.Rooms
	if rooms == nil {
		rooms = &RoomStore{logger: pslog.NoopLogger()}
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Chat{
		server: strings.TrimRight(cfg.Server, "/"),
		rooms:  rooms,
		notify: cfg.SendNotifications,
		client: client,
		logger: svcfields.WithSubsystem(cfg.Logger, "notify.chat"),
		tokens: make(map[string]string),
		linked: make(map[string]string),
	}, nil
}

func (c *Chat) KeyTaken(s core.Snapshot) {
	c.pushGlance(s)
}

func (c *Chat) KeyWentMissing(s core.Snapshot) {
	c.mu.Lock()
	c.wasMissing = true
	c.mu.Unlock()
	c.pushGlance(s)
	c.sendNotification(roomNotification{Color: "red", Message: "Key went missing", Notify: true, MessageFormat: "text"})
}

func (c *Chat) KeyReturned(s core.Snapshot) {
	c.pushGlance(s)
	c.mu.Lock()
	wasMissing := c.wasMissing
	c.wasMissing = false
	c.mu.Unlock()
	if wasMissing {
		c.sendNotification(roomNotification{Color: "green", Message: "Key is back", Notify: true, MessageFormat: "text"})
	}
}

func (c *Chat) ReservationQueued(s core.Snapshot) {
	c.pushGlance(s)
}

func (c *Chat) ReservationRemoved(s core.Snapshot) {
	c.pushGlance(s)
}

// Link records that clientID opened the queue from inside the chat client.
// signedRequest is the token the chat server appended to the dialog URL; its
// issuer must name an installed room. The signature is not verified.
func (c *Chat) Link(clientID, signedRequest string) {
	if clientID == "" || signedRequest == "" {
		return
	}
	issuer, err := signedRequestIssuer(signedRequest)
	if err != nil {
		c.logger.Debug("signed request ignored", svcfields.ClientKey, clientID, "error", err)
		return
	}
	if !c.installed(issuer) {
		c.logger.Debug("signed request from unknown installation", svcfields.ClientKey, clientID, "issuer", issuer)
		return
	}
	c.mu.Lock()
	c.linked[clientID] = issuer
	c.mu.Unlock()
	c.logger.Debug("client linked to chat", svcfields.ClientKey, clientID, "issuer", issuer)
}

// KnownClient implements session.Voucher. Links whose installation was
// removed from the room store are forgotten.
func (c *Chat) KnownClient(clientID string) bool {
	c.mu.Lock()
	issuer, ok := c.linked[clientID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	if c.installed(issuer) {
		return true
	}
	c.mu.Lock()
	if c.linked[clientID] == issuer {
		delete(c.linked, clientID)
	}
	c.mu.Unlock()
	c.logger.Debug("chat link dropped, installation removed", svcfields.ClientKey, clientID, "issuer", issuer)
	return false
}

func (c *Chat) installed(issuer string) bool {
	for _, room := range c.rooms.Rooms() {
		if room.ClientID == issuer || room.Key == issuer {
			return true
		}
	}
	return false
}

var errMalformedSignedRequest = errors.New("malformed signed request")

// signedRequestIssuer decodes the claims of a JWT shaped signed request and
// returns its iss claim.
func signedRequestIssuer(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[1] == "" {
		return "", errMalformedSignedRequest
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return "", fmt.Errorf("%w: %v", errMalformedSignedRequest, err)
	}
	var claims struct {
		Issuer string `json:"iss"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", fmt.Errorf("%w: %v", errMalformedSignedRequest, err)
	}
	if claims.Issuer == "" {
		return "", fmt.Errorf("%w: missing iss", errMalformedSignedRequest)
	}
	return claims.Issuer, nil
}

func (c *Chat) pushGlance(s core.Snapshot) {
	body := map[string]any{
		"glance": []map[string]any{{"key": GlanceKey, "content": Glance(s)}},
	}
	for _, room := range c.rooms.Rooms() {
		endpoint := c.server + "/v2/addon/ui/room/" + url.PathEscape(room.RoomID)
		if err := c.post(room, endpoint, body); err != nil {
			c.logger.Warn("glance update failed", "room", room.Key, "error", err)
		}
	}
}

func (c *Chat) sendNotification(n roomNotification) {
	if !c.notify {
		return
	}
	for _, room := range c.rooms.Rooms() {
		endpoint := c.server + "/v2/room/" + url.PathEscape(room.RoomID) + "/notification"
		if err := c.post(room, endpoint, n); err != nil {
			c.logger.Warn("room notification failed", "room", room.Key, "color", n.Color, "error", err)
		}
	}
}

func (c *Chat) post(room Room, endpoint string, payload any) error {
	ctx, cancel := context.WithTimeout(context.Background(), chatRequestTimeout)
	defer cancel()
	token, err := c.token(ctx, room)
	if err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode == http.StatusUnauthorized {
			c.forgetToken(room)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	c.logger.Debug("chat request sent", "room", room.Key, "url", endpoint)
	return nil
}

func (c *Chat) forgetToken(room Room) {
	c.mu.Lock()
	delete(c.tokens, room.Key)
	c.mu.Unlock()
}

// token returns the room's bearer token, fetching one with the client
// credentials grant when the store carries none.
func (c *Chat) token(ctx context.Context, room Room) (string, error) {
	if room.Token != "" || room.TokenURL == "" {
		return room.Token, nil
	}
	c.mu.Lock()
	cached, ok := c.tokens[room.Key]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}
	form := url.Values{"grant_type": {"client_credentials"}, "scope": {"send_notification"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, room.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(room.ClientID, room.ClientSecret)
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("fetch token: unexpected status %d", resp.StatusCode)
	}
	var grant struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	if grant.AccessToken == "" {
		return "", fmt.Errorf("fetch token: empty access_token")
	}
	c.mu.Lock()
	c.tokens[room.Key] = grant.AccessToken
	c.mu.Unlock()
	c.logger.Info("chat token refreshed", "room", room.Key)
	return grant.AccessToken, nil
}
