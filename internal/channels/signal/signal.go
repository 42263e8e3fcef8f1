// Package signal connects to a signal-cli REST API instance running in
// json-rpc mode: envelopes arrive on a WebSocket, replies go out over HTTP.
package signal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/channels"
	"github.com/nextlevelbuilder/clawrelay/internal/config"
	"github.com/nextlevelbuilder/clawrelay/internal/connection"
)

const ChannelName = "signal"

// groupPrefix marks group recipients in the REST API.
const groupPrefix = "group."

type envelopeFrame struct {
	Envelope envelope `json:"envelope"`
	Account  string   `json:"account"`
}

type envelope struct {
	Source       string       `json:"source"`
	SourceNumber string       `json:"sourceNumber"`
	SourceUUID   string       `json:"sourceUuid"`
	SourceName   string       `json:"sourceName"`
	Timestamp    int64        `json:"timestamp"`
	DataMessage  *dataMessage `json:"dataMessage"`
}

type dataMessage struct {
	Timestamp int64      `json:"timestamp"`
	Message   string     `json:"message"`
	GroupInfo *groupInfo `json:"groupInfo"`
	Mentions  []mention  `json:"mentions"`
	Quote     *quote     `json:"quote"`
}

type groupInfo struct {
	GroupID string `json:"groupId"`
}

type mention struct {
	Number string `json:"number"`
	UUID   string `json:"uuid"`
}

type quote struct {
	Author       string `json:"author"`
	AuthorNumber string `json:"authorNumber"`
}

type sendRequest struct {
	Message    string   `json:"message"`
	Number     string   `json:"number"`
	Recipients []string `json:"recipients"`
}

// Channel relays Signal messages for one registered number.
type Channel struct {
	*channels.BaseChannel
	config    config.SignalConfig
	transport *restTransport
	conn      *connection.Manager
}

// New creates a Signal channel. The receive socket is dialed by Start.
func New(cfg config.SignalConfig, router bus.MessageRouter, admission *channels.Pipeline, opts channels.ConnectionOptions) (*Channel, error) {
	if cfg.BaseURL == "" || cfg.Account == "" {
		return nil, fmt.Errorf("signal base_url and account are required")
	}
	t := &restTransport{
		baseURL: cfg.BaseURL,
		account: cfg.Account,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		readLimit: opts.Limits.WithDefaults().MaxPayloadBytes,
	}
	c := &Channel{
		BaseChannel: channels.NewBaseChannel(ChannelName, router, admission),
		config:      cfg,
		transport:   t,
	}
	c.SetAccountID(cfg.Account)
	c.conn = opts.NewConnection(cfg.Account, t, c.onEnvelope)
	return c, nil
}

func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting signal channel", "base_url", c.config.BaseURL, "account", c.config.Account)
	if err := c.conn.Start(ctx); err != nil {
		return err
	}
	c.SetRunning(true)

	go func() {
		<-c.conn.Done()
		c.SetRunning(false)
		if err := c.conn.Err(); err != nil {
			slog.Error("signal channel stopped", "account", c.AccountID(), "error", err)
		}
	}()
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping signal channel")
	c.conn.Stop()
	c.SetRunning(false)
	return nil
}

func (c *Channel) ConnectionState() connection.State {
	return c.conn.State()
}

// Send queues a /v2/send request on the connection.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	body, err := json.Marshal(sendRequest{
		Message:    msg.Content,
		Number:     c.config.Account,
		Recipients: []string{msg.ChatID},
	})
	if err != nil {
		return err
	}
	if err := c.conn.Send(ctx, body); err != nil {
		return fmt.Errorf("signal send: %w", err)
	}
	return nil
}

func (c *Channel) SendTyping(ctx context.Context, chatID string) error {
	return c.typing(ctx, http.MethodPut, chatID)
}

func (c *Channel) StopTyping(ctx context.Context, chatID string) error {
	return c.typing(ctx, http.MethodDelete, chatID)
}

func (c *Channel) typing(ctx context.Context, method, chatID string) error {
	body, _ := json.Marshal(map[string]string{"recipient": chatID})
	return c.transport.do(ctx, method, "/v1/typing-indicator/"+c.config.Account, body)
}

func (c *Channel) onEnvelope(_ context.Context, payload []byte) {
	var f envelopeFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		slog.Warn("invalid signal envelope JSON", "error", err)
		return
	}
	msg, ok := toInbound(f.Envelope, c.config.Account)
	if !ok {
		return
	}
	slog.Debug("signal message received",
		"sender_id", msg.SenderID,
		"chat_id", msg.ChatID,
		"preview", channels.Truncate(msg.Content, 50),
	)
	if d := c.HandleMessage(msg); !d.Admit {
		slog.Debug("signal message not admitted", "chat_id", msg.ChatID, "sender_id", msg.SenderID, "reason", d.Reason)
	}
}

// toInbound normalizes a data message. Receipts, typing notices and our own
// sync messages carry no data message or come from account and are dropped.
func toInbound(env envelope, account string) (bus.InboundMessage, bool) {
	dm := env.DataMessage
	if dm == nil {
		return bus.InboundMessage{}, false
	}
	sender := env.SourceNumber
	if sender == "" {
		sender = env.Source
	}
	if sender == "" {
		sender = env.SourceUUID
	}
	if sender == "" || sender == account {
		return bus.InboundMessage{}, false
	}

	chatID := sender
	peerKind := channels.PeerDirect
	if dm.GroupInfo != nil && dm.GroupInfo.GroupID != "" {
		chatID = groupPrefix + base64.StdEncoding.EncodeToString([]byte(dm.GroupInfo.GroupID))
		peerKind = channels.PeerGroup
	}

	was := false
	for _, m := range dm.Mentions {
		if m.Number == account {
			was = true
			break
		}
	}
	implicit := dm.Quote != nil && (dm.Quote.AuthorNumber == account || dm.Quote.Author == account)

	ts := dm.Timestamp
	if ts == 0 {
		ts = env.Timestamp
	}

	return bus.InboundMessage{
		MessageID:        sender + ":" + strconv.FormatInt(ts, 10),
		SenderID:         sender,
		SenderName:       env.SourceName,
		SenderTag:        env.SourceUUID,
		ChatID:           chatID,
		Content:          dm.Message,
		PeerKind:         peerKind,
		WasMentioned:     was,
		ImplicitMention:  implicit,
		HasAnyMention:    len(dm.Mentions) > 0,
		CanDetectMention: true,
	}, true
}
