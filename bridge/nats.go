// Package bridge republishes client bus events on NATS.
package bridge

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bt-bridge/voicechat"
	"github.com/bt-bridge/voicechat/shared"
	"github.com/bytedance/sonic"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	DefaultSubjectPrefix = "voicechat"
	// session token used before an id exists
	noSession = "_"
)

// Envelope is the JSON body of every published event.
type Envelope struct {
	Event    voicechat.EventName `json:"event"`
	WebRTCID string              `json:"webrtc_id,omitempty"`
	Time     time.Time           `json:"time"`
	Data     any                 `json:"data,omitempty"`
}

// Sender accepts data channel messages; *voicechat.Client satisfies it.
type Sender interface {
	Send(msg voicechat.DataMessage) error
}

type Options struct {
	URL           string
	SubjectPrefix string
	Name          string
	// SessionID reports the current session when an event carries none.
	SessionID func() string
}

// NATS publishes bus events to <prefix>.<webrtc_id>.<event>.
type NATS struct {
	logger  shared.LoggerAdapter
	conn    *nats.Conn
	prefix  string
	session func() string
	clock   func() time.Time

	mu    sync.Mutex
	unsub []func()
	subs  []*nats.Subscription
}

func Connect(logger shared.LoggerAdapter, opts Options) (*NATS, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if opts.URL == "" {
		return nil, fmt.Errorf("%w: nats url", shared.ErrNoConfig)
	}
	if opts.Name == "" {
		opts.Name = "voicechat"
	}
	conn, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	prefix := strings.Trim(opts.SubjectPrefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	session := opts.SessionID
	if session == nil {
		session = func() string { return "" }
	}
	logger.Info("connected to NATS", zap.String("url", opts.URL), zap.String("prefix", prefix))
	return &NATS{
		logger:  logger,
		conn:    conn,
		prefix:  prefix,
		session: session,
		clock:   time.Now,
	}, nil
}

// Attach forwards every event of bus until the returned func is called
// or the bridge closes.
func (n *NATS) Attach(bus *voicechat.Bus) (detach func()) {
	u := bus.SubscribeAll(n.publish)
	n.mu.Lock()
	n.unsub = append(n.unsub, u)
	n.mu.Unlock()
	return u
}

// Subject returns the subject an event of a session is published on.
func (n *NATS) Subject(webrtcID string, name voicechat.EventName) string {
	if webrtcID == "" {
		webrtcID = noSession
	}
	return n.prefix + "." + webrtcID + "." + string(name)
}

func (n *NATS) publish(event voicechat.Event) {
	id, data := payload(event)
	if id == "" {
		id = n.session()
	}
	body, err := sonic.Marshal(Envelope{
		Event:    event.Name(),
		WebRTCID: id,
		Time:     n.clock().UTC(),
		Data:     data,
	})
	if err != nil {
		n.logger.Error("encoding bus event", err, zap.String("event", string(event.Name())))
		return
	}
	if err := n.conn.Publish(n.Subject(id, event.Name()), body); err != nil {
		n.logger.Warn("publishing bus event", zap.String("event", string(event.Name())), zap.Error(err))
	}
}

// Commands relays JSON messages received on <prefix>.commands to the
// sender's data channel.
func (n *NATS) Commands(sender Sender) error {
	sub, err := n.conn.Subscribe(n.prefix+".commands", func(m *nats.Msg) {
		var msg voicechat.DataMessage
		if err := sonic.Unmarshal(m.Data, &msg); err != nil || msg.Type == "" {
			n.logger.Warn("ignored malformed command", zap.String("subject", m.Subject))
			return
		}
		err := sender.Send(msg)
		if m.Reply != "" {
			reply := []byte("ok")
			if err != nil {
				reply = []byte(err.Error())
			}
			_ = m.Respond(reply)
		}
		if err != nil {
			n.logger.Warn("relaying command", zap.String("type", msg.Type), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe commands: %w", err)
	}
	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()
	return nil
}

// Flush waits until the server has processed everything published so far.
func (n *NATS) Flush() error {
	return n.conn.Flush()
}

func (n *NATS) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	for _, u := range n.unsub {
		u()
	}
	n.unsub = nil
	for _, s := range n.subs {
		_ = s.Unsubscribe()
	}
	n.subs = nil
	n.mu.Unlock()
	n.logger.Info("closing NATS connection")
	_ = n.conn.Drain()
	n.conn.Close()
}

func payload(event voicechat.Event) (webrtcID string, data any) {
	switch e := event.(type) {
	case voicechat.ConnectEvent:
		return e.WebRTCID, nil
	case voicechat.DisconnectEvent:
		return e.WebRTCID, nil
	case voicechat.ConnectionStateChangeEvent:
		return "", map[string]string{"state": e.State.String(), "peer_state": e.PeerState.String()}
	case voicechat.ICEConnectionStateChangeEvent:
		return "", map[string]string{"state": e.State.String()}
	case voicechat.TrackEvent:
		return "", map[string]string{"track_id": e.TrackID, "stream_id": e.StreamID, "kind": e.Kind.String()}
	case voicechat.SubtitleEvent:
		return e.WebRTCID, map[string]any{"type": string(e.Subtitle.Kind), "timestamp": e.Subtitle.Timestamp, "text": e.Subtitle.Text}
	case voicechat.MessageEvent:
		return e.Message.WebRTCID, e.Message
	case voicechat.DataChannelOpenEvent:
		return "", map[string]string{"label": e.Label}
	case voicechat.DataChannelCloseEvent:
		return "", map[string]string{"label": e.Label}
	case voicechat.ErrorEvent:
		m := map[string]string{"message": e.Message}
		if e.Err != nil {
			m["error"] = e.Err.Error()
		}
		return "", m
	case voicechat.LogEvent:
		return "", map[string]string{"message": e.Message}
	}
	return "", nil
}
