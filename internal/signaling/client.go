package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	ErrClosed         = errors.New("signaling client closed")
	ErrConnectionLost = errors.New("signaling connection lost")
	ErrRejected       = errors.New("signaling request rejected")
)

const (
	defaultRequestTimeout = 5 * time.Second
	defaultRedialRetries  = 5
	defaultRedialInterval = 250 * time.Millisecond
	notificationBuffer    = 64
)

// Client is a websocket signaling connection. Requests are correlated with
// responses by cookie; frames with the notify cookie are server pushes.
// A dropped socket is redialed with exponential backoff.
type Client struct {
	url            string
	dialer         *websocket.Dialer
	log            *zap.Logger
	requestTimeout time.Duration
	redialRetries  uint64
	redialInterval time.Duration

	tracer         trace.Tracer
	requestCounter metric.Int64Counter
	errorCounter   metric.Int64Counter

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan map[string]interface{}
	closed  bool

	notifications chan Notification
}

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// WithRedial sets how many times, starting at which interval, a lost
// socket is redialed before the client gives up.
func WithRedial(retries uint64, interval time.Duration) Option {
	return func(c *Client) {
		c.redialRetries = retries
		c.redialInterval = interval
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// Dial connects to url, retrying with backoff until the retry budget or ctx
// runs out.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:            url,
		dialer:         websocket.DefaultDialer,
		log:            zap.NewNop(),
		requestTimeout: defaultRequestTimeout,
		redialRetries:  defaultRedialRetries,
		redialInterval: defaultRedialInterval,
		tracer:         otel.Tracer("signaling-client"),
		done:           make(chan struct{}),
		pending:        make(map[string]chan map[string]interface{}),
		notifications:  make(chan Notification, notificationBuffer),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("signaling").With(zap.String("url", url))

	meter := otel.Meter("signaling-client")
	c.requestCounter, _ = meter.Int64Counter("signaling.requests_total", metric.WithDescription("Total number of signaling requests"))
	c.errorCounter, _ = meter.Int64Counter("signaling.errors_total", metric.WithDescription("Total number of failed signaling requests"))

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.conn = conn
	go c.readLoop(conn)
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	op := func() error {
		ws, resp, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.log.Debug("signaling dial failed", zap.Error(err))
			if resp != nil && resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError {
				return backoff.Permanent(fmt.Errorf("signaling handshake rejected with %s: %w", resp.Status, err))
			}
			return err
		}
		conn = ws
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.redialInterval
	bo.MaxInterval = 4 * c.redialInterval
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, c.redialRetries), ctx)); err != nil {
		return nil, fmt.Errorf("failed to dial signaling: %w", err)
	}
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer close(c.notifications)
	defer c.failPending()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			c.log.Warn("signaling connection dropped, redialing", zap.Error(err))
			c.failPending()
			c.notify(Notification{Kind: NotifyReconnecting, Reason: err.Error()})

			next, derr := c.dial(c.ctx)
			if derr != nil {
				c.log.Error("signaling redial failed", zap.Error(derr))
				c.notify(Notification{Kind: NotifyClosed, Reason: derr.Error()})
				return
			}
			if !c.swapConn(next) {
				next.Close()
				return
			}
			conn = next
			c.notify(Notification{Kind: NotifyReconnected})
			continue
		}

		cookie, msg, err := decodeFrame(data)
		if err != nil {
			c.log.Warn("dropping signaling frame", zap.Error(err))
			continue
		}
		if cookie == notifyCookie {
			n, ok := parseNotification(msg)
			if !ok {
				c.log.Debug("ignoring unknown notification", zap.String("event", str(msg, "event")))
				continue
			}
			c.notify(n)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[cookie]
		delete(c.pending, cookie)
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

func (c *Client) swapConn(next *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn = next
	return true
}

func (c *Client) notify(n Notification) {
	select {
	case c.notifications <- n:
	case <-c.done:
	}
}

// failPending wakes every in-flight request with ErrConnectionLost. Only the
// read loop calls it, so no response can be delivered to a closed channel.
func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for cookie, ch := range c.pending {
		close(ch)
		delete(c.pending, cookie)
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) request(ctx context.Context, command string, args map[string]interface{}) (map[string]interface{}, error) {
	ctx, span := c.tracer.Start(ctx, "signaling.Request", trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(
		attribute.String("command", command),
	))
	defer span.End()

	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	cookie := newCookie()
	args["command"] = command
	frame, err := encodeFrame(cookie, args)
	if err != nil {
		return nil, err
	}

	ch := make(chan map[string]interface{}, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	conn := c.conn
	c.pending[cookie] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, cookie)
		c.mu.Unlock()
	}()

	c.requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("command", command)))
	fail := func(reason string, err error) error {
		c.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("command", command), attribute.String("reason", reason)))
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		return err
	}

	c.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	err = conn.WriteMessage(websocket.BinaryMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fail("write_error", fmt.Errorf("failed to write %s: %w", command, err))
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fail("connection_lost", fmt.Errorf("%s: %w", command, ErrConnectionLost))
		}
		if str(resp, "result") == "error" {
			return nil, fail("rejected", fmt.Errorf("%s: %w: %s", command, ErrRejected, str(resp, "error-reason")))
		}
		return resp, nil
	case <-ctx.Done():
		return nil, fail("timeout", fmt.Errorf("%s: %w", command, ctx.Err()))
	}
}

func (c *Client) Join(ctx context.Context, req JoinRequest) (*JoinResponse, error) {
	resp, err := c.request(ctx, "join", map[string]interface{}{
		"token":      req.Token,
		"sdp":        req.OfferSDP,
		"ice-policy": req.ICEPolicy,
	})
	if err != nil {
		return nil, err
	}

	answer := str(resp, "sdp")
	if answer == "" {
		return nil, fmt.Errorf("join: %w: answer without sdp", errMalformedFrame)
	}
	return &JoinResponse{
		Identity:     str(resp, "identity"),
		AnswerSDP:    answer,
		Participants: parseParticipants(resp["participants"]),
	}, nil
}

func (c *Client) SetMuted(ctx context.Context, kind string, muted bool) error {
	_, err := c.request(ctx, "mute", map[string]interface{}{
		"kind":  kind,
		"muted": yesNo(muted),
	})
	return err
}

func (c *Client) Leave(ctx context.Context) error {
	_, err := c.request(ctx, "leave", map[string]interface{}{})
	return err
}

func (c *Client) Notifications() <-chan Notification {
	return c.notifications
}

// Close stops the client. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	close(c.done)

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}
