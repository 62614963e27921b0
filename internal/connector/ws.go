package connector

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"chartflow/logger"
)

const defaultKeepAlive = 20 * time.Second

// wsRunner owns one websocket connection and its reconnect loop.
// dialURL is re-evaluated on every (re)connect so subscription
// changes take effect by forcing a reconnect.
type wsRunner struct {
	dialURL      func() string
	afterConnect func(*websocket.Conn) error
	handler      func([]byte)
	onUp         func()
	onDown       func(error)

	baseDelay time.Duration
	maxDelay  time.Duration
	reconnect chan struct{}
	log       *logger.Entry
}

func newWSRunner(log *logger.Entry, baseDelay, maxDelay time.Duration) *wsRunner {
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}
	return &wsRunner{
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		reconnect: make(chan struct{}, 1),
		log:       log,
	}
}

// forceReconnect closes the current connection so the runner redials
// with a fresh dialURL.
func (r *wsRunner) forceReconnect() {
	select {
	case r.reconnect <- struct{}{}:
	default:
	}
}

func (r *wsRunner) run(ctx context.Context) {
	delay := r.baseDelay
	dialer := websocket.DefaultDialer

	for ctx.Err() == nil {
		url := r.dialURL()
		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			r.log.WithError(err).WithField("url", url).Warn("websocket dial failed")
			if waitBackoff(ctx, &delay, r.maxDelay) {
				return
			}
			continue
		}

		if r.afterConnect != nil {
			if err := r.afterConnect(conn); err != nil {
				r.log.WithError(err).Warn("websocket subscribe failed")
				conn.Close()
				if waitBackoff(ctx, &delay, r.maxDelay) {
					return
				}
				continue
			}
		}

		delay = r.baseDelay
		if r.onUp != nil {
			r.onUp()
		}

		pingCancel := r.startPingLoop(ctx, conn)

		readDone := make(chan error, 1)
		go func() {
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					readDone <- err
					return
				}
				if r.handler != nil {
					r.handler(msg)
				}
			}
		}()

		var readErr error
		select {
		case readErr = <-readDone:
		case <-r.reconnect:
			conn.Close()
			<-readDone
		case <-ctx.Done():
			pingCancel()
			conn.Close()
			<-readDone
			return
		}

		pingCancel()
		conn.Close()

		if r.onDown != nil && ctx.Err() == nil {
			r.onDown(readErr)
		}
		if readErr != nil {
			r.log.WithError(readErr).Warn("websocket read loop ended")
		}

		if waitBackoff(ctx, &delay, r.maxDelay) {
			return
		}
	}
}

func (r *wsRunner) startPingLoop(ctx context.Context, conn *websocket.Conn) context.CancelFunc {
	pingCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(defaultKeepAlive)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(time.Second))
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					r.log.WithError(err).Warn("failed to send websocket ping")
					cancel()
					return
				}
			}
		}
	}()
	return cancel
}

// waitBackoff sleeps for *delay then doubles it up to max. Returns
// true when the context was cancelled while waiting.
func waitBackoff(ctx context.Context, delay *time.Duration, max time.Duration) bool {
	timer := time.NewTimer(*delay)
	defer timer.Stop()

	next := *delay * 2
	if next > max {
		next = max
	}
	*delay = next

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
