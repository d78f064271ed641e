// Package vnc implements the VNC/RFB console (C4): a background
// framebuffer-update loop over github.com/mitchellh/go-vnc, mouse/keyboard
// event emission, and a screenshot persistence side channel.
package vnc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	goVNC "github.com/mitchellh/go-vnc"

	"github.com/kstaniek/go-sut-driver/internal/asynctx"
	"github.com/kstaniek/go-sut-driver/internal/logging"
)

// Config names a VNC endpoint.
type Config struct {
	Host     string
	Port     int
	Password string
}

// ErrNotConnected is returned by operations issued after Close.
var ErrNotConnected = errors.New("vnc: not connected")

// Client owns one RFB connection: a background goroutine drains server
// messages and keeps the current framebuffer up to date under a mutex,
// mirroring the teacher's single-owner-goroutine-plus-mutex shape used for
// the serial RX loop.
type Client struct {
	conn   net.Conn
	cc     *goVNC.ClientConn
	logger *slog.Logger

	subs *Subscribers

	mu     sync.Mutex
	frame  *Screenshot
	closed bool

	done     chan struct{}
	msgCh    chan goVNC.ServerMessage
	stopOnce sync.Once

	// events serializes every mouse/keyboard emission through one
	// goroutine, the same asynctx.Tx funnel the screenshot writer uses,
	// so pointer and key events from concurrent Service workers never
	// interleave on the wire.
	events *asynctx.Tx[eventReq]

	// lastX, lastY are the pointer's last commanded position. RFB's
	// PointerEvent carries an absolute x,y on every call, so a
	// button-only update (click, press, release) must resend them
	// rather than (0, 0). Touched only from within the events funnel
	// goroutine, so no separate lock is needed.
	lastX, lastY uint16
}

// eventReq is one queued input event: fn performs the actual RFB call, ack
// (if non-nil) receives its result once applied.
type eventReq struct {
	fn  func() error
	ack chan error
}

// Dial connects to cfg and starts the background refresh loop.
func Dial(cfg Config) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("vnc dial: %w", err)
	}

	msgCh := make(chan goVNC.ServerMessage, 16)
	clientCfg := &goVNC.ClientConfig{
		Auth:            []goVNC.ClientAuth{&goVNC.PasswordAuth{Password: cfg.Password}},
		Exclusive:       false,
		ServerMessageCh: msgCh,
		ServerMessages:  []goVNC.ServerMessage{&goVNC.FramebufferUpdateMessage{}},
	}
	cc, err := goVNC.Client(conn, clientCfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("vnc handshake: %w", err)
	}

	c := &Client{
		conn:   conn,
		cc:     cc,
		logger: logging.L(),
		subs:   NewSubscribers(),
		done:   make(chan struct{}),
		msgCh:  msgCh,
		frame: &Screenshot{
			Width:  int(cc.FramebufferWidth),
			Height: int(cc.FramebufferHeight),
			Pixels: make([]byte, int(cc.FramebufferWidth)*int(cc.FramebufferHeight)*4),
		},
	}

	c.events = asynctx.New(context.Background(), 32, c.applyEvent, asynctx.Hooks[eventReq]{
		OnError: func(req eventReq, err error) {
			c.logger.Warn("vnc_event_failed", "reason", err)
		},
		OnDrop: func(req eventReq) error {
			err := ErrNotConnected
			if req.ack != nil {
				req.ack <- err
			}
			return err
		},
	})

	go c.listen()
	go c.refreshLoop()
	return c, nil
}

func (c *Client) applyEvent(req eventReq) error {
	err := req.fn()
	if req.ack != nil {
		req.ack <- err
	}
	return err
}

// submit serializes fn through the event goroutine and blocks for its
// result.
func (c *Client) submit(fn func() error) error {
	ack := make(chan error, 1)
	if err := c.events.Send(eventReq{fn: fn, ack: ack}); err != nil {
		if errors.Is(err, asynctx.ErrClosed) {
			return ErrNotConnected
		}
		return err
	}
	return <-ack
}

// listen runs the RFB server message pump on its own goroutine for the
// lifetime of the connection, feeding decoded messages into the mutex-
// protected framebuffer.
func (c *Client) listen() {
	go func() {
		if err := c.cc.ListenAndHandle(); err != nil {
			c.logger.Warn("vnc_listen_stopped", "reason", err)
		}
	}()
	for {
		select {
		case msg, ok := <-c.msgCh:
			if !ok {
				return
			}
			c.applyMessage(msg)
		case <-c.done:
			return
		}
	}
}

func (c *Client) applyMessage(msg goVNC.ServerMessage) {
	fbUpdate, ok := msg.(*goVNC.FramebufferUpdateMessage)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rect := range fbUpdate.Rectangles {
		raw, ok := rect.Enc.(*goVNC.RawEncoding)
		if !ok {
			continue
		}
		c.blitRaw(rect, raw)
	}
	c.subs.Broadcast()
}

// blitRaw copies one decoded rectangle of 16-bit RGB colors into the
// client's RGBA framebuffer; caller holds c.mu.
func (c *Client) blitRaw(rect goVNC.Rectangle, raw *goVNC.RawEncoding) {
	x0, y0 := int(rect.X), int(rect.Y)
	w, h := int(rect.Width), int(rect.Height)
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			px := x0 + col
			py := y0 + row
			if px >= c.frame.Width || py >= c.frame.Height {
				continue
			}
			clr := raw.Colors[row*w+col]
			off := (py*c.frame.Width + px) * 4
			c.frame.Pixels[off] = byte(clr.R >> 8)
			c.frame.Pixels[off+1] = byte(clr.G >> 8)
			c.frame.Pixels[off+2] = byte(clr.B >> 8)
			c.frame.Pixels[off+3] = 0xff
		}
	}
}

// refreshLoop periodically requests an incremental framebuffer update,
// the VNC analog to the serial/SSH EvLoop's poll cadence.
func (c *Client) refreshLoop() {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			closed := c.closed
			w, h := c.frame.Width, c.frame.Height
			c.mu.Unlock()
			if closed {
				return
			}
			if err := c.cc.FramebufferUpdateRequest(true, 0, 0, uint16(w), uint16(h)); err != nil {
				c.logger.Warn("vnc_refresh_request_failed", "reason", err)
			}
		case <-c.done:
			return
		}
	}
}

// Refresh blocks until the next framebuffer update is applied, or timeout
// elapses, then returns the current screenshot.
func (c *Client) Refresh(timeout time.Duration) (*Screenshot, error) {
	wait := c.subs.Wait()
	defer wait.Cancel()
	select {
	case <-wait.Notify:
	case <-time.After(timeout):
	case <-c.done:
		return nil, ErrNotConnected
	}
	return c.GetScreenShot()
}

// GetScreenShot returns a copy of the current framebuffer without waiting
// for a new frame.
func (c *Client) GetScreenShot() (*Screenshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrNotConnected
	}
	cp := &Screenshot{Width: c.frame.Width, Height: c.frame.Height, Pixels: make([]byte, len(c.frame.Pixels))}
	copy(cp.Pixels, c.frame.Pixels)
	return cp, nil
}

// MouseMove moves the pointer to (x, y) without pressing any button.
func (c *Client) MouseMove(x, y int) error {
	return c.submit(func() error {
		c.lastX, c.lastY = uint16(x), uint16(y)
		return c.cc.PointerEvent(0, c.lastX, c.lastY)
	})
}

// MouseDrag moves the pointer to (x, y) while holding the left button.
func (c *Client) MouseDrag(x, y int) error {
	return c.submit(func() error {
		c.lastX, c.lastY = uint16(x), uint16(y)
		return c.cc.PointerEvent(goVNC.ButtonLeft, c.lastX, c.lastY)
	})
}

// MouseClick presses then releases the given button mask at the pointer's
// last commanded position.
func (c *Client) MouseClick(mask uint8) error {
	return c.submit(func() error {
		if err := c.cc.PointerEvent(goVNC.ButtonMask(mask), c.lastX, c.lastY); err != nil {
			return err
		}
		return c.cc.PointerEvent(0, c.lastX, c.lastY)
	})
}

// MoveDown presses the given button mask without releasing it, at the
// pointer's last commanded position.
func (c *Client) MoveDown(mask uint8) error {
	return c.submit(func() error { return c.cc.PointerEvent(goVNC.ButtonMask(mask), c.lastX, c.lastY) })
}

// MoveUp releases every button at the pointer's last commanded position.
func (c *Client) MoveUp() error {
	return c.submit(func() error { return c.cc.PointerEvent(0, c.lastX, c.lastY) })
}

// MouseHide moves the pointer out of the visible framebuffer area so it
// does not occlude subsequent screenshots.
func (c *Client) MouseHide() error {
	return c.submit(func() error {
		c.lastX, c.lastY = 0xffff, 0xffff
		return c.cc.PointerEvent(0, c.lastX, c.lastY)
	})
}

// SendKey emits a down+up event for each keysym in keys.
func (c *Client) SendKey(keys []uint32) error {
	return c.submit(func() error {
		for _, sym := range keys {
			if err := c.cc.KeyEvent(sym, true); err != nil {
				return err
			}
			if err := c.cc.KeyEvent(sym, false); err != nil {
				return err
			}
		}
		return nil
	})
}

// TypeString sends s as a sequence of key events, one per rune.
func (c *Client) TypeString(s string) error {
	return c.SendKey(TypeStringKeys(s))
}

// Close tears down the connection and stops the background goroutines.
func (c *Client) Close() error {
	var err error
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		c.events.Close()
		err = c.conn.Close()
	})
	return err
}
