package broadlink

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Keepalive packet layout.
const (
	KeepaliveSize      = 0x30
	keepaliveFlagIndex = 0x26

	// DefaultKeepaliveInterval is how often a heartbeat is sent.
	DefaultKeepaliveInterval = 90 * time.Second
)

// KeepalivePacket returns a new heartbeat datagram: 48 zero bytes with the
// keepalive flag at offset 0x26.
func KeepalivePacket() []byte {
	p := make([]byte, KeepaliveSize)
	p[keepaliveFlagIndex] = 0x01
	return p
}

// PacketSender delivers a single datagram to address:port.
type PacketSender interface {
	SendPacket(ctx context.Context, address string, port int, payload []byte) error
}

// UDPSender sends datagrams over UDP/IPv4.
type UDPSender struct {
	// WriteTimeout bounds each write. Zero means 2 seconds.
	WriteTimeout time.Duration
}

// SendPacket dials address:port and writes payload.
func (s UDPSender) SendPacket(ctx context.Context, address string, port int, payload []byte) error {
	timeout := s.WriteTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp4", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close() //nolint:errcheck // best-effort close of a datagram socket

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// HeartbeatConfig configures a Heartbeat.
type HeartbeatConfig struct {
	Sender   PacketSender
	Clock    clock.Clock
	Interval time.Duration
	Logger   Logger
	OnEvent  EventHandler
}

// Heartbeat periodically sends the keepalive packet to one device.
// Send failures are reported and never stop the loop.
type Heartbeat struct {
	dev      *Device
	sender   PacketSender
	clock    clock.Clock
	interval time.Duration
	logger   Logger
	onEvent  EventHandler

	ticker   *clock.Ticker
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewHeartbeat creates a heartbeat for dev.
func NewHeartbeat(dev *Device, cfg HeartbeatConfig) *Heartbeat {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultKeepaliveInterval
	}
	if cfg.Sender == nil {
		cfg.Sender = UDPSender{}
	}
	return &Heartbeat{
		dev:      dev,
		sender:   cfg.Sender,
		clock:    cfg.Clock,
		interval: cfg.Interval,
		logger:   orNoop(cfg.Logger),
		onEvent:  cfg.OnEvent,
	}
}

// Start begins sending heartbeats. It does nothing for devices without a
// port and reports whether the loop was started.
func (h *Heartbeat) Start(ctx context.Context) bool {
	if h.dev.Port == 0 {
		h.logger.Debug("keepalive disabled, no port", h.dev.logFields()...)
		return false
	}

	ctx, h.cancel = context.WithCancel(ctx)
	h.ticker = h.clock.Ticker(h.interval)

	h.wg.Add(1)
	go h.loop(ctx)
	return true
}

// Stop halts the heartbeat loop.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() {
		if h.cancel == nil {
			return
		}
		h.cancel()
		h.ticker.Stop()
		h.wg.Wait()
	})
}

func (h *Heartbeat) loop(ctx context.Context) {
	defer h.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	err := h.sender.SendPacket(ctx, h.dev.Address, h.dev.Port, KeepalivePacket())
	if err == nil || ctx.Err() != nil {
		return
	}

	h.logger.Warn("keepalive send failed", withFields(h.dev.logFields(), "error", err)...)
	if h.onEvent != nil {
		ev := newDeviceEvent(EventKeepaliveError, h.dev, h.clock.Now())
		ev.Err = err
		h.onEvent(ev)
	}
}
