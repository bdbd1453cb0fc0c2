// Package lan discovers Broadlink devices on the local network with the
// vendor hello broadcast and feeds the replies to the bridge.
package lan

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-irbridge/internal/bridges/broadlink"
)

const (
	// DefaultBroadcast is where hello packets are sent.
	DefaultBroadcast = "255.255.255.255:80"

	// DevicePort is the UDP port Broadlink devices listen on.
	DevicePort = 80

	helloSize     = 0x30
	helloCommand  = 0x06
	checksumSeed  = 0xbeaf
	minReplySize  = 0x40
	replyTypeOff  = 0x34
	replyMACStart = 0x3a
	replyMACEnd   = 0x40
	replyNameOff  = 0x40

	readBufferSize = 1024
)

// ErrClosed is returned by Discover after Close.
var ErrClosed = errors.New("lan: transport closed")

// Logger is the subset of logging.Logger used here.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Config configures a Transport.
type Config struct {
	// Broadcast overrides DefaultBroadcast.
	Broadcast string

	// LocalAddr is the address to bind, e.g. "192.168.1.10:0". Empty binds
	// all interfaces on an ephemeral port.
	LocalAddr string

	Logger Logger
}

// Transport implements broadlink.Transport over UDP broadcast.
//
// Discovered devices are announced without send or learn capability:
// authenticated commands belong to a device driver, so announced devices
// are monitored (liveness and keepalive) until one is attached.
type Transport struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	conn    net.PacketConn
	onReady func(broadlink.Announcement)
	closed  bool
	wg      sync.WaitGroup
}

// New creates a Transport. The socket is opened on the first Discover.
func New(cfg Config) *Transport {
	if cfg.Broadcast == "" {
		cfg.Broadcast = DefaultBroadcast
	}
	return &Transport{cfg: cfg, now: time.Now}
}

// SetOnDeviceReady installs the announcement handler.
func (t *Transport) SetOnDeviceReady(fn func(broadlink.Announcement)) {
	t.mu.Lock()
	t.onReady = fn
	t.mu.Unlock()
}

// Discover sends one hello broadcast. Replies are delivered to the
// handler from a background reader.
func (t *Transport) Discover(ctx context.Context) error {
	conn, err := t.socket(ctx)
	if err != nil {
		return err
	}

	dst, err := net.ResolveUDPAddr("udp4", t.cfg.Broadcast)
	if err != nil {
		return fmt.Errorf("resolving broadcast address: %w", err)
	}

	local, _ := conn.LocalAddr().(*net.UDPAddr) //nolint:errcheck // udp4 sockets always have a UDPAddr
	packet := helloPacket(t.now(), local)

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline) //nolint:errcheck // best effort
	}
	if _, err := conn.WriteTo(packet, dst); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}
	return nil
}

// Close stops the reader and releases the socket.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	t.wg.Wait()
	return err
}

func (t *Transport) socket(ctx context.Context) (net.PacketConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	if t.conn != nil {
		return t.conn, nil
	}

	addr := t.cfg.LocalAddr
	if addr == "" {
		addr = "0.0.0.0:0"
	}
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("opening discovery socket: %w", err)
	}
	t.conn = conn

	t.wg.Add(1)
	go t.readLoop(conn)
	return conn, nil
}

func (t *Transport) readLoop(conn net.PacketConn) {
	defer t.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && t.cfg.Logger != nil {
				t.cfg.Logger.Warn("discovery read failed", "error", err)
			}
			return
		}

		udp, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		a, err := parseReply(buf[:n], udp)
		if err != nil {
			if t.cfg.Logger != nil {
				t.cfg.Logger.Debug("ignoring discovery datagram", "from", from.String(), "error", err)
			}
			continue
		}

		t.mu.Lock()
		fn := t.onReady
		t.mu.Unlock()
		if fn != nil {
			fn(a)
		}
	}
}

// helloPacket builds the discovery request for the given local time and
// reply address.
func helloPacket(now time.Time, local *net.UDPAddr) []byte {
	p := make([]byte, helloSize)

	_, offset := now.Zone()
	tz := offset / 3600
	binary.LittleEndian.PutUint32(p[0x08:], uint32(int32(tz))) //nolint:gosec // hours fit int32

	binary.LittleEndian.PutUint16(p[0x0c:], uint16(now.Year())) //nolint:gosec // four-digit year
	p[0x0e] = byte(now.Minute())
	p[0x0f] = byte(now.Hour())
	p[0x10] = byte(now.Year() % 100)
	p[0x11] = byte(isoWeekday(now))
	p[0x12] = byte(now.Day())
	p[0x13] = byte(now.Month())

	if local != nil {
		if ip4 := local.IP.To4(); ip4 != nil {
			p[0x18], p[0x19], p[0x1a], p[0x1b] = ip4[3], ip4[2], ip4[1], ip4[0]
		}
		binary.LittleEndian.PutUint16(p[0x1c:], uint16(local.Port)) //nolint:gosec // port range
	}

	p[0x26] = helloCommand
	binary.LittleEndian.PutUint16(p[0x20:], checksum(p))
	return p
}

func isoWeekday(t time.Time) int {
	if wd := int(t.Weekday()); wd != 0 {
		return wd
	}
	return 7
}

func checksum(p []byte) uint16 {
	sum := uint32(checksumSeed)
	for _, b := range p {
		sum += uint32(b)
	}
	return uint16(sum & 0xffff) //nolint:gosec // masked
}

// parseReply turns a hello response into an announcement.
func parseReply(b []byte, from *net.UDPAddr) (broadlink.Announcement, error) {
	if len(b) < minReplySize {
		return broadlink.Announcement{}, fmt.Errorf("reply too short: %d bytes", len(b))
	}

	devType := binary.LittleEndian.Uint16(b[replyTypeOff:])

	// MAC is stored least significant byte first.
	mac := make([]byte, 0, replyMACEnd-replyMACStart)
	for i := replyMACEnd - 1; i >= replyMACStart; i-- {
		mac = append(mac, b[i])
	}

	model := ModelName(devType)
	if name := nulTerminated(b[replyNameOff:]); name != "" {
		model = name
	}

	return broadlink.Announcement{
		Address:  from.IP.String(),
		Port:     DevicePort,
		MACBytes: mac,
		Model:    model,
		Type:     devType,
		Handle:   monitorHandle{},
	}, nil
}

func nulTerminated(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// monitorHandle is the handle given to devices without a command driver.
type monitorHandle struct{}

func (monitorHandle) Capabilities() broadlink.Capability { return 0 }

func (monitorHandle) SendData(context.Context, []byte) error { return broadlink.ErrUnsupported }

func (monitorHandle) EnterLearning(context.Context) error { return broadlink.ErrUnsupported }
