package broadlink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const protocolICMP = 1

// ICMPProber answers liveness probes with a single ICMP echo request.
//
// In unprivileged mode it uses a datagram ICMP socket ("udp4"), which on
// Linux requires net.ipv4.ping_group_range to include the process group.
// Privileged mode opens a raw socket and needs CAP_NET_RAW.
type ICMPProber struct {
	Privileged bool

	id  int
	seq atomic.Uint32
}

// NewICMPProber creates a prober.
func NewICMPProber(privileged bool) *ICMPProber {
	return &ICMPProber{
		Privileged: privileged,
		id:         os.Getpid() & 0xffff,
	}
}

// Probe sends one echo request to address and waits up to timeout for the
// matching reply. A timeout yields (false, nil).
func (p *ICMPProber) Probe(ctx context.Context, address string, timeout time.Duration) (bool, error) {
	ip, err := resolveIPv4(ctx, address)
	if err != nil {
		return false, err
	}

	network := "udp4"
	var dst net.Addr = &net.UDPAddr{IP: ip}
	if p.Privileged {
		network = "ip4:icmp"
		dst = &net.IPAddr{IP: ip}
	}

	conn, err := icmp.ListenPacket(network, "0.0.0.0")
	if err != nil {
		return false, fmt.Errorf("icmp listen: %w", err)
	}
	defer conn.Close() //nolint:errcheck // socket is discarded after one probe

	seq := int(p.seq.Add(1) & 0xffff)
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   p.id,
			Seq:  seq,
			Data: []byte("graylogic-irbridge"),
		},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return false, fmt.Errorf("icmp marshal: %w", err)
	}

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return false, fmt.Errorf("icmp deadline: %w", err)
	}

	if _, err := conn.WriteTo(wb, dst); err != nil {
		return false, fmt.Errorf("icmp write: %w", err)
	}

	rb := make([]byte, 1500)
	for {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		n, _, err := conn.ReadFrom(rb)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return false, nil
			}
			return false, fmt.Errorf("icmp read: %w", err)
		}

		reply, err := icmp.ParseMessage(protocolICMP, rb[:n])
		if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		echo, ok := reply.Body.(*icmp.Echo)
		if !ok || echo.Seq != seq {
			continue
		}
		// Datagram sockets have their echo ID rewritten by the kernel.
		if p.Privileged && echo.ID != p.id {
			continue
		}
		return true, nil
	}
}

func resolveIPv4(ctx context.Context, address string) (net.IP, error) {
	if ip := net.ParseIP(address); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
		return nil, fmt.Errorf("%s: not an IPv4 address", address)
	}

	addrs, err := net.DefaultResolver.LookupIP(ctx, "ip4", address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", address, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no IPv4 address", address)
	}
	return addrs[0], nil
}
