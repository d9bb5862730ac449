package monitor

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// ProbeResult carries the derived metrics of one device probe.
type ProbeResult struct {
	PacketLoss   float64 // percent, 0-100
	AvgLatencyMS float64 // 0 when no echo came back
}

// Prober measures reachability of one host.
type Prober interface {
	Probe(ctx context.Context, ip string) (*ProbeResult, error)
}

// ICMPProber sends a burst of echo requests and derives packet loss
// and average round-trip time. It prefers an unprivileged datagram
// socket and falls back to raw ICMP where the platform allows it.
type ICMPProber struct {
	Count   int           // echo requests per probe
	Timeout time.Duration // per-echo reply deadline
}

// NewICMPProber creates a prober sending count echoes with the given
// per-echo timeout.
func NewICMPProber(count int, timeout time.Duration) *ICMPProber {
	if count <= 0 {
		count = 5
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	return &ICMPProber{Count: count, Timeout: timeout}
}

func (p *ICMPProber) Probe(ctx context.Context, ip string) (*ProbeResult, error) {
	target := net.ParseIP(ip)
	if target == nil || target.To4() == nil {
		return nil, fmt.Errorf("invalid IPv4 address %q", ip)
	}

	conn, dgram, err := listenICMP()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var dst net.Addr = &net.IPAddr{IP: target}
	if dgram {
		dst = &net.UDPAddr{IP: target}
	}

	ident := os.Getpid() & 0xffff
	sent, received := 0, 0
	var totalRTT time.Duration

	for seq := 0; seq < p.Count; seq++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msg := icmp.Message{
			Type: ipv4.ICMPTypeEcho,
			Body: &icmp.Echo{
				ID:   ident,
				Seq:  seq,
				Data: []byte("cmapper-probe"),
			},
		}
		packet, err := msg.Marshal(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal echo request: %w", err)
		}

		start := time.Now()
		if _, err := conn.WriteTo(packet, dst); err != nil {
			sent++
			continue
		}
		sent++

		if rtt, ok := p.awaitReply(conn, target, ident, seq, dgram, start); ok {
			received++
			totalRTT += rtt
		}
	}

	if sent == 0 {
		return nil, fmt.Errorf("no probes sent to %s", ip)
	}

	result := &ProbeResult{
		PacketLoss: float64(sent-received) / float64(sent) * 100,
	}
	if received > 0 {
		result.AvgLatencyMS = float64(totalRTT.Milliseconds()) / float64(received)
	}
	return result, nil
}

// awaitReply reads until a matching echo reply arrives or the per-echo
// deadline passes.
func (p *ICMPProber) awaitReply(conn *icmp.PacketConn, target net.IP, ident, seq int, dgram bool, start time.Time) (time.Duration, bool) {
	deadline := start.Add(p.Timeout)
	buf := make([]byte, 1500)

	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return 0, false
		}
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return 0, false
		}
		rtt := time.Since(start)

		if matchEchoReply(buf[:n], peer, target, ident, seq, dgram) {
			return rtt, true
		}
	}
}

// matchEchoReply reports whether a received packet is the reply to our
// echo request. The peer address pins the reply to the probed host; a
// raw socket sees every inbound ICMP packet, and concurrent probes of
// different hosts reuse the same sequence numbers. Datagram sockets
// rewrite the echo ID, so the ID only identifies our probe on the raw
// socket.
func matchEchoReply(payload []byte, peer net.Addr, target net.IP, ident, seq int, dgram bool) bool {
	var peerIP net.IP
	switch a := peer.(type) {
	case *net.UDPAddr:
		peerIP = a.IP
	case *net.IPAddr:
		peerIP = a.IP
	default:
		return false
	}
	if !peerIP.Equal(target) {
		return false
	}
	msg, err := icmp.ParseMessage(1, payload)
	if err != nil {
		return false
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok || msg.Type != ipv4.ICMPTypeEchoReply {
		return false
	}
	if !dgram && echo.ID != ident {
		return false
	}
	return echo.Seq == seq
}

// listenICMP opens an ICMP socket, unprivileged first. The second
// return reports whether the socket is a datagram socket.
func listenICMP() (*icmp.PacketConn, bool, error) {
	if conn, err := icmp.ListenPacket("udp4", "0.0.0.0"); err == nil {
		return conn, true, nil
	}
	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return nil, false, fmt.Errorf("failed to open ICMP socket: %w", err)
	}
	return conn, false, nil
}

// TCPProber approximates reachability with TCP connects for
// environments where ICMP sockets are unavailable. Loss is the
// percentage of failed connection attempts; latency is the average
// connect time.
type TCPProber struct {
	Port    int
	Count   int
	Timeout time.Duration
}

// NewTCPProber creates a connect prober against the given port.
func NewTCPProber(port, count int, timeout time.Duration) *TCPProber {
	if port <= 0 {
		port = 80
	}
	if count <= 0 {
		count = 5
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	return &TCPProber{Port: port, Count: count, Timeout: timeout}
}

func (p *TCPProber) Probe(ctx context.Context, ip string) (*ProbeResult, error) {
	if net.ParseIP(ip) == nil {
		return nil, fmt.Errorf("invalid IP address %q", ip)
	}
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", p.Port))
	dialer := &net.Dialer{Timeout: p.Timeout}

	attempted, connected := 0, 0
	var total time.Duration
	for i := 0; i < p.Count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		attempted++
		if err != nil {
			continue
		}
		connected++
		total += time.Since(start)
		conn.Close()
	}

	result := &ProbeResult{
		PacketLoss: float64(attempted-connected) / float64(attempted) * 100,
	}
	if connected > 0 {
		result.AvgLatencyMS = float64(total.Milliseconds()) / float64(connected)
	}
	return result, nil
}

// HTTPProber checks devices that answer HTTP, such as cameras and
// printers with embedded web servers. A response with a status inside
// the accepted window counts as reachable.
type HTTPProber struct {
	Port      int
	Path      string
	Count     int
	StatusMin int
	StatusMax int
	Client    *http.Client
}

// NewHTTPProber creates an HTTP prober against the given port and path.
func NewHTTPProber(port int, path string, count int, timeout time.Duration) *HTTPProber {
	if port <= 0 {
		port = 80
	}
	if path == "" {
		path = "/"
	}
	if count <= 0 {
		count = 5
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	return &HTTPProber{
		Port:      port,
		Path:      path,
		Count:     count,
		StatusMin: 200,
		StatusMax: 399,
		Client:    &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProber) Probe(ctx context.Context, ip string) (*ProbeResult, error) {
	if net.ParseIP(ip) == nil {
		return nil, fmt.Errorf("invalid IP address %q", ip)
	}
	url := fmt.Sprintf("http://%s%s", net.JoinHostPort(ip, fmt.Sprintf("%d", p.Port)), p.Path)

	attempted, succeeded := 0, 0
	var total time.Duration
	for i := 0; i < p.Count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		start := time.Now()
		resp, err := p.Client.Do(req)
		attempted++
		if err != nil {
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= p.StatusMin && resp.StatusCode <= p.StatusMax {
			succeeded++
			total += time.Since(start)
		}
	}

	result := &ProbeResult{
		PacketLoss: float64(attempted-succeeded) / float64(attempted) * 100,
	}
	if succeeded > 0 {
		result.AvgLatencyMS = float64(total.Milliseconds()) / float64(succeeded)
	}
	return result, nil
}
