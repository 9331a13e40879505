package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/qmigo/qmigo/internal/router"
)

// DefaultDiscoveryPort is the well-known UDP port discovery requests
// and the responder both use.
const DefaultDiscoveryPort = 35999

// discoveryRequest / discoveryResponse are the UDP datagram payloads.
// They form a standalone broadcast protocol distinct from the framed
// TCP Message codec; JSON keeps the payloads trivially inspectable
// with tcpdump/netcat while debugging discovery, which the binary
// codec would not be.
type discoveryRequest struct {
	Op        string `json:"op"`
	Workgroup string `json:"workgroup"`
}

type discoveryResponse struct {
	Op              string `json:"op"`
	Workgroup       string `json:"workgroup"`
	Context         string `json:"context"`
	Host            string `json:"host"`
	Port            uint16 `json:"port"`
	ProtocolVersion uint32 `json:"protocol_version"`
}

// discoveryResponder listens on the well-known discovery port, answers
// matching-workgroup requests, and (doubling as the client side) can
// broadcast a request and collect responses.
type discoveryResponder struct {
	localContext string
	workgroup    string
	tcpHost      string
	tcpPort      uint16
	port         int

	conn *net.UDPConn

	mu        sync.Mutex
	listeners map[chan discoveryResponse]struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newDiscoveryResponder(localContext, workgroup, listenAddr string, port int) (*discoveryResponder, error) {
	host, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid listen address %q: %w", listenAddr, err)
	}
	tcpPort, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid listen port %q: %w", portStr, err)
	}
	if host == "" || host == "0.0.0.0" {
		host = localHostname()
	}

	lc := net.ListenConfig{Control: reuseAddrAndPort}
	pconn, err := lc.ListenPacket(context.Background(), "udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp :%d: %w", port, err)
	}
	udpConn := pconn.(*net.UDPConn)
	if err := setBroadcast(udpConn); err != nil {
		_ = udpConn.Close()
		return nil, fmt.Errorf("transport: enable broadcast: %w", err)
	}

	return &discoveryResponder{
		localContext: localContext,
		workgroup:    workgroup,
		tcpHost:      host,
		tcpPort:      uint16(tcpPort),
		port:         port,
		conn:         udpConn,
		listeners:    make(map[chan discoveryResponse]struct{}),
		closed:       make(chan struct{}),
	}, nil
}

func localHostname() string {
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// serve reads discovery requests and datagram responses off the same
// socket: a "discover" op is answered with "here" when the workgroup
// matches (contexts outside the workgroup do not respond);
// a "here" op is an answer to our own broadcast and is fanned out to
// any in-flight discover() calls.
func (d *discoveryResponder) serve() {
	buf := make([]byte, 4096)
	for {
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.closed:
				return
			default:
				continue
			}
		}
		d.handleDatagram(buf[:n], addr)
	}
}

func (d *discoveryResponder) handleDatagram(data []byte, from *net.UDPAddr) {
	var envelope struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return
	}
	switch envelope.Op {
	case "discover":
		var req discoveryRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		if req.Workgroup != d.workgroup {
			return
		}
		resp := discoveryResponse{
			Op:              "here",
			Workgroup:       d.workgroup,
			Context:         d.localContext,
			Host:            d.tcpHost,
			Port:            d.tcpPort,
			ProtocolVersion: ProtocolVersion,
		}
		payload, _ := json.Marshal(resp)
		_, _ = d.conn.WriteToUDP(payload, from)
	case "here":
		var resp discoveryResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return
		}
		if resp.Workgroup != d.workgroup {
			return
		}
		d.mu.Lock()
		for ch := range d.listeners {
			select {
			case ch <- resp:
			default:
			}
		}
		d.mu.Unlock()
	}
}

// discover broadcasts a "discover" datagram and collects "here"
// responses until timeout or ctx is done.
func (d *discoveryResponder) discover(ctx context.Context, workgroup string, timeout time.Duration) ([]router.PeerInfo, error) {
	ch := make(chan discoveryResponse, 32)
	d.mu.Lock()
	d.listeners[ch] = struct{}{}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.listeners, ch)
		d.mu.Unlock()
	}()

	req := discoveryRequest{Op: "discover", Workgroup: workgroup}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	broadcastAddr := &net.UDPAddr{IP: net.IPv4bcast, Port: d.port}
	if _, err := d.conn.WriteToUDP(payload, broadcastAddr); err != nil {
		return nil, fmt.Errorf("transport: discovery broadcast: %w", err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	seen := make(map[string]struct{})
	var peers []router.PeerInfo
	for {
		select {
		case resp := <-ch:
			if _, dup := seen[resp.Context]; dup {
				continue
			}
			seen[resp.Context] = struct{}{}
			peers = append(peers, router.PeerInfo{Context: resp.Context, Host: resp.Host, Port: resp.Port})
		case <-deadline.C:
			return peers, nil
		case <-ctx.Done():
			return peers, ctx.Err()
		case <-d.closed:
			return peers, nil
		}
	}
}

func (d *discoveryResponder) close() {
	d.closeOnce.Do(func() {
		close(d.closed)
		_ = d.conn.Close()
	})
}
