package radio

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/radionet-labs/radionet/pkg/metrics"
	"github.com/radionet-labs/radionet/pkg/util"
)

// monitorJoinWait bounds how long Reset waits for the monitor goroutine
// before detaching and surrendering the socket.
const monitorJoinWait = time.Second

// Bindings is the capability handle for the radio emulator's event bus.
// Sessions constructed without bindings fail setup with ErrMissingBindings.
type Bindings struct {
	json jsoniter.API
}

// NewBindings returns working event-bus bindings.
func NewBindings() *Bindings {
	return &Bindings{json: jsoniter.ConfigCompatibleWithStandardLibrary}
}

// LocationHandler receives inbound location events, one call per event, in
// arrival order, on the monitor goroutine. It must not block.
type LocationHandler func(nemID int, lat, lon, alt float64)

// LocationEntry is one outbound location in a batched publication.
type LocationEntry struct {
	NemID int
	Lon   float64
	Lat   float64
	Alt   int
}

// wireLocation is the on-the-wire event entry. Attitude and velocity
// attributes are parsed and ignored.
type wireLocation struct {
	Nem       int      `json:"nem"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Yaw       *float64 `json:"yaw,omitempty"`
	Pitch     *float64 `json:"pitch,omitempty"`
	Roll      *float64 `json:"roll,omitempty"`
	Azimuth   *float64 `json:"azimuth,omitempty"`
	Elevation *float64 `json:"elevation,omitempty"`
	Velocity  *float64 `json:"velocity,omitempty"`
}

type wireEvent struct {
	Events []wireLocation `json:"events"`
}

type serviceKey struct {
	group string
	port  int
}

// service is one connection to the event bus, keyed by (group, port).
type service struct {
	key     serviceKey
	device  string
	dst     *net.UDPAddr
	conn    net.PacketConn
	pc      *ipv4.PacketConn
	monitor bool
}

// Gateway bridges location events between the session and the radio
// emulator's multicast bus. Outbound publication is best-effort and
// non-blocking; inbound events are consumed by a single monitor goroutine
// per session.
type Gateway struct {
	bindings *Bindings
	handler  LocationHandler

	mu         sync.Mutex
	services   map[serviceKey]*service
	nemService map[int]*service
	monitorSvc *service
	stop       chan struct{}
	done       chan struct{}
}

// NewGateway returns a gateway delivering inbound events to handler.
func NewGateway(bindings *Bindings, handler LocationHandler) *Gateway {
	return &Gateway{
		bindings:   bindings,
		handler:    handler,
		services:   make(map[serviceKey]*service),
		nemService: make(map[int]*service),
	}
}

// CreateService registers an event service for a NEM. Services are keyed by
// (group, port) and deduplicated; device names the bridge the multicast
// membership binds to. When monitor is true and no monitor is active yet,
// the inbound monitor starts on this service.
func (g *Gateway) CreateService(nemID int, device, group string, port int, monitor bool) error {
	ip := net.ParseIP(group)
	if ip == nil {
		return fmt.Errorf("radio: event service group %q is not an address", group)
	}
	key := serviceKey{group: group, port: port}

	g.mu.Lock()
	defer g.mu.Unlock()
	svc, ok := g.services[key]
	if !ok {
		conn, err := listenEvent(port)
		if err != nil {
			return fmt.Errorf("radio: open event service %s:%d: %w", group, port, err)
		}
		pc := ipv4.NewPacketConn(conn)
		var ifi *net.Interface
		if device != "" {
			if found, err := net.InterfaceByName(device); err == nil {
				ifi = found
			} else {
				util.Logger.Debugf("radio: event device %s not found, using default interface", device)
			}
		}
		if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: ip}); err != nil {
			// keep the service: publication does not need membership
			util.Logger.Warnf("radio: join group %s on %s: %v", group, device, err)
		}
		if ifi != nil {
			pc.SetMulticastInterface(ifi)
		}
		pc.SetMulticastLoopback(true)
		svc = &service{
			key:     key,
			device:  device,
			dst:     &net.UDPAddr{IP: ip, Port: port},
			conn:    conn,
			pc:      pc,
			monitor: monitor,
		}
		g.services[key] = svc
	}
	g.nemService[nemID] = svc

	if monitor && g.monitorSvc == nil {
		g.monitorSvc = svc
		g.stop = make(chan struct{})
		g.done = make(chan struct{})
		go g.monitorLoop(svc, g.stop, g.done)
	}
	return nil
}

// PublishLocation publishes a single outbound location event.
func (g *Gateway) PublishLocation(nemID int, lon, lat float64, alt int) error {
	return g.PublishLocations([]LocationEntry{{NemID: nemID, Lon: lon, Lat: lat, Alt: alt}})
}

// PublishLocations publishes a batch of locations as one wire event.
// Successive identical batches are not deduplicated; every call with a
// non-empty batch emits one datagram. With no registered service the batch
// is dropped with a warning.
func (g *Gateway) PublishLocations(entries []LocationEntry) error {
	if len(entries) == 0 {
		return nil
	}
	g.mu.Lock()
	svc := g.nemService[entries[0].NemID]
	if svc == nil {
		for _, s := range g.services {
			svc = s
			break
		}
	}
	g.mu.Unlock()
	if svc == nil {
		util.Logger.Warnf("radio: no event service to publish %d locations", len(entries))
		return nil
	}

	event := wireEvent{Events: make([]wireLocation, 0, len(entries))}
	for _, e := range entries {
		lat, lon, alt := e.Lat, e.Lon, float64(e.Alt)
		event.Events = append(event.Events, wireLocation{
			Nem:       e.NemID,
			Latitude:  &lat,
			Longitude: &lon,
			Altitude:  &alt,
		})
	}
	payload, err := g.bindings.json.Marshal(&event)
	if err != nil {
		return fmt.Errorf("radio: marshal location event: %w", err)
	}

	svc.conn.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
	if _, err := svc.pc.WriteTo(payload, nil, svc.dst); err != nil {
		return fmt.Errorf("radio: publish to %s: %w", svc.dst, err)
	}
	metrics.LocationsPublished.Inc()
	return nil
}

// monitorLoop consumes inbound events until the stop channel closes or the
// socket is torn down.
func (g *Gateway) monitorLoop(svc *service, stop, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-stop:
			return
		default:
		}
		svc.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _, _, err := svc.pc.ReadFrom(buf)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			select {
			case <-stop:
			default:
				util.Logger.Warnf("radio: event monitor read: %v", err)
			}
			return
		}
		g.handleDatagram(buf[:n])
	}
}

// handleDatagram decodes one wire event and fans its entries to the handler.
// Entries missing any of latitude/longitude/altitude are dropped with a
// warning.
func (g *Gateway) handleDatagram(data []byte) {
	var event wireEvent
	if err := g.bindings.json.Unmarshal(data, &event); err != nil {
		util.Logger.Warnf("radio: dropped undecodable event: %v", err)
		metrics.EventsDropped.Inc()
		return
	}
	for _, e := range event.Events {
		metrics.EventsReceived.Inc()
		if e.Latitude == nil || e.Longitude == nil || e.Altitude == nil {
			util.Logger.Warn("radio: dropped invalid location event")
			metrics.EventsDropped.Inc()
			continue
		}
		if g.handler != nil {
			g.handler(e.Nem, *e.Latitude, *e.Longitude, *e.Altitude)
		}
	}
}

// Reset tears down all services and joins the monitor goroutine within a
// bounded wait. After the wait expires the goroutine is detached; closing
// the sockets guarantees it exits on its next read.
func (g *Gateway) Reset() {
	g.mu.Lock()
	stop, done := g.stop, g.done
	services := g.services
	g.services = make(map[serviceKey]*service)
	g.nemService = make(map[int]*service)
	g.monitorSvc = nil
	g.stop, g.done = nil, nil
	g.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	for _, svc := range services {
		svc.conn.Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(monitorJoinWait):
			util.Logger.Warn("radio: event monitor did not stop in time, detaching")
		}
	}
}

// Shutdown is the session-stop synonym for Reset.
func (g *Gateway) Shutdown() {
	g.Reset()
}

// listenEvent opens an event-bus socket with SO_REUSEADDR so that multiple
// services on one host can share the well-known event port.
func listenEvent(port int) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			if err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			}); err != nil {
				return err
			}
			return serr
		},
	}
	return lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", port))
}

// ServiceCount returns the number of distinct registered services.
func (g *Gateway) ServiceCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.services)
}
