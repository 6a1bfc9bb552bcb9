// Package discovery answers SSDP M-SEARCH requests for this tuner so
// HDHomeRun-aware LAN clients can find it without manual configuration.
package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/url"
	"strings"
	"time"
)

// SSDP answers M-SEARCH requests on the standard UDP multicast port.
type SSDP struct {
	DeviceID     string
	DeviceXMLURL string
}

// Start listens for M-SEARCH requests until ctx is done. baseURL must be a
// reachable http(s) URL for clients on the LAN; if empty, discovery is
// disabled.
func Start(ctx context.Context, baseURL, deviceID string) {
	deviceXMLURL := joinDeviceXMLURL(baseURL)
	if deviceXMLURL == "" {
		log.Printf("discovery: disabled, no reachable base URL configured")
		return
	}
	s := &SSDP{DeviceID: deviceID, DeviceXMLURL: deviceXMLURL}
	go func() {
		if err := s.run(ctx); err != nil {
			log.Printf("discovery: %v", err)
		}
	}()
}

func (s *SSDP) run(ctx context.Context) error {
	pc, err := net.ListenPacket("udp", ":1900")
	if err != nil {
		return fmt.Errorf("listen UDP: %w", err)
	}
	defer pc.Close()
	log.Printf("discovery: SSDP listening on :1900")

	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		pc.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			continue
		}
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		msg := string(buf[:n])
		if strings.Contains(msg, "M-SEARCH") {
			s.reply(pc, udpAddr)
		}
	}
}

func (s *SSDP) reply(pc net.PacketConn, addr *net.UDPAddr) {
	resp := fmt.Sprintf(
		"HTTP/1.1 200 OK\r\n"+
			"CACHE-CONTROL: max-age=300\r\n"+
			"EXT:\r\n"+
			"LOCATION: %s\r\n"+
			"SERVER: multiviewer/1.0\r\n"+
			"ST: urn:schemas-upnp-org:device:MediaServer:1\r\n"+
			"USN: uuid:%s::urn:schemas-upnp-org:device:MediaServer:1\r\n"+
			"\r\n",
		s.DeviceXMLURL, s.DeviceID,
	)
	pc.WriteTo([]byte(resp), addr)
}

func joinDeviceXMLURL(baseURL string) string {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return ""
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/device.xml"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
