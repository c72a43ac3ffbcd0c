// Package mdns discovers network SDR front-ends advertised over mDNS.
package mdns

import (
	"cmp"
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// IIODService is the service type advertised by IIOD servers.
const IIODService = "_iio._tcp"

// Host is one advertised service endpoint.
type Host struct {
	Instance  string   `json:"instance"`
	Hostname  string   `json:"hostname"`
	Addresses []net.IP `json:"addresses"`
	Port      int      `json:"port"`
	TXT       []string `json:"txt,omitempty"`
}

// URI returns ip:port for the first address, falling back to the hostname
// when the announcement carried none.
func (h Host) URI() string {
	port := strconv.Itoa(h.Port)
	if len(h.Addresses) == 0 {
		return net.JoinHostPort(strings.TrimSuffix(h.Hostname, "."), port)
	}
	return net.JoinHostPort(h.Addresses[0].String(), port)
}

// DiscoverIIOD browses for IIOD servers on the local link.
func DiscoverIIOD(ctx context.Context, timeout time.Duration) ([]Host, error) {
	return Browse(ctx, IIODService, timeout)
}

// Browse collects announcements of service until timeout or ctx ends.
// Repeated announcements of a hostname and port collapse into one Host;
// the result is ordered by hostname.
func Browse(ctx context.Context, service string, timeout time.Duration) ([]Host, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	var seen hostSet
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		seen.drain(ctx, entries)
	}()

	err = resolver.Browse(ctx, service, "local.", entries)
	if err != nil {
		cancel()
	}
	wg.Wait()
	if err != nil {
		return nil, fmt.Errorf("mdns browse %s: %w", service, err)
	}
	return seen.sorted(), nil
}

// hostSet deduplicates entries by hostname and port.
type hostSet map[string]Host

func (s *hostSet) drain(ctx context.Context, entries <-chan *zeroconf.ServiceEntry) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-entries:
			if !ok {
				return
			}
			if e != nil {
				s.add(toHost(e))
			}
		}
	}
}

func (s *hostSet) add(h Host) {
	if *s == nil {
		*s = make(hostSet)
	}
	(*s)[h.Hostname+"|"+strconv.Itoa(h.Port)] = h
}

func (s hostSet) sorted() []Host {
	out := make([]Host, 0, len(s))
	for _, h := range s {
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b Host) int {
		return cmp.Or(strings.Compare(a.Hostname, b.Hostname), cmp.Compare(a.Port, b.Port))
	})
	return out
}

func toHost(e *zeroconf.ServiceEntry) Host {
	return Host{
		Instance:  strings.ReplaceAll(e.Instance, `\ `, " "),
		Hostname:  e.HostName,
		Addresses: slices.Concat(e.AddrIPv4, e.AddrIPv6),
		Port:      e.Port,
		TXT:       slices.Clone(e.Text),
	}
}
