// Command xdpfilter is an optional, standalone ingress pre-filter: an
// XDP/eBPF program that drops packets from IPs not on a small allowlist
// before they ever reach a worker's listening socket. It is out of the
// broker's core scope (spec §1, §9) — the broker never imports this
// package and has no awareness it is running. Deploying it changes
// nothing about placement, scoring, or admission; a dropped packet looks
// identical to one that was never sent.
package main

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
)

// DroppedPacketEvent matches the C struct the compiled object writes to
// its ring buffer map for every packet the allowlist rejected.
type DroppedPacketEvent struct {
	SrcIP     uint32
	SrcPort   uint16
	_         uint16 // padding to match the C struct's alignment
	Timestamp uint64
}

func main() {
	iface := os.Getenv("XDPFILTER_INTERFACE")
	if iface == "" {
		iface = "eth0"
	}
	allowlistPath := os.Getenv("XDPFILTER_ALLOWLIST_PATH")
	if allowlistPath == "" {
		allowlistPath = "allowlist.txt"
	}
	objPath := os.Getenv("XDPFILTER_OBJ_PATH")
	if objPath == "" {
		objPath = "xdpfilter.bpf.o"
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		log.Fatalf("failed to remove memlock: %v", err)
	}

	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		log.Fatalf("failed to load eBPF spec: %v", err)
	}

	var objs struct {
		Filter         *ebpf.Program `ebpf:"xdp_ingress_filter"`
		AllowedWorkers *ebpf.Map     `ebpf:"allowed_workers"`
		DroppedEvents  *ebpf.Map     `ebpf:"dropped_events"`
	}
	if err := spec.LoadAndAssign(&objs, nil); err != nil {
		log.Fatalf("failed to load eBPF objects: %v", err)
	}
	defer objs.Filter.Close()
	defer objs.AllowedWorkers.Close()
	defer objs.DroppedEvents.Close()

	loaded, err := populateAllowlist(objs.AllowedWorkers, allowlistPath)
	if err != nil {
		log.Fatalf("failed to populate allowlist: %v", err)
	}
	slog.Info("loaded worker IP allowlist", "path", allowlistPath, "count", loaded)

	ifaceObj, err := net.InterfaceByName(iface)
	if err != nil {
		log.Fatalf("failed to resolve interface %s: %v", iface, err)
	}

	l, err := link.AttachXDP(link.XDPOptions{
		Program:   objs.Filter,
		Interface: ifaceObj.Index,
	})
	if err != nil {
		slog.Warn("failed to attach XDP program, continuing unfiltered", "iface", iface, "error", err)
	} else {
		defer l.Close()
		slog.Info("XDP ingress filter attached", "iface", iface)
	}

	rd, err := ringbuf.NewReader(objs.DroppedEvents)
	if err != nil {
		log.Fatalf("failed to open ring buffer: %v", err)
	}
	defer rd.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	slog.Info("xdpfilter active, watching for dropped packets")
	for {
		select {
		case <-sig:
			slog.Info("shutting down")
			return
		default:
			record, err := rd.Read()
			if err != nil {
				if err == ringbuf.ErrClosed {
					return
				}
				slog.Warn("ring buffer read error", "error", err)
				continue
			}
			var evt DroppedPacketEvent
			if err := binary.Read(bytes.NewReader(record.RawSample), binary.LittleEndian, &evt); err != nil {
				slog.Warn("failed to parse dropped packet event", "error", err)
				continue
			}
			slog.Info("dropped packet from non-allowlisted source", "src_ip", ipToString(evt.SrcIP), "src_port", evt.SrcPort)
		}
	}
}

// populateAllowlist reads one IPv4 address per line from path and inserts
// each into the allowlist map, keyed by its big-endian uint32 form (the
// same byte order the compiled program compares against packet headers
// in).
func populateAllowlist(m *ebpf.Map, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ip := net.ParseIP(line).To4()
		if ip == nil {
			slog.Warn("skipping invalid allowlist entry", "line", line)
			continue
		}
		key := binary.BigEndian.Uint32(ip)
		if err := m.Put(key, uint8(1)); err != nil {
			return count, err
		}
		count++
	}
	return count, scanner.Err()
}

func ipToString(ip uint32) string {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, ip)
	return net.IP(b).String()
}
