//go:build linux

package server

import (
	"bufio"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// logListenBacklog logs the kernel's listen backlog limit (Linux-specific)
func logListenBacklog(addr string) {
	somaxconn := 0
	if data, err := os.ReadFile("/proc/sys/net/core/somaxconn"); err == nil {
		somaxconn, _ = strconv.Atoi(strings.TrimSpace(string(data)))
	}

	log.Printf("Relay listening on %s (kernel listen backlog: %d)", addr, somaxconn)
	if somaxconn > 0 && somaxconn < 1024 {
		log.Printf("WARNING: net.core.somaxconn=%d may be too low when many servers reconnect at once", somaxconn)
	}
}

// monitorListenOverflows periodically checks for listen queue overflows (Linux-specific)
func (s *Server) monitorListenOverflows() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	lastOverflows := readListenOverflows()

	for {
		select {
		case <-ticker.C:
			overflows := readListenOverflows()
			if overflows > lastOverflows {
				delta := overflows - lastOverflows
				s.metrics.RecordListenOverflows(delta)
				log.Printf("WARNING: %d connection(s) rejected due to listen backlog overflow (total: %d)", delta, overflows)
			}
			lastOverflows = overflows

		case <-s.shutdown:
			return
		}
	}
}

func readListenOverflows() uint64 {
	file, err := os.Open("/proc/net/netstat")
	if err != nil {
		return 0
	}
	defer file.Close()
	return parseListenOverflows(file)
}

// parseListenOverflows reads the TcpExt ListenOverflows counter from a
// /proc/net/netstat style document
func parseListenOverflows(r io.Reader) uint64 {
	scanner := bufio.NewScanner(r)
	var headers, values []string

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "TcpExt:") {
			continue
		}
		fields := strings.Fields(line)
		if headers == nil {
			headers = fields[1:]
		} else {
			values = fields[1:]
			break
		}
	}

	for i, header := range headers {
		if header == "ListenOverflows" && i < len(values) {
			n, err := strconv.ParseUint(values[i], 10, 64)
			if err != nil {
				return 0
			}
			return n
		}
	}
	return 0
}
