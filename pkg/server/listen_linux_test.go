//go:build linux

package server

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseListenOverflows(t *testing.T) {
	netstat := `TcpExt: SyncookiesSent SyncookiesRecv ListenOverflows ListenDrops
TcpExt: 0 0 17 21
IpExt: InNoRoutes InTruncatedPkts
IpExt: 0 0
`
	assert.Equal(t, uint64(17), parseListenOverflows(strings.NewReader(netstat)))
}

func TestParseListenOverflowsMissing(t *testing.T) {
	tests := map[string]string{
		"empty":        "",
		"no counter":   "TcpExt: SyncookiesSent\nTcpExt: 3\n",
		"no values":    "TcpExt: ListenOverflows\n",
		"not a number": "TcpExt: ListenOverflows\nTcpExt: lots\n",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Zero(t, parseListenOverflows(strings.NewReader(input)))
		})
	}
}
