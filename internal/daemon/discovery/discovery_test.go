package discovery

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendName_ReadName_RoundTrip(t *testing.T) {
	buf := appendName(nil, "_scriptum-sync._tcp.local.")
	buf = append(buf, 0, 0, 0, 0) // pad so readName doesn't read past the end

	name, off, ok := readName(buf, 0)
	require.True(t, ok)
	assert.Equal(t, "_scriptum-sync._tcp.local.", name)
	assert.Less(t, off, len(buf))
}

func TestReadName_FollowsCompressionPointer(t *testing.T) {
	// Packet: [0] "local." at offset 0, then a name at offset 7 that
	// points back to offset 0 for its suffix.
	packet := appendName(nil, "local.")
	pointerOffset := len(packet)
	packet = append(packet, 5)
	packet = append(packet, "myins"...)
	packet = append(packet, 0xC0, 0x00) // pointer to offset 0

	name, _, ok := readName(packet, pointerOffset)
	require.True(t, ok)
	assert.Equal(t, "myins.local.", name)
}

func TestReadName_RejectsPointerCycle(t *testing.T) {
	packet := make([]byte, 4)
	// Offset 0 points to offset 2; offset 2 points back to offset 0.
	packet[0] = 0xC0
	packet[1] = 0x02
	packet[2] = 0xC0
	packet[3] = 0x00

	_, _, ok := readName(packet, 0)
	assert.False(t, ok)
}

func TestReadName_RejectsTruncatedLabel(t *testing.T) {
	packet := []byte{5, 'a', 'b'} // label claims length 5 but only 2 bytes follow
	_, _, ok := readName(packet, 0)
	assert.False(t, ok)
}

func TestParseTXT_DecodesKeyValuePairs(t *testing.T) {
	var rdata []byte
	for _, s := range []string{"workspace_id=ws-1", "peer_id=peer-9"} {
		rdata = append(rdata, byte(len(s)))
		rdata = append(rdata, s...)
	}

	got := parseTXT(rdata)
	assert.Equal(t, "ws-1", got["workspace_id"])
	assert.Equal(t, "peer-9", got["peer_id"])
}

func TestParseResponse_ResolvesInstanceViaSRVAndA(t *testing.T) {
	instanceName := "daemon-1._scriptum-sync._tcp.local."
	srvTarget := "daemon-1.local."

	var packet []byte
	packet = appendUint16(packet, 0) // id
	packet = appendUint16(packet, 0) // flags
	packet = appendUint16(packet, 0) // qdcount
	packet = appendUint16(packet, 3) // ancount: SRV + TXT + A
	packet = appendUint16(packet, 0) // nscount
	packet = appendUint16(packet, 0) // arcount

	// SRV record.
	packet = appendName(packet, instanceName)
	packet = appendUint16(packet, typeSRV)
	packet = appendUint16(packet, classIN)
	packet = append(packet, 0, 0, 0, 0) // ttl
	var srvRdata []byte
	srvRdata = appendUint16(srvRdata, 0) // priority
	srvRdata = appendUint16(srvRdata, 0) // weight
	srvRdata = appendUint16(srvRdata, 4327)
	srvRdata = appendName(srvRdata, srvTarget)
	packet = appendUint16(packet, uint16(len(srvRdata)))
	packet = append(packet, srvRdata...)

	// TXT record.
	packet = appendName(packet, instanceName)
	packet = appendUint16(packet, typeTXT)
	packet = appendUint16(packet, classIN)
	packet = append(packet, 0, 0, 0, 0)
	txtEntry := "workspace_id=ws-42"
	txtRdata := append([]byte{byte(len(txtEntry))}, txtEntry...)
	packet = appendUint16(packet, uint16(len(txtRdata)))
	packet = append(packet, txtRdata...)

	// A record for the SRV target.
	packet = appendName(packet, srvTarget)
	packet = appendUint16(packet, typeA)
	packet = appendUint16(packet, classIN)
	packet = append(packet, 0, 0, 0, 0)
	packet = appendUint16(packet, 4)
	packet = append(packet, 10, 0, 0, 5)

	instances := make(map[string]*instanceRecord)
	parseResponse(packet, instances)

	rec, ok := instances[instanceName]
	require.True(t, ok)
	assert.True(t, rec.matchesWorkspace("ws-42"))
	assert.False(t, rec.matchesWorkspace("other-workspace"))

	addr, port, ok := rec.resolve(instanceName)
	require.True(t, ok)
	assert.Equal(t, uint16(4327), port)
	assert.True(t, net.IP{10, 0, 0, 5}.Equal(addr))
}

func TestIsBenignMulticastError(t *testing.T) {
	assert.False(t, isBenignMulticastError(nil))
}
