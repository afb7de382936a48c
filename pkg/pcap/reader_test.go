package pcap

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NetSpectraRx/internal/testutil"
)

func ethernetFrame(t *testing.T, etype layers.EthernetType, payload []byte) []byte {
	eth := &layers.Ethernet{
		SrcMAC:       []byte{0, 1, 2, 3, 4, 5},
		DstMAC:       []byte{6, 7, 8, 9, 10, 11},
		EthernetType: etype,
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, gopacket.Payload(payload)))
	return buf.Bytes()
}

func writeCapture(t *testing.T, lt layers.LinkType, frames ...[]byte) string {
	path := filepath.Join(t.TempDir(), "test.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, lt))
	ts := time.Unix(1700000000, 0)
	for i, frame := range frames {
		ci := gopacket.CaptureInfo{Timestamp: ts.Add(time.Duration(i) * time.Millisecond), CaptureLength: len(frame), Length: len(frame)}
		require.NoError(t, w.WritePacket(ci, frame))
	}
	return path
}

func TestReader_Ethernet(t *testing.T) {
	ft := testutil.UDPTuple("10.0.0.1", "10.0.0.2", 4000, 53)
	ip := testutil.Build(testutil.Packet{Tuple: ft, Payload: 100, Fill: 0xab})
	arp := make([]byte, 28)

	path := writeCapture(t, layers.LinkTypeEthernet,
		ethernetFrame(t, layers.EthernetTypeIPv4, ip),
		ethernetFrame(t, layers.EthernetTypeARP, arp),
		ethernetFrame(t, layers.EthernetTypeIPv4, ip),
	)

	reader, err := NewReader(path)
	require.NoError(t, err)
	defer reader.Close()
	assert.Equal(t, layers.LinkTypeEthernet, reader.LinkType())

	out := make(chan Packet)
	errc := make(chan error, 1)
	go func() { errc <- reader.ReadPackets(out) }()

	var got []Packet
	for p := range out {
		got = append(got, p)
	}
	require.NoError(t, <-errc)
	require.Len(t, got, 2)
	assert.Equal(t, ip, got[0].Data)
	assert.Equal(t, int64(1700000000), got[0].Timestamp.Unix())
	assert.Equal(t, 1, reader.Skipped())
}

func TestReader_Raw(t *testing.T) {
	ft := testutil.TCPTuple("10.0.0.1", "10.0.0.2", 4000, 80)
	ip := testutil.Build(testutil.Packet{Tuple: ft, Payload: 10, TCPFlags: 0x10})
	path := writeCapture(t, layers.LinkTypeRaw, ip)

	reader, err := NewReader(path)
	require.NoError(t, err)
	defer reader.Close()

	p, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, ip, p.Data)
	_, err = reader.Next()
	assert.Error(t, err)
}

func TestReader_NotACapture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk")
	require.NoError(t, os.WriteFile(path, []byte("definitely not pcap"), 0644))
	_, err := NewReader(path)
	assert.Error(t, err)
}
