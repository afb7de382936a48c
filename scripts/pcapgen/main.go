// Command pcapgen writes a capture of interleaved same-flow segment bursts,
// the traffic shape receive aggregation works on, for use with rx-replay.
package main

import (
	"flag"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"NetSpectraRx/internal/logging"
)

var log = logging.DefaultLogger.WithField(logging.Subsys, "pcapgen")

type flow struct {
	src, dst         net.IP
	srcPort, dstPort uint16
	udp              bool
	seq              uint32
	ipID             uint16
}

func main() {
	outputFile := flag.String("o", "bursts.pcap", "Output pcap file path")
	numFlows := flag.Int("flows", 32, "Number of concurrent flows")
	numBursts := flag.Int("bursts", 1000, "Number of bursts to generate")
	maxBurst := flag.Int("max-burst", 16, "Maximum segments per burst")
	segSize := flag.Int("mss", 1400, "Payload size of full segments")
	udpShare := flag.Float64("udp", 0.5, "Share of UDP flows")
	seed := flag.Int64("seed", 1, "Random seed")
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))

	f, err := os.Create(*outputFile)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		log.Fatalf("Failed to write pcap header: %v", err)
	}

	flows := make([]*flow, *numFlows)
	for i := range flows {
		flows[i] = &flow{
			src:     net.IP{10, 0, byte(i >> 8), byte(i)},
			dst:     net.IP{10, 1, byte(rng.Intn(256)), byte(rng.Intn(256))},
			srcPort: uint16(rng.Intn(65535-1024) + 1024),
			dstPort: uint16(rng.Intn(1024) + 1),
			udp:     rng.Float64() < *udpShare,
			seq:     rng.Uint32(),
		}
	}

	ts := time.Now()
	packets := 0
	for b := 0; b < *numBursts; b++ {
		fl := flows[rng.Intn(len(flows))]
		n := rng.Intn(*maxBurst) + 1
		for s := 0; s < n; s++ {
			size := *segSize
			// Bursts sometimes end with a short segment.
			if s == n-1 && rng.Intn(3) == 0 {
				size = rng.Intn(*segSize-1) + 1
			}
			data, err := serialize(fl, size, s == n-1 && rng.Intn(4) == 0)
			if err != nil {
				log.Fatalf("Failed to serialize packet: %v", err)
			}
			ts = ts.Add(time.Microsecond)
			ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
			if err := w.WritePacket(ci, data); err != nil {
				log.Fatalf("Failed to write packet: %v", err)
			}
			packets++
		}
	}
	log.Infof("Generated %d packets in %d bursts over %d flows into %s.", packets, *numBursts, *numFlows, *outputFile)
}

func serialize(fl *flow, size int, push bool) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xAA},
		EthernetType: layers.EthernetTypeIPv4,
	}
	fl.ipID++
	ip := &layers.IPv4{
		Version: 4,
		TTL:     64,
		Id:      fl.ipID,
		Flags:   layers.IPv4DontFragment,
		SrcIP:   fl.src,
		DstIP:   fl.dst,
	}
	payload := make([]byte, size)

	var l4 gopacket.SerializableLayer
	if fl.udp {
		ip.Protocol = layers.IPProtocolUDP
		udp := &layers.UDP{SrcPort: layers.UDPPort(fl.srcPort), DstPort: layers.UDPPort(fl.dstPort)}
		udp.SetNetworkLayerForChecksum(ip)
		l4 = udp
	} else {
		ip.Protocol = layers.IPProtocolTCP
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(fl.srcPort),
			DstPort: layers.TCPPort(fl.dstPort),
			Seq:     fl.seq,
			ACK:     true,
			PSH:     push,
			Window:  14600,
		}
		tcp.SetNetworkLayerForChecksum(ip)
		fl.seq += uint32(size)
		l4 = tcp
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, l4, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
