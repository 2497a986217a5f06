package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	pnet "github.com/pnet-core/pnet"
	"github.com/pnet-core/pnet/internal/ethernet"
	"github.com/pnet-core/pnet/pkg/cmdev"
	"github.com/pnet-core/pnet/pkg/fspm"
)

const defaultInterface = "eth0"
const defaultConfigPath = "pnet.ini"

// wallClock adapts time.Now to osal.Clock, the one concrete Clock this
// core ships — the host is free to supply another for a non-wallclock
// platform, §9's OSAL boundary.
type wallClock struct{ start time.Time }

func newWallClock() *wallClock { return &wallClock{start: time.Now()} }

func (c *wallClock) NowUs() uint32 {
	return uint32(time.Since(c.start).Microseconds())
}

func main() {
	log.SetLevel(log.InfoLevel)

	ifaceName := flag.String("i", defaultInterface, "raw Ethernet interface, e.g. eth0")
	ifIndex := flag.Int("ifindex", 0, "interface index (0: resolve from -i is not implemented, pass explicitly)")
	configPath := flag.String("c", defaultConfigPath, "device configuration ini file")
	periodMs := flag.Int("period", 10, "handle_periodic interval in milliseconds")
	flag.Parse()

	logger := log.WithField("component", "pnet-device")

	cfg, err := fspm.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("failed to load configuration %v: %v\n", *configPath, err)
		os.Exit(1)
	}

	var srcMAC [6]byte
	tx, err := ethernet.NewRawSocketTransmitter(*ifIndex, srcMAC)
	if err != nil {
		fmt.Printf("failed to open raw socket on %v: %v\n", *ifaceName, err)
		os.Exit(1)
	}
	defer tx.Close()

	clock := newWallClock()
	n, err := pnet.New(pnet.NetConfig{
		MaxARs:           4,
		DiagPoolCapacity: 64,
		PortCount:        1,
		AlarmQueueDepth:  8,
		AlarmMailboxSize: 8,
		SessionCapacity:  4,
		Limits:           cmdev.DefaultLimits(),
		SrcMAC:           srcMAC,
	}, cfg, fspm.Callbacks{}, clock, tx, logger)
	if err != nil {
		fmt.Printf("failed to initialize device: %v\n", err)
		os.Exit(1)
	}

	go receiveLoop(tx, n.EthernetDispatcher(), logger)

	ticker := time.NewTicker(time.Duration(*periodMs) * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		n.HandlePeriodic()
	}
}

// receiveLoop is the host-side plumbing named out of scope by §1 ("raw
// Ethernet send/receive... out of scope"): it only ever calls into the
// core through the FrameListener boundary, never touching protocol state
// directly.
func receiveLoop(rx *ethernet.RawSocketTransmitter, disp *ethernet.Dispatcher, logger *log.Entry) {
	for {
		frame, ok, err := rx.Receive()
		if err != nil {
			logger.WithError(err).Warn("raw socket receive failed")
			return
		}
		if !ok {
			continue
		}
		disp.Handle(frame)
	}
}
