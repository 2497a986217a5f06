//go:build linux

package ethernet

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// RawSocketTransmitter sends frames on an AF_PACKET/SOCK_RAW socket bound
// to a single interface. It is the one concrete Transmitter this core
// ships: everything above it only ever sees the Transmitter interface, per
// §1's "raw Ethernet send/receive... out of scope" boundary — this is
// strictly the host-side plumbing that satisfies it, not part of the
// protocol core.
type RawSocketTransmitter struct {
	fd        int
	ifIndex   int
	localMAC  [6]byte
}

// NewRawSocketTransmitter opens a raw socket bound to ifIndex, sourcing
// frames from localMAC.
func NewRawSocketTransmitter(ifIndex int, localMAC [6]byte) (*RawSocketTransmitter, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(EtherTypeProfinet)))
	if err != nil {
		return nil, fmt.Errorf("ethernet: socket: %w", err)
	}
	addr := unix.SockaddrLinklayer{
		Protocol: htons(EtherTypeProfinet),
		Ifindex:  ifIndex,
		Halen:    6,
	}
	copy(addr.Addr[:6], localMAC[:])
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ethernet: bind: %w", err)
	}
	return &RawSocketTransmitter{fd: fd, ifIndex: ifIndex, localMAC: localMAC}, nil
}

func htons(v uint16) uint16 {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return binary.LittleEndian.Uint16(b)
}

// Send implements Transmitter: it prepends the Ethernet (and optional VLAN)
// header plus the PROFINET FrameID field and writes the frame to the raw
// socket.
func (t *RawSocketTransmitter) Send(frame Frame) error {
	hdr := make([]byte, 0, 20)
	hdr = append(hdr, frame.DstMAC[:]...)
	hdr = append(hdr, t.localMAC[:]...)
	if frame.VLANID != 0 || frame.VLANPrio != 0 {
		hdr = binary.BigEndian.AppendUint16(hdr, EtherTypeVLAN)
		tci := (uint16(frame.VLANPrio) << 13) | (frame.VLANID & 0x0FFF)
		hdr = binary.BigEndian.AppendUint16(hdr, tci)
	}
	hdr = binary.BigEndian.AppendUint16(hdr, EtherTypeProfinet)
	hdr = binary.BigEndian.AppendUint16(hdr, frame.FrameID)

	out := append(hdr, frame.Payload...)
	addr := unix.SockaddrLinklayer{
		Protocol: htons(EtherTypeProfinet),
		Ifindex:  t.ifIndex,
		Halen:    6,
	}
	copy(addr.Addr[:6], frame.DstMAC[:])
	return unix.Sendto(t.fd, out, 0, &addr)
}

// Close releases the underlying socket.
func (t *RawSocketTransmitter) Close() error {
	return unix.Close(t.fd)
}

// Receive reads one frame off the socket and parses its Ethernet (and
// optional VLAN) header plus PROFINET FrameID field, returning ok=false
// for anything shorter than a minimal header (a runt frame, not an error
// worth surfacing to the caller's receive loop).
func (t *RawSocketTransmitter) Receive() (frame Frame, ok bool, err error) {
	buf := make([]byte, 1600)
	n, _, err := unix.Recvfrom(t.fd, buf, 0)
	if err != nil {
		return Frame{}, false, fmt.Errorf("ethernet: recvfrom: %w", err)
	}
	buf = buf[:n]
	if len(buf) < 14 {
		return Frame{}, false, nil
	}
	copy(frame.DstMAC[:], buf[0:6])
	copy(frame.SrcMAC[:], buf[6:12])
	pos := 12
	etherType := binary.BigEndian.Uint16(buf[pos:])
	pos += 2
	if etherType == EtherTypeVLAN {
		if len(buf) < pos+4 {
			return Frame{}, false, nil
		}
		tci := binary.BigEndian.Uint16(buf[pos:])
		frame.VLANPrio = uint8(tci >> 13)
		frame.VLANID = tci & 0x0FFF
		pos += 2
		etherType = binary.BigEndian.Uint16(buf[pos:])
		pos += 2
	}
	if etherType != EtherTypeProfinet {
		return Frame{}, false, nil
	}
	if len(buf) < pos+2 {
		return Frame{}, false, nil
	}
	frame.FrameID = binary.BigEndian.Uint16(buf[pos:])
	pos += 2
	frame.Payload = buf[pos:]
	return frame, true, nil
}
