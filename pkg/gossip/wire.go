package gossip

import (
	"bufio"
	"encoding/binary"
	"net"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/quorumdb/corering/pkg/corerr"
	"github.com/quorumdb/corering/pkg/endpoint"
)

// Protocol version gates which endpoint-address encoding is used
// (spec.md §6). Versions below 40 never carry a port or host UUID.
const (
	VersionWithPortAndUUID = 40
)

// EncodeAddr writes addr using the versioned size-prefixed scheme from
// spec.md §6:
//   - version < 40: byte size | raw IP bytes (size ∈ {4, 16})
//   - version >= 40: byte size | IP | uint16 port (size ∈ {6, 18})
func EncodeAddr(w *bufio.Writer, addr endpoint.Addr, version int) error {
	ip4 := addr.IP.To4()
	var ipBytes []byte
	if ip4 != nil {
		ipBytes = ip4
	} else {
		ipBytes = addr.IP.To16()
	}
	if ipBytes == nil {
		return errors.Wrap(corerr.ErrProtocol, "gossip: wire: nil IP address")
	}

	if version < VersionWithPortAndUUID {
		if err := w.WriteByte(byte(len(ipBytes))); err != nil {
			return err
		}
		_, err := w.Write(ipBytes)
		return err
	}

	size := len(ipBytes) + 2
	if err := w.WriteByte(byte(size)); err != nil {
		return err
	}
	if _, err := w.Write(ipBytes); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, uint16(addr.Port))
}

// DecodeAddr reads the inverse of EncodeAddr.
func DecodeAddr(r *bufio.Reader, version int) (endpoint.Addr, error) {
	size, err := r.ReadByte()
	if err != nil {
		return endpoint.Addr{}, err
	}

	ipLen, err := ipLenForSize(int(size), version)
	if err != nil {
		return endpoint.Addr{}, err
	}
	ip := make([]byte, ipLen)
	if _, err := readFull(r, ip); err != nil {
		return endpoint.Addr{}, err
	}

	if version < VersionWithPortAndUUID {
		return endpoint.NewAddr(net.IP(ip), 0)
	}

	var port uint16
	if err := binary.Read(r, binary.BigEndian, &port); err != nil {
		return endpoint.Addr{}, err
	}
	return endpoint.NewAddr(net.IP(ip), int(port))
}

func ipLenForSize(size, version int) (int, error) {
	if version < VersionWithPortAndUUID {
		switch size {
		case 4, 16:
			return size, nil
		}
		return 0, errors.Wrapf(corerr.ErrProtocol, "gossip: wire: unknown address size %d for version %d", size, version)
	}
	switch size {
	case 6:
		return 4, nil
	case 18:
		return 16, nil
	case 22, 34:
		return 0, errors.Wrapf(corerr.ErrProtocol, "gossip: wire: size %d requires the UUID-aware decoder", size)
	}
	return 0, errors.Wrapf(corerr.ErrProtocol, "gossip: wire: unknown address size %d for version %d", size, version)
}

// EncodeEndpointID writes the broadcast address and, for the UUID-aware
// wire size, the host UUID's two 64-bit halves (spec.md §6, size ∈ {22,
// 34}).
func EncodeEndpointID(w *bufio.Writer, id endpoint.ID, version int) error {
	ip4 := id.Broadcast.IP.To4()
	var ipBytes []byte
	if ip4 != nil {
		ipBytes = ip4
	} else {
		ipBytes = id.Broadcast.IP.To16()
	}
	if ipBytes == nil {
		return errors.Wrap(corerr.ErrProtocol, "gossip: wire: nil IP address")
	}
	size := len(ipBytes) + 2 + 16
	if err := w.WriteByte(byte(size)); err != nil {
		return err
	}
	if _, err := w.Write(ipBytes); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint16(id.Broadcast.Port)); err != nil {
		return err
	}
	msb := binary.BigEndian.Uint64(id.HostID[0:8])
	lsb := binary.BigEndian.Uint64(id.HostID[8:16])
	if err := binary.Write(w, binary.BigEndian, msb); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, lsb)
}

// DecodeEndpointID reads the inverse of EncodeEndpointID.
func DecodeEndpointID(r *bufio.Reader, version int) (endpoint.ID, error) {
	size, err := r.ReadByte()
	if err != nil {
		return endpoint.ID{}, err
	}
	var ipLen int
	switch size {
	case 22:
		ipLen = 4
	case 34:
		ipLen = 16
	default:
		return endpoint.ID{}, errors.Wrapf(corerr.ErrProtocol, "gossip: wire: unknown UUID-aware address size %d", size)
	}
	ip := make([]byte, ipLen)
	if _, err := readFull(r, ip); err != nil {
		return endpoint.ID{}, err
	}
	var port uint16
	if err := binary.Read(r, binary.BigEndian, &port); err != nil {
		return endpoint.ID{}, err
	}
	var msb, lsb uint64
	if err := binary.Read(r, binary.BigEndian, &msb); err != nil {
		return endpoint.ID{}, err
	}
	if err := binary.Read(r, binary.BigEndian, &lsb); err != nil {
		return endpoint.ID{}, err
	}
	var raw [16]byte
	binary.BigEndian.PutUint64(raw[0:8], msb)
	binary.BigEndian.PutUint64(raw[8:16], lsb)
	hostID, err := uuid.FromBytes(raw[:])
	if err != nil {
		return endpoint.ID{}, errors.Wrapf(corerr.ErrProtocol, "gossip: wire: %v", err)
	}
	addr, err := endpoint.NewAddr(net.IP(ip), int(port))
	if err != nil {
		return endpoint.ID{}, err
	}
	return endpoint.New(hostID, addr), nil
}

// EncodeState writes HeartBeatState followed by an int32 count and that many
// (int32 ordinal, VersionedValue) pairs (spec.md §6).
func EncodeState(w *bufio.Writer, hb endpoint.HeartBeatState, states map[endpoint.AppStateKey]endpoint.VersionedValue) error {
	if err := binary.Write(w, binary.BigEndian, hb.Generation); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, hb.Version); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, int32(len(states))); err != nil {
		return err
	}
	for key, vv := range states {
		if err := binary.Write(w, binary.BigEndian, int32(key)); err != nil {
			return err
		}
		if err := writeString(w, vv.Value); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, vv.Version); err != nil {
			return err
		}
	}
	return w.Flush()
}

// DecodeState reads the inverse of EncodeState. An unknown application-state
// ordinal is a protocol violation (spec.md §6: "fatal version mismatch").
func DecodeState(r *bufio.Reader) (endpoint.HeartBeatState, map[endpoint.AppStateKey]endpoint.VersionedValue, error) {
	var hb endpoint.HeartBeatState
	if err := binary.Read(r, binary.BigEndian, &hb.Generation); err != nil {
		return hb, nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &hb.Version); err != nil {
		return hb, nil, err
	}
	var count int32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return hb, nil, err
	}
	states := make(map[endpoint.AppStateKey]endpoint.VersionedValue, count)
	for i := int32(0); i < count; i++ {
		var ordinal int32
		if err := binary.Read(r, binary.BigEndian, &ordinal); err != nil {
			return hb, nil, err
		}
		if !endpoint.IsKnownAppStateOrdinal(int(ordinal)) {
			return hb, nil, errors.Wrapf(corerr.ErrProtocol, "gossip: wire: unknown application-state ordinal %d", ordinal)
		}
		value, err := readString(r)
		if err != nil {
			return hb, nil, err
		}
		var version int32
		if err := binary.Read(r, binary.BigEndian, &version); err != nil {
			return hb, nil, err
		}
		states[endpoint.AppStateKey(ordinal)] = endpoint.VersionedValue{Value: value, Version: version}
	}
	return hb, states, nil
}

func writeString(w *bufio.Writer, s string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.WriteString(s)
	return err
}

func readString(r *bufio.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := readFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
