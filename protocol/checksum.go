package protocol

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// computeChecksum hashes the envelope fields that identify its content:
// id:source:target:type:timestamp:sequenceNumber:payload. xxhash64 is an
// integrity check against corruption, not an authentication mechanism;
// TTL and priority stay outside the hash so routing layers may adjust them
// in flight.
func computeChecksum(m *Message) string {
	d := xxhash.New()
	_, _ = d.WriteString(m.ID)
	_, _ = d.WriteString(":")
	_, _ = d.WriteString(m.Source)
	_, _ = d.WriteString(":")
	_, _ = d.WriteString(m.Target)
	_, _ = d.WriteString(":")
	_, _ = d.WriteString(string(m.Type))
	_, _ = d.WriteString(":")
	_, _ = d.WriteString(strconv.FormatInt(m.Timestamp, 10))
	_, _ = d.WriteString(":")
	_, _ = d.WriteString(strconv.FormatUint(m.SequenceNumber, 10))
	_, _ = d.WriteString(":")
	_, _ = d.Write(m.Payload)
	return strconv.FormatUint(d.Sum64(), 16)
}

// verifyChecksum recomputes and compares the carried checksum.
func verifyChecksum(m *Message) bool {
	return m.Checksum != "" && m.Checksum == computeChecksum(m)
}
