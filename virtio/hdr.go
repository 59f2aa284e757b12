package virtio

import "github.com/lab47/vnic/pkg/le"

// NetHdr is struct virtio_net_hdr_mrg_rxbuf. With VERSION_1 it is always
// 12 bytes, num_buffers included.
type NetHdr struct {
	Flags      uint8
	GSOType    uint8
	HdrLen     uint16
	GSOSize    uint16
	CsumStart  uint16
	CsumOffset uint16
	NumBuffers uint16
}

const NetHdrSize = 12

const (
	NetHdrFNeedsCsum = 1
	NetHdrFDataValid = 2

	NetHdrGSONone = 0
)

func (h *NetHdr) Decode(b []byte) {
	_ = b[NetHdrSize-1]

	h.Flags = b[0]
	h.GSOType = b[1]
	h.HdrLen = le.Decode[uint16](b[2:])
	h.GSOSize = le.Decode[uint16](b[4:])
	h.CsumStart = le.Decode[uint16](b[6:])
	h.CsumOffset = le.Decode[uint16](b[8:])
	h.NumBuffers = le.Decode[uint16](b[10:])
}

func (h *NetHdr) Encode(b []byte) {
	_ = b[NetHdrSize-1]

	b[0] = h.Flags
	b[1] = h.GSOType
	le.Encode(b[2:], h.HdrLen)
	le.Encode(b[4:], h.GSOSize)
	le.Encode(b[6:], h.CsumStart)
	le.Encode(b[8:], h.CsumOffset)
	le.Encode(b[10:], h.NumBuffers)
}
