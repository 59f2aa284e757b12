package virtio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		r := require.New(t)

		cfg := DefaultConfig()
		r.Equal(1, cfg.QueuePairs)
		r.Equal(DefaultBatchSize, cfg.BatchSize)

		f := cfg.Supported()
		r.True(f.Has(FVersion1 | NetFMAC | NetFCtrlVQ))
		r.False(f.Has(NetFMQ))
		r.False(f.Has(FEventIdx))
		r.False(f.Has(FIndirectDesc))
	})

	t.Run("parses yaml", func(t *testing.T) {
		r := require.New(t)

		cfg, err := ParseConfig([]byte(`
queue_pairs: 4
ring_size: 512
rx_buffers: 128
batch_size: 8
event_idx: true
promiscuous: true
disable_features:
  - VIRTIO_NET_F_MTU
  - net_ctrl_rx
`))
		r.NoError(err)

		r.Equal(4, cfg.QueuePairs)
		r.Equal(uint16(512), cfg.RingSize)
		r.Equal(128, cfg.RxBuffers)
		r.Equal(8, cfg.BatchSize)
		r.True(cfg.Promiscuous)

		f := cfg.Supported()
		r.True(f.Has(NetFMQ))
		r.True(f.Has(FEventIdx))
		r.False(f.Has(NetFMTU))
		r.False(f.Has(NetFCtrlRx))
		r.True(f.Has(NetFCtrlVQ))
	})

	t.Run("rejects bad values", func(t *testing.T) {
		r := require.New(t)

		_, err := ParseConfig([]byte("ring_size: 100\n"))
		r.ErrorContains(err, "power of two")

		_, err = ParseConfig([]byte("rx_buffers: -1\n"))
		r.Error(err)

		_, err = ParseConfig([]byte("disable_features: [NOT_A_FEATURE]\n"))
		r.ErrorContains(err, "disable_features")

		_, err = ParseConfig([]byte("queue_pairs: [1\n"))
		r.Error(err)
	})

	t.Run("loads a file", func(t *testing.T) {
		r := require.New(t)

		path := filepath.Join(t.TempDir(), "vnic.yaml")
		r.NoError(os.WriteFile(path, []byte("queue_pairs: 2\n"), 0644))

		cfg, err := LoadConfig(path)
		r.NoError(err)
		r.Equal(2, cfg.QueuePairs)

		_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		r.Error(err)
	})
}

func TestNetHdr(t *testing.T) {
	r := require.New(t)

	b := make([]byte, NetHdrSize)
	for i := range b {
		b[i] = 0xaa
	}

	var hdr NetHdr
	hdr.Encode(b)
	r.Equal(make([]byte, NetHdrSize), b)

	hdr.NumBuffers = 3
	hdr.Encode(b)

	var got NetHdr
	got.Decode(b)
	r.Equal(uint16(3), got.NumBuffers)
}
