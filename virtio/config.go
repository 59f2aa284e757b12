package virtio

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config controls how a Device sets itself up. The zero value is usable.
type Config struct {
	QueuePairs int `yaml:"queue_pairs"`

	// RingSize must match the device. Zero uses whatever the device reports.
	RingSize uint16 `yaml:"ring_size"`

	// RxBuffers is how many buffers each RX queue is filled with at start.
	// Zero fills the ring.
	RxBuffers int `yaml:"rx_buffers"`

	// PoolSize is the number of packet buffers per RX queue. Zero sizes
	// the pool to twice the ring.
	PoolSize   int `yaml:"pool_size"`
	BufferSize int `yaml:"buffer_size"`
	BatchSize  int `yaml:"batch_size"`

	EventIdx    bool `yaml:"event_idx"`
	Indirect    bool `yaml:"indirect"`
	Promiscuous bool `yaml:"promiscuous"`

	// DisableFeatures removes features, by name, from what the driver
	// accepts.
	DisableFeatures []string `yaml:"disable_features"`
}

const (
	DefaultBatchSize = 32
	maxConfigSize    = 1 << 20
)

func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.QueuePairs <= 0 {
		c.QueuePairs = 1
	}

	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}

	return c
}

func (c Config) validate() error {
	if c.RingSize != 0 && c.RingSize&(c.RingSize-1) != 0 {
		return errors.Errorf("ring_size %d is not a power of two", c.RingSize)
	}

	if c.RxBuffers < 0 {
		return errors.Errorf("rx_buffers %d is negative", c.RxBuffers)
	}

	if c.PoolSize < 0 {
		return errors.Errorf("pool_size %d is negative", c.PoolSize)
	}

	for _, name := range c.DisableFeatures {
		if _, err := ParseFeature(name); err != nil {
			return errors.Wrapf(err, "disable_features")
		}
	}

	return nil
}

// Supported is the feature mask the driver offers to accept.
func (c Config) Supported() Features {
	f := FVersion1 | FAccessPlatform |
		NetFMAC | NetFStatus | NetFMTU |
		NetFCtrlVQ | NetFCtrlRx

	if c.QueuePairs > 1 {
		f |= NetFMQ
	}

	if c.EventIdx {
		f |= FEventIdx
	}

	if c.Indirect {
		f |= FIndirectDesc
	}

	for _, name := range c.DisableFeatures {
		if bit, err := ParseFeature(name); err == nil {
			f &^= bit
		}
	}

	return f
}

// LoadConfig reads a YAML config file and fills in defaults.
func LoadConfig(path string) (Config, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading config")
	}

	if fi.Size() > maxConfigSize {
		return Config{}, errors.Errorf("config %s is %d bytes", path, fi.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading config")
	}

	return ParseConfig(data)
}

func ParseConfig(data []byte) (Config, error) {
	var cfg Config

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parsing config")
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg.withDefaults(), nil
}
