package producer

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/quillmq/quill/transport"
)

// fileConfig is the YAML shape understood by ReadConfig. Durations use
// Go syntax ("100ms", "5s"), enums use lower-case names.
type fileConfig struct {
	Brokers           []string      `mapstructure:"brokers"`
	ClientID          string        `mapstructure:"clientId"`
	Sync              *bool         `mapstructure:"sync"`
	RequiredAcks      string        `mapstructure:"requiredAcks"`
	Compression       string        `mapstructure:"compression"`
	BatchSize         int           `mapstructure:"batchSize"`
	MaxBatchBytes     int           `mapstructure:"maxBatchBytes"`
	Linger            time.Duration `mapstructure:"linger"`
	MaxRetries        *int          `mapstructure:"maxRetries"`
	MaxMessageBytes   int           `mapstructure:"maxMessageBytes"`
	AckTimeout        time.Duration `mapstructure:"ackTimeout"`
	DialTimeout       time.Duration `mapstructure:"dialTimeout"`
	CloseTimeout      time.Duration `mapstructure:"closeTimeout"`
	ChannelBufferSize int           `mapstructure:"channelBufferSize"`
}

// ReadConfig loads a Config from a YAML file, applying the NewConfig
// defaults for anything the file leaves out. The Dialer still has to
// be set by the caller.
func ReadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return Config{}, errors.Wrapf(err, "failed to read config file %s", path)
	}

	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return Config{}, errors.Wrapf(err, "failed to parse config file %s", path)
	}

	cfg := NewConfig(fc.ClientID, fc.Brokers...)
	if fc.Sync != nil {
		cfg.Sync = *fc.Sync
	}
	if fc.BatchSize != 0 {
		cfg.BatchSize = fc.BatchSize
	}
	if fc.MaxBatchBytes != 0 {
		cfg.MaxBatchBytes = fc.MaxBatchBytes
	}
	if fc.Linger != 0 {
		cfg.Linger = fc.Linger
	}
	if fc.MaxRetries != nil {
		cfg.MaxRetries = *fc.MaxRetries
	}
	if fc.MaxMessageBytes != 0 {
		cfg.MaxMessageBytes = fc.MaxMessageBytes
	}
	if fc.AckTimeout != 0 {
		cfg.AckTimeout = fc.AckTimeout
	}
	if fc.DialTimeout != 0 {
		cfg.DialTimeout = fc.DialTimeout
	}
	if fc.CloseTimeout != 0 {
		cfg.CloseTimeout = fc.CloseTimeout
	}
	if fc.ChannelBufferSize != 0 {
		cfg.ChannelBufferSize = fc.ChannelBufferSize
	}

	var err error
	if cfg.RequiredAcks, err = parseRequiredAcks(fc.RequiredAcks); err != nil {
		return Config{}, err
	}
	if cfg.Compression, err = parseCompression(fc.Compression); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func parseRequiredAcks(s string) (transport.RequiredAcks, error) {
	switch s {
	case "", "all":
		return WaitForAll, nil
	case "leader":
		return WaitForLeader, nil
	case "none":
		return NoResponse, nil
	default:
		return 0, ConfigurationError("unknown requiredAcks value " + s + ", expected none, leader or all")
	}
}

func parseCompression(s string) (transport.Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "gzip":
		return CompressionGzip, nil
	case "snappy":
		return CompressionSnappy, nil
	default:
		return 0, ConfigurationError("unknown compression value " + s + ", expected none, gzip or snappy")
	}
}
