package rabbitmq

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

type parametersFile struct {
	URI                    string         `toml:"uri"`
	Host                   string         `toml:"host"`
	Port                   int            `toml:"port"`
	VirtualHost            string         `toml:"virtual_host"`
	Username               string         `toml:"username"`
	Password               string         `toml:"password"`
	Mechanism              string         `toml:"mechanism"`
	ChannelMax             int            `toml:"channel_max"`
	FrameMax               int64          `toml:"frame_max"`
	Heartbeat              string         `toml:"heartbeat"`
	ConnectionAttempts     int            `toml:"connection_attempts"`
	RetryDelay             string         `toml:"retry_delay"`
	SocketTimeout          string         `toml:"socket_timeout"`
	BackpressureDetection  bool           `toml:"backpressure_detection"`
	BackpressureMultiplier int            `toml:"backpressure_multiplier"`
	Locale                 string         `toml:"locale"`
	ClientProperties       map[string]any `toml:"client_properties"`
}

// LoadParameters reads connection parameters from a TOML file. Keys that are
// absent keep their defaults; a uri key is applied first and the remaining
// keys override it.
func LoadParameters(path string, opts ...Option) (*ConnectionParameters, error) {
	var raw parametersFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, errors.Wrap(err, "load connection parameters")
	}
	return raw.apply(meta, opts)
}

// DecodeParameters is LoadParameters for TOML held in memory.
func DecodeParameters(data string, opts ...Option) (*ConnectionParameters, error) {
	var raw parametersFile
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return nil, errors.Wrap(err, "decode connection parameters")
	}
	return raw.apply(meta, opts)
}

func (raw *parametersFile) apply(meta toml.MetaData, opts []Option) (*ConnectionParameters, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Errorf("unknown connection parameter %q", undecoded[0].String())
	}

	p := NewConnectionParameters(opts...)
	if meta.IsDefined("uri") {
		parsed, err := ParseURI(strings.TrimSpace(raw.URI), opts...)
		if err != nil {
			return nil, err
		}
		p = parsed
	}

	if meta.IsDefined("host") {
		p.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		p.Port = raw.Port
	}
	if meta.IsDefined("virtual_host") {
		p.VirtualHost = raw.VirtualHost
	}

	if meta.IsDefined("mechanism") && strings.EqualFold(raw.Mechanism, "EXTERNAL") {
		p.Credentials = ExternalCredentials{}
	} else if meta.IsDefined("mechanism") && !strings.EqualFold(raw.Mechanism, "PLAIN") {
		return nil, errors.Errorf("unsupported mechanism %q", raw.Mechanism)
	} else if meta.IsDefined("username") || meta.IsDefined("password") {
		plain, _ := p.Credentials.(PlainCredentials)
		if meta.IsDefined("username") {
			plain.Username = raw.Username
		}
		if meta.IsDefined("password") {
			plain.Password = raw.Password
		}
		p.Credentials = plain
	}

	if meta.IsDefined("channel_max") {
		if raw.ChannelMax < 0 || raw.ChannelMax > 65535 {
			return nil, errors.Errorf("channel_max out of range: %d", raw.ChannelMax)
		}
		p.ChannelMax = uint16(raw.ChannelMax)
	}
	if meta.IsDefined("frame_max") {
		if raw.FrameMax < 0 || raw.FrameMax > 1<<32-1 {
			return nil, errors.Errorf("frame_max out of range: %d", raw.FrameMax)
		}
		p.FrameMax = uint32(raw.FrameMax)
	}

	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"heartbeat", raw.Heartbeat, &p.Heartbeat},
		{"retry_delay", raw.RetryDelay, &p.RetryDelay},
		{"socket_timeout", raw.SocketTimeout, &p.SocketTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.value))
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s", d.key)
		}
		*d.dst = parsed
	}

	if meta.IsDefined("connection_attempts") {
		p.ConnectionAttempts = raw.ConnectionAttempts
	}
	if meta.IsDefined("backpressure_detection") {
		p.BackpressureDetection = raw.BackpressureDetection
	}
	if meta.IsDefined("backpressure_multiplier") {
		p.BackpressureMultiplier = raw.BackpressureMultiplier
	}
	if meta.IsDefined("locale") {
		p.Locale = raw.Locale
	}
	if meta.IsDefined("client_properties") {
		p.ClientProperties = Table(raw.ClientProperties)
	}

	if err := p.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid connection parameters")
	}
	return p, nil
}
