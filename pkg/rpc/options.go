package rpc

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/calder/duplex/pkg/log"
)

// ConnectionOptions is the connection-wide options bundle. On the server
// one bundle is shared read-only by every connection; on the client each
// connection owns its own copy.
type ConnectionOptions struct {
	Logger log.Logger `yaml:"-"`
	Style  log.Style  `yaml:"-"`

	LogConnect bool `yaml:"logConnect"`
	LogApi     bool `yaml:"logApi"`
	LogMsg     bool `yaml:"logMsg"`
	LogReqBody bool `yaml:"logReqBody"`
	LogResBody bool `yaml:"logResBody"`
	DebugBuf   bool `yaml:"debugBuf"`

	// CallApiTimeout is the per-call default deadline for outbound calls.
	// Zero disables the timeout.
	CallApiTimeout time.Duration `yaml:"callApiTimeout"`

	// ApiCallTimeout is the deadline for locally hosted handlers. When a
	// handler has not replied within it, the peer receives SERVER_TIMEOUT.
	// Zero disables the deadline.
	ApiCallTimeout time.Duration `yaml:"apiCallTimeout"`

	// Unsafe: skip schema validation for trusted peers.
	SkipEncodeValidate bool `yaml:"skipEncodeValidate"`
	SkipDecodeValidate bool `yaml:"skipDecodeValidate"`

	// ReturnInnerError embeds the original panic value on internal-error
	// replies.
	ReturnInnerError bool `yaml:"returnInnerError"`

	Heartbeat             bool          `yaml:"heartbeat"`
	HeartbeatSendInterval time.Duration `yaml:"heartbeatSendInterval"`
	HeartbeatRecvTimeout  time.Duration `yaml:"heartbeatRecvTimeout"`

	WireMode WireMode `yaml:"wireMode"`
}

func DefaultConnectionOptions() *ConnectionOptions {
	return &ConnectionOptions{
		Style:                 log.NewColorStyle(),
		LogConnect:            true,
		LogApi:                true,
		LogMsg:                true,
		CallApiTimeout:        15 * time.Second,
		ApiCallTimeout:        0,
		Heartbeat:             false,
		HeartbeatSendInterval: 1 * time.Second,
		HeartbeatRecvTimeout:  4 * time.Second,
		WireMode:              WireModeText,
	}
}

// LoadOptions reads a YAML options file on top of the defaults. Durations
// use Go syntax ("15s", "500ms").
func LoadOptions(path string) (*ConnectionOptions, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read options file: %w", err)
	}

	opts := DefaultConnectionOptions()
	if err := yaml.Unmarshal(bs, opts); err != nil {
		return nil, fmt.Errorf("parse options file %s: %w", path, err)
	}

	switch opts.WireMode {
	case WireModeText, WireModeBuffer:
	default:
		return nil, fmt.Errorf("invalid wireMode %q", opts.WireMode)
	}
	return opts, nil
}

// CallOptions tunes one outbound call or message.
type CallOptions struct {
	// Timeout overrides ConnectionOptions.CallApiTimeout. Zero inherits
	// the connection default; negative disables the timeout.
	Timeout time.Duration

	// AbortKey groups calls so AbortByKey can cancel them together.
	AbortKey string

	// Context cancellation aborts the call.
	Context context.Context
}

func (o *CallOptions) timeoutFor(opts *ConnectionOptions) time.Duration {
	if o != nil && o.Timeout != 0 {
		if o.Timeout < 0 {
			return 0
		}
		return o.Timeout
	}
	return opts.CallApiTimeout
}
