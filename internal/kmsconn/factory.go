package kmsconn

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/kenneth/encrypt-key-proxy/internal/ekperrors"
	"github.com/kenneth/encrypt-key-proxy/internal/knobs"
)

// Options configures connector construction for New. Only the fields
// relevant to the selected TypeTag are consulted.
type Options struct {
	RESTEndpoint string
	TLSConfig    *tls.Config
	Knobs        *knobs.Registry

	// PerfMinDelay/PerfMaxDelay configure TypePerf's injected latency
	// window. Both zero disables injected latency entirely.
	PerfMinDelay time.Duration
	PerfMaxDelay time.Duration
}

// New builds the Connector named by tag. SimKmsConnector needs no
// options; RESTKmsConnector requires Options.RESTEndpoint and
// Options.Knobs; PerfKmsConnector wraps a fresh SimConnector with
// configured latency injection.
func New(tag TypeTag, opts Options) (Connector, error) {
	switch tag {
	case TypeSim:
		return NewSimConnector(), nil
	case TypeREST:
		if opts.Knobs == nil {
			return nil, fmt.Errorf("kmsconn: RESTKmsConnector requires a knob registry: %w", ekperrors.ErrInvalidKnob)
		}
		return NewRESTConnector(opts.RESTEndpoint, opts.Knobs, opts.TLSConfig)
	case TypePerf:
		return NewPerfConnector(NewSimConnector(), opts.PerfMinDelay, opts.PerfMaxDelay), nil
	default:
		return nil, fmt.Errorf("kmsconn: %q: %w", tag, ekperrors.ErrNotImplemented)
	}
}
