package server

import (
	"fmt"

	"http-engine/application/http"
	"http-engine/application/http/status"
	"http-engine/application/http/upgrade"

	"github.com/pkg/errors"
)

var ErrNilProcessor = errors.New("upgrade factory returned no processor")

// negotiate answers a request asking to switch protocols.
// Requests that cannot be switched get an ordinary response and the connection stays HTTP.
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-7.8
func (hp *httpProcessor) negotiate(req *http.Request) error {
	values := req.Headers.Values("Upgrade")
	if len(values) > 1 {
		return hp.respond(status.BadRequest, "Multiple Upgrade headers")
	}

	protocols := upgrade.ParseProtocols(values...)
	if len(protocols) == 0 {
		return hp.dispatch(req, false)
	}

	for _, name := range protocols {
		factory, ok := hp.opts.Upgrades.Lookup(name)
		if !ok {
			continue
		}

		proc, err := hp.runFactory(factory, req)
		if err != nil {
			hp.logger.Error("upgrade failed", "protocol", name, "error", err)
			if hp.w.started() {
				hp.w.Abort()
				return errors.Wrap(errAborted, "upgrade failed after response started")
			}
			st := status.InternalServerError
			var se status.Error
			if errors.As(err, &se) {
				st = se.Status
			}
			return hp.respond(st, st.ReasonPhrase)
		}

		hp.next = proc
		return nil
	}

	return hp.respond(status.NotFound, "No protocol handler registered for: "+values[0])
}

func (hp *httpProcessor) runFactory(factory upgrade.Factory, req *http.Request) (proc upgrade.Processor, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic in upgrade factory: %s", fmt.Sprint(r))
		}
	}()

	proc, err = factory(req, hp.w, hp.app)
	if err != nil {
		return nil, err
	}
	if proc == nil {
		return nil, ErrNilProcessor
	}
	return proc, nil
}

// respond answers the current request with a short text body.
func (hp *httpProcessor) respond(st status.Status, body string) error {
	if err := writeSimple(hp.w, st, body); err != nil {
		hp.logger.Debug("failed to write response", "status", st.String(), "error", err)
	}
	return nil
}
