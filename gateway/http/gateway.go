// Package http implements the HTTP-to-bus translating gateway: one
// incoming request becomes one bus conversation, relayed synchronously
// until the service's Result stream reaches a terminal status.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/evergreen-oss/osrfgo/core/addr"
	"github.com/evergreen-oss/osrfgo/core/bus"
	"github.com/evergreen-oss/osrfgo/core/config"
	"github.com/evergreen-oss/osrfgo/core/message"
	"github.com/evergreen-oss/osrfgo/idl"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Format selects how a Result stream is rendered to the HTTP client.
type Format string

// Supported response formats.
const (
	FormatFieldmapper Format = "fieldmapper" // as-is, array-encoded class instances
	FormatRaw         Format = "raw"         // values run through the IDL unpacker
	FormatRawSlim     Format = "rawslim"     // raw with null fields scrubbed
)

// Gateway relays HTTP requests onto the bus. Each request gets its own
// ephemeral Bus connection bound to a fresh client address, matching the
// at-most-one-consumer-per-address rule.
type Gateway struct {
	cfg      config.GatewayConfig
	unpacker idl.Unpacker
}

// New builds a Gateway. unpacker transforms raw/rawslim params and
// results; pass idl.Passthrough{} when no class-aware unpacking is
// available.
func New(cfg config.GatewayConfig, unpacker idl.Unpacker) *Gateway {
	if unpacker == nil {
		unpacker = idl.Passthrough{}
	}
	return &Gateway{cfg: cfg, unpacker: unpacker}
}

// Router builds the gin engine serving the gateway's single endpoint.
func (g *Gateway) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), g.accessLogMiddleware())
	r.Any("/osrf-gateway-v1", g.handle)
	return r
}

func (g *Gateway) handle(c *gin.Context) {
	switch c.Request.Method {
	case http.MethodGet, http.MethodPost, http.MethodHead:
	default:
		c.Status(http.StatusMethodNotAllowed)
		return
	}

	service := c.Query("service")
	method := c.Query("method")
	if service == "" || method == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "service and method are required"})
		return
	}

	format := Format(c.DefaultQuery("format", string(FormatFieldmapper)))
	params := parseParams(c.QueryArray("param"))

	if format == FormatRaw || format == FormatRawSlim {
		packed, err := g.packParams(params)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		params = packed
	}

	results, status, err := g.relay(c.Request.Context(), service, method, params)
	if err != nil {
		// Any gateway-level parse/transport failure is a 400 carrying a
		// single JSON error value; the request is never retried.
		log.WithError(err).WithFields(log.Fields{"service": service, "method": method}).
			Warn("http gateway: relay failed")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if status.IsTerminalError() {
		c.JSON(statusToHTTP(status), gin.H{"error": status.String()})
		return
	}

	// A relay timeout (reported as StatusComplete, no error) renders as a 200
	// with whatever was aggregated before expiry — empty if nothing
	// arrived at all.
	body, err := g.render(format, results)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// A HEAD response carries the same Content-Type/Content-Length
	// headers as the equivalent GET, just with no body written.
	c.Writer.Header().Set("Content-Type", "text/json")
	c.Writer.Header().Set("Content-Length", strconv.Itoa(len(body)))
	if c.Request.Method == http.MethodHead {
		c.Status(http.StatusOK)
		return
	}
	c.Status(http.StatusOK)
	_, _ = c.Writer.Write(body)
}

func parseParams(raw []string) []json.RawMessage {
	params := make([]json.RawMessage, 0, len(raw))
	for _, p := range raw {
		params = append(params, json.RawMessage(p))
	}
	return params
}

// packParams runs each raw/rawslim param through the IDL unpacker before
// it goes out over the bus — the forward half of the transform whose
// reverse half render applies to each reply.
func (g *Gateway) packParams(params []json.RawMessage) ([]json.RawMessage, error) {
	packed := make([]json.RawMessage, len(params))
	for i, p := range params {
		v, err := g.unpacker.Unpack(p)
		if err != nil {
			return nil, err
		}
		packed[i] = v
	}
	return packed, nil
}

// relay sends one Request and collects its result stream up to a
// terminal Status, using the configured RelayTimeout as the bound on
// each individual Bus.Recv call.
func (g *Gateway) relay(ctx context.Context, service, method string, params []json.RawMessage) ([]json.RawMessage, message.Status, error) {
	self := addr.NewClient(g.cfg.Bus.Domain, "http-gateway")
	b, err := bus.NewBus(g.cfg.Bus, self)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = b.Close() }()

	thread := self.Name()
	svc := addr.ServiceAddress(g.cfg.Bus.Domain, service)

	req := message.NewTransportMessage(
		svc.String(), self.String(), thread, "",
		message.NewRequest(1, method, params, ""),
	)
	if err := b.Send(req); err != nil {
		return nil, 0, err
	}

	timeoutSecs := int(g.relayTimeout().Seconds())
	var results []json.RawMessage
	var partial strings.Builder

	for {
		tm, err := b.Recv(ctx, timeoutSecs, thread)
		if err != nil {
			return results, 0, err
		}
		if tm == nil {
			// Relay timed out waiting for Status(Complete): this renders as
			// a 200 with whatever was aggregated so far, not a transport
			// failure.
			return results, message.StatusComplete, nil
		}
		for _, m := range tm.Body {
			switch m.Type {
			case message.TypeResult:
				switch m.ResultStatus {
				case message.StatusPartial:
					var chunk string
					if err := json.Unmarshal(m.Content, &chunk); err != nil {
						return results, 0, err
					}
					partial.WriteString(chunk)
				case message.StatusPartialComplete:
					var chunk string
					if len(m.Content) > 0 {
						if err := json.Unmarshal(m.Content, &chunk); err != nil {
							return results, 0, err
						}
					}
					partial.WriteString(chunk)
					var full json.RawMessage
					if err := json.Unmarshal([]byte(partial.String()), &full); err != nil {
						return results, 0, err
					}
					partial.Reset()
					results = append(results, full)
				default:
					// Any other Result status clears a partial buffer left
					// over from a prior chunk sequence.
					partial.Reset()
					results = append(results, m.Content)
				}
			case message.TypeStatus:
				if m.StatusCode == message.StatusComplete || m.StatusCode.IsTerminalError() {
					return results, m.StatusCode, nil
				}
			}
		}
	}
}

func (g *Gateway) relayTimeout() time.Duration {
	if g.cfg.RelayTimeout > 0 {
		return g.cfg.RelayTimeout
	}
	return config.DefaultRelayTimeout
}

// render always produces a JSON array of the aggregated reply values;
// the wire format applies identically to every response format, only
// the per-value encoding differs. fieldmapper results are already in
// the bus's native wire shape and pass straight through; raw/rawslim
// run each value through the IDL unpacker to expand it for the caller,
// then rawslim additionally scrubs null leaves.
func (g *Gateway) render(format Format, results []json.RawMessage) ([]byte, error) {
	out := make([]json.RawMessage, 0, len(results))
	for _, r := range results {
		v := r
		if format == FormatRaw || format == FormatRawSlim {
			unpacked, err := g.unpacker.Unpack(r)
			if err != nil {
				return nil, err
			}
			v = unpacked
		}
		out = append(out, v)
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	if format == FormatRawSlim {
		return idl.ScrubNulls(body)
	}
	return body, nil
}

func statusToHTTP(s message.Status) int {
	switch {
	case s == message.StatusBadRequest:
		return http.StatusBadRequest
	case s == message.StatusUnauthorized:
		return http.StatusUnauthorized
	case s == message.StatusForbidden:
		return http.StatusForbidden
	case s == message.StatusNotFound:
		return http.StatusNotFound
	case s == message.StatusNotAllowed:
		return http.StatusMethodNotAllowed
	case s == message.StatusServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
