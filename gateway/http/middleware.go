package http

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// redactedParams is substituted for a log-protected method's params in
// the access log line.
const redactedParams = `**PARAMS REDACTED**`

// logTrace is a process-wide monotonically increasing request counter,
// used as the log-trace token in the access log line.
var logTrace uint64

// accessLogMiddleware emits the access log line in the literal form
// "ACT:[<client_ip>:<log_trace>] <service> <method>
// <params|\"**PARAMS REDACTED**\">". Requests naming a method whose
// prefix is configured under LogProtect have their params withheld, so
// methods carrying credentials in their params never reach the log sink
// in the clear.
func (g *Gateway) accessLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		trace := atomic.AddUint64(&logTrace, 1)

		method := c.Query("method")
		protected := g.cfg.LogProtect.Matches(method)

		c.Next()

		params := redactedParams
		if !protected {
			params = strings.Join(c.QueryArray("param"), " ")
		}

		log.WithFields(log.Fields{
			"http_method": c.Request.Method,
			"status":      c.Writer.Status(),
			"duration":    time.Since(start).String(),
		}).Info(fmt.Sprintf("ACT:[%s:%d] %s %s %s", c.ClientIP(), trace, c.Query("service"), method, params))
	}
}
