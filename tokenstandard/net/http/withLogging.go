package http

import (
	"strconv"
	"strings"
	"time"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard"
	constant "github.com/LerianStudio/lib-tokenstandard/tokenstandard/constants"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// RequestInfo stores the access log data of one request.
type RequestInfo struct {
	Method        string
	URI           string
	Referer       string
	RemoteAddress string
	Status        int
	Date          time.Time
	Duration      time.Duration
	UserAgent     string
	RequestID     string
	Party         string
	Protocol      string
	Size          int
}

// NewRequestInfo captures the request half of the access log entry.
func NewRequestInfo(c *fiber.Ctx) *RequestInfo {
	referer := "-"
	if r := c.Get(fiber.HeaderReferer); r != "" {
		referer = r
	}

	party := "-"
	if p := c.Get(constant.HeaderParty); p != "" {
		party = p
	}

	return &RequestInfo{
		RequestID:     c.Get(constant.HeaderID),
		Method:        c.Method(),
		URI:           c.OriginalURL(),
		Referer:       referer,
		UserAgent:     c.Get(constant.HeaderUserAgent),
		RemoteAddress: c.IP(),
		Party:         party,
		Protocol:      c.Protocol(),
		Date:          time.Now().UTC(),
	}
}

// Finish records the response status and size.
func (r *RequestInfo) Finish(c *fiber.Ctx) {
	r.Duration = time.Now().UTC().Sub(r.Date)
	r.Status = c.Response().StatusCode()
	r.Size = len(c.Response().Body())
}

// CLFString renders the entry in Common Log Format, with the submitting
// party in the user slot.
func (r *RequestInfo) CLFString() string {
	return strings.Join([]string{
		r.RemoteAddress,
		"-",
		r.Party,
		r.Protocol,
		r.Date.Format("[02/Jan/2006:15:04:05 -0700]"),
		`"` + r.Method + " " + r.URI + `"`,
		strconv.Itoa(r.Status),
		strconv.Itoa(r.Size),
		r.Referer,
		r.UserAgent,
	}, " ")
}

type logMiddleware struct {
	logger log.Logger
}

// LogMiddlewareOption configures WithHTTPLogging.
type LogMiddlewareOption func(l *logMiddleware)

// WithCustomLogger sets the logger the middleware writes to.
func WithCustomLogger(logger log.Logger) LogMiddlewareOption {
	return func(l *logMiddleware) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithHTTPLogging assigns every request an id, puts a request-scoped logger
// in the user context and writes one access log line per request. Health
// checks are not logged.
func WithHTTPLogging(opts ...LogMiddlewareOption) fiber.Handler {
	mid := &logMiddleware{logger: log.NewNop()}

	for _, opt := range opts {
		if opt != nil {
			opt(mid)
		}
	}

	return func(c *fiber.Ctx) error {
		if c.Path() == "/health" {
			return c.Next()
		}

		requestID := c.Get(constant.HeaderID)
		if strings.TrimSpace(requestID) == "" {
			requestID = uuid.NewString()
			c.Request().Header.Set(constant.HeaderID, requestID)
		}

		c.Set(constant.HeaderID, requestID)

		info := NewRequestInfo(c)
		logger := mid.logger.With(log.String(constant.HeaderID, requestID))

		ctx := tokenstandard.ContextWithHeaderID(c.UserContext(), requestID)
		ctx = tokenstandard.ContextWithLogger(ctx, logger)
		c.SetUserContext(ctx)

		err := c.Next()
		if err != nil {
			// Render now so the access line carries the final status.
			if handlerErr := c.App().ErrorHandler(c, err); handlerErr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		info.Finish(c)

		logger.Log(c.UserContext(), log.LevelInfo, info.CLFString(),
			log.Int("status", info.Status),
			log.String("duration", info.Duration.String()),
		)

		return nil
	}
}
