// Package probe performs the HTTP/HTTPS fetch for one check and
// classifies the outcome. The scheduler consumes it as a black box.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"upwatch/internal/model"
	logx "upwatch/pkg/logx"
)

// Config configures the HTTP prober.
type Config struct {
	Timeout   time.Duration
	UserAgent string
}

type HTTP struct {
	client    *http.Client
	userAgent string
	log       logx.Logger
}

func NewHTTP(cfg Config, log logx.Logger) *HTTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = "upwatch/1.0"
	}
	return &HTTP{
		client: &http.Client{
			Timeout: cfg.Timeout,
			// Redirects count as reachable; the final status decides.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return errors.New("too many redirects")
				}
				return nil
			},
		},
		userAgent: ua,
		log:       log,
	}
}

// Probe fetches the check's URL once. It never returns an error; every
// failure mode is folded into the result so the evaluator can classify
// it.
func (h *HTTP) Probe(ctx context.Context, c model.Check) model.ProbeResult {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return model.ProbeResult{
			Status:         model.StatusOffline,
			StatusCode:     model.CodeUnreachable,
			DetailedStatus: "invalid-url",
			ResponseTime:   time.Since(start),
			Err:            err.Error(),
		}
	}
	req.Header.Set("User-Agent", h.userAgent)

	resp, err := h.client.Do(req)
	took := time.Since(start)
	if err != nil {
		code := model.CodeUnreachable
		detail := "unreachable"
		if isTimeout(err) || ctx.Err() == context.DeadlineExceeded {
			code = model.CodeTimeout
			detail = "timeout"
		}
		h.log.Debug("probe failed", logx.String("check", c.ID), logx.String("detail", detail), logx.Err(err))
		return model.ProbeResult{
			Status:         model.StatusOffline,
			StatusCode:     code,
			DetailedStatus: detail,
			ResponseTime:   took,
			Err:            err.Error(),
		}
	}
	defer resp.Body.Close()

	res := model.ProbeResult{
		StatusCode:   resp.StatusCode,
		ResponseTime: took,
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		res.Status = model.StatusOnline
		res.DetailedStatus = "up"
	case resp.StatusCode >= 500:
		res.Status = model.StatusOffline
		res.DetailedStatus = "server-error"
		res.Err = fmt.Sprintf("http %d", resp.StatusCode)
	default:
		res.Status = model.StatusOffline
		res.DetailedStatus = fmt.Sprintf("http-%d", resp.StatusCode)
		res.Err = fmt.Sprintf("http %d", resp.StatusCode)
	}

	if resp.TLS != nil && len(resp.TLS.PeerCertificates) > 0 {
		res.SSLExpiresAt = resp.TLS.PeerCertificates[0].NotAfter.UnixMilli()
	}
	return res
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
}
